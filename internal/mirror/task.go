// Package mirror propagates successful mutating operations to a bucket's
// replicas: a durable per-bucket FIFO of tasks plus one worker per bucket
// replaying them at-least-once.
package mirror

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/registry"
	"github.com/FairForge/herald/internal/request"
)

// Command names the mutation a task replays.
type Command string

const (
	CommandPutObject               Command = "putObject"
	CommandCopyObject              Command = "copyObject"
	CommandDeleteObject            Command = "deleteObject"
	CommandDeleteObjects           Command = "deleteObjects"
	CommandCreateBucket            Command = "createBucket"
	CommandDeleteBucket            Command = "deleteBucket"
	CommandCompleteMultipartUpload Command = "completeMultipartUpload"
)

// CommandFor maps a mutating operation to its replay command.
func CommandFor(op request.Operation) (Command, bool) {
	switch op {
	case request.OpPutObject:
		return CommandPutObject, true
	case request.OpCopyObject:
		return CommandCopyObject, true
	case request.OpDeleteObject:
		return CommandDeleteObject, true
	case request.OpDeleteObjects:
		return CommandDeleteObjects, true
	case request.OpCreateBucket:
		return CommandCreateBucket, true
	case request.OpDeleteBucket:
		return CommandDeleteBucket, true
	case request.OpCompleteMultipartUpload:
		return CommandCompleteMultipartUpload, true
	}
	return "", false
}

// SerializedRequest captures enough of the original client request to
// reconstruct it for replay. Bodies are stored only for operations whose
// replay needs them (bulk delete); object bodies are re-read from the
// primary at replay time instead.
type SerializedRequest struct {
	Method string      `json:"method"`
	Path   string      `json:"path"`
	Query  string      `json:"query,omitempty"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// BackendConfig is a tagged backend reference embedded in a task so replay
// does not depend on the live registry surviving a restart unchanged.
type BackendConfig struct {
	Type  string              `json:"type"`
	S3    *config.S3Config    `json:"s3,omitempty"`
	Swift *config.SwiftConfig `json:"swift,omitempty"`
}

func backendConfigOf(t registry.BackendType, s3 *config.S3Config, swift *config.SwiftConfig) BackendConfig {
	return BackendConfig{Type: t.String(), S3: s3, Swift: swift}
}

// Task is one unit of replication work: replay one mutation on one replica.
type Task struct {
	Nonce      string            `json:"nonce"`
	Bucket     string            `json:"bucket"`
	Key        string            `json:"key,omitempty"`
	Command    Command           `json:"command"`
	Replica    string            `json:"replica"`
	Request    SerializedRequest `json:"request"`
	Primary    BackendConfig     `json:"primary"`
	Target     BackendConfig     `json:"target"`
	RetryCount int               `json:"retryCount"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// BuildTasks constructs one task per replica for a successful mutation on b.
// Each task carries a distinct nonce.
func BuildTasks(cmd Command, meta *request.Meta, sr SerializedRequest, b *registry.Bucket) []Task {
	now := time.Now().UTC()
	primary := backendConfigOf(b.Type, b.S3, b.Swift)

	tasks := make([]Task, 0, len(b.Replicas))
	for _, rep := range b.Replicas {
		tasks = append(tasks, Task{
			Nonce:      uuid.NewString(),
			Bucket:     b.Name,
			Key:        meta.Key,
			Command:    cmd,
			Replica:    rep.Name,
			Request:    sr,
			Primary:    primary,
			Target:     backendConfigOf(rep.Type, rep.S3, rep.Swift),
			EnqueuedAt: now,
		})
	}
	return tasks
}
