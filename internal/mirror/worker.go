package mirror

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/forward"
	"github.com/FairForge/herald/internal/registry"
	"github.com/FairForge/herald/internal/request"
	"github.com/FairForge/herald/internal/s3err"
	"github.com/FairForge/herald/internal/swiftapi"
)

const (
	defaultPollInterval = time.Second
	maxTaskRetries      = 10
	maxRetryDelay       = 5 * time.Minute
)

// errSkip marks a task whose precondition vanished (e.g. the source object
// was deleted before replay). The task is acknowledged without effect.
var errSkip = errors.New("mirror: task no longer applicable")

// Pool runs one replay worker per replicated primary bucket. FIFO order per
// bucket holds because each bucket has exactly one consumer.
type Pool struct {
	queue       *Queue
	fwd         *forward.Forwarder
	swift       *swiftapi.Resolver
	swiftClient *swiftapi.Client
	reg         *registry.Registry
	metrics     *Metrics
	logger      *zap.Logger

	pollInterval time.Duration
}

func NewPool(queue *Queue, fwd *forward.Forwarder, swift *swiftapi.Resolver, swiftClient *swiftapi.Client, reg *registry.Registry, metrics *Metrics, logger *zap.Logger) *Pool {
	return &Pool{
		queue:        queue,
		fwd:          fwd,
		swift:        swift,
		swiftClient:  swiftClient,
		reg:          reg,
		metrics:      metrics,
		logger:       logger,
		pollInterval: defaultPollInterval,
	}
}

// Run blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range p.reg.Names() {
		b, ok := p.reg.Lookup(name)
		if !ok || !b.HasReplicas() {
			continue
		}
		bucket := name
		g.Go(func() error {
			p.runWorker(ctx, bucket)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, bucket string) {
	log := p.logger.With(zap.String("bucket", bucket))
	log.Info("mirror worker started")

	for {
		if err := p.step(ctx, bucket, log); err != nil {
			if ctx.Err() != nil {
				log.Info("mirror worker stopped")
				return
			}
			log.Error("mirror worker step failed", zap.Error(err))
		}

		if n, err := p.queue.Len(bucket); err == nil {
			p.metrics.Backlog.WithLabelValues(bucket).Set(float64(n))
		}

		select {
		case <-ctx.Done():
			log.Info("mirror worker stopped")
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// step drains the queue head. It returns when the queue is empty or a task
// needs to wait for a retry.
func (p *Pool) step(ctx context.Context, bucket string, log *zap.Logger) error {
	for {
		key, task, ok, err := p.queue.Dequeue(bucket)
		if !ok {
			return err
		}
		if err != nil {
			// Undecodable task: nothing to replay, drop it.
			log.Error("dropping undecodable mirror task", zap.ByteString("key", key), zap.Error(err))
			return p.queue.Ack(key)
		}

		err = p.process(ctx, task)
		switch {
		case err == nil || errors.Is(err, errSkip):
			p.metrics.Tasks.WithLabelValues(bucket, string(task.Command), "ok").Inc()
			if err := p.queue.Ack(key); err != nil {
				return err
			}

		case isPermanent(err):
			// 4xx from the replica will not change on replay.
			log.Error("poisoned mirror task dropped",
				zap.String("nonce", task.Nonce),
				zap.String("command", string(task.Command)),
				zap.String("replica", task.Replica),
				zap.Error(err))
			p.metrics.Tasks.WithLabelValues(bucket, string(task.Command), "poison").Inc()
			if err := p.queue.Ack(key); err != nil {
				return err
			}

		default:
			if task.RetryCount >= maxTaskRetries {
				log.Error("mirror task exhausted retries",
					zap.String("nonce", task.Nonce),
					zap.Int("retries", task.RetryCount),
					zap.Error(err))
				p.metrics.Tasks.WithLabelValues(bucket, string(task.Command), "exhausted").Inc()
				return p.queue.Ack(key)
			}
			log.Warn("mirror task failed, requeueing",
				zap.String("nonce", task.Nonce),
				zap.Int("retry", task.RetryCount+1),
				zap.Error(err))
			p.metrics.Tasks.WithLabelValues(bucket, string(task.Command), "retry").Inc()
			if err := p.queue.Requeue(key, task); err != nil {
				return err
			}
			return p.sleep(ctx, retryDelay(task.RetryCount))
		}
	}
}

func retryDelay(retry int) time.Duration {
	if retry > 8 {
		retry = 8
	}
	d := time.Duration(1<<uint(retry)) * time.Second
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (p *Pool) process(ctx context.Context, t *Task) error {
	switch t.Command {
	case CommandPutObject, CommandCompleteMultipartUpload:
		return p.replayPut(ctx, t)
	case CommandDeleteObject:
		return p.replayDeleteObject(ctx, t)
	case CommandCopyObject:
		return p.replayCopyObject(ctx, t)
	case CommandDeleteObjects:
		return p.replayDeleteObjects(ctx, t)
	case CommandCreateBucket:
		return p.replayCreateBucket(ctx, t)
	case CommandDeleteBucket:
		return p.replayDeleteBucket(ctx, t)
	}
	return fmt.Errorf("mirror: unknown command %q", t.Command)
}

// replayPut re-reads the object from the primary and streams it into the
// replica. Complete-multipart lands here too: the assembled object is
// visible as a single object on the primary.
func (p *Pool) replayPut(ctx context.Context, t *Task) error {
	src, err := p.fetchPrimary(ctx, t)
	if err != nil {
		return err
	}
	defer func() { _ = src.Body.Close() }()

	switch t.Target.Type {
	case "s3":
		client, err := newS3Client(ctx, t.Target.S3)
		if err != nil {
			return err
		}
		input := &s3.PutObjectInput{
			Bucket: aws.String(t.Target.S3.Bucket),
			Key:    aws.String(t.Key),
			Body:   src.Body,
		}
		if src.ContentLength >= 0 {
			input.ContentLength = aws.Int64(src.ContentLength)
		}
		if ct := src.Header.Get("Content-Type"); ct != "" {
			input.ContentType = aws.String(ct)
		}
		_, err = client.PutObject(ctx, input)
		return err

	case "swift":
		header := http.Header{}
		if ct := src.Header.Get("Content-Type"); ct != "" {
			header.Set("Content-Type", ct)
		}
		req, meta, err := syntheticRequest(http.MethodPut, t.Bucket, t.Key, "", header, src.Body, src.ContentLength)
		if err != nil {
			return err
		}
		return p.dispatchSwift(ctx, req, meta, t.Target.Swift)
	}
	return fmt.Errorf("mirror: unknown target type %q", t.Target.Type)
}

func (p *Pool) replayDeleteObject(ctx context.Context, t *Task) error {
	switch t.Target.Type {
	case "s3":
		client, err := newS3Client(ctx, t.Target.S3)
		if err != nil {
			return err
		}
		_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(t.Target.S3.Bucket),
			Key:    aws.String(t.Key),
		})
		return tolerateStatus(err, http.StatusNotFound)

	case "swift":
		req, meta, err := syntheticRequest(http.MethodDelete, t.Bucket, t.Key, "", nil, nil, 0)
		if err != nil {
			return err
		}
		return tolerateStatus(p.dispatchSwift(ctx, req, meta, t.Target.Swift), http.StatusNotFound)
	}
	return fmt.Errorf("mirror: unknown target type %q", t.Target.Type)
}

func (p *Pool) replayCopyObject(ctx context.Context, t *Task) error {
	srcKey, err := copySourceKey(t.Request.Header.Get("x-amz-copy-source"))
	if err != nil {
		return err
	}

	switch t.Target.Type {
	case "s3":
		client, err := newS3Client(ctx, t.Target.S3)
		if err != nil {
			return err
		}
		_, err = client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(t.Target.S3.Bucket),
			Key:        aws.String(t.Key),
			CopySource: aws.String(t.Target.S3.Bucket + "/" + srcKey),
		})
		return err

	case "swift":
		header := http.Header{}
		header.Set("x-amz-copy-source", "/"+t.Bucket+"/"+srcKey)
		req, meta, err := syntheticRequest(http.MethodPut, t.Bucket, t.Key, "", header, nil, 0)
		if err != nil {
			return err
		}
		return p.dispatchSwift(ctx, req, meta, t.Target.Swift)
	}
	return fmt.Errorf("mirror: unknown target type %q", t.Target.Type)
}

func (p *Pool) replayDeleteObjects(ctx context.Context, t *Task) error {
	switch t.Target.Type {
	case "s3":
		client, err := newS3Client(ctx, t.Target.S3)
		if err != nil {
			return err
		}
		var del struct {
			Quiet   bool `xml:"Quiet"`
			Objects []struct {
				Key string `xml:"Key"`
			} `xml:"Object"`
		}
		if err := xml.Unmarshal(t.Request.Body, &del); err != nil {
			return s3err.New(s3err.CodeMalformedXML)
		}
		ids := make([]s3types.ObjectIdentifier, 0, len(del.Objects))
		for _, o := range del.Objects {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(o.Key)})
		}
		_, err = client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(t.Target.S3.Bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		return err

	case "swift":
		req, meta, err := syntheticRequest(http.MethodPost, t.Bucket, "", "delete",
			nil, bytes.NewReader(t.Request.Body), int64(len(t.Request.Body)))
		if err != nil {
			return err
		}
		return p.dispatchSwift(ctx, req, meta, t.Target.Swift)
	}
	return fmt.Errorf("mirror: unknown target type %q", t.Target.Type)
}

func (p *Pool) replayCreateBucket(ctx context.Context, t *Task) error {
	switch t.Target.Type {
	case "s3":
		client, err := newS3Client(ctx, t.Target.S3)
		if err != nil {
			return err
		}
		_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(t.Target.S3.Bucket),
		})
		return tolerateStatus(err, http.StatusConflict)

	case "swift":
		req, meta, err := syntheticRequest(http.MethodPut, t.Bucket, "", "", nil, nil, 0)
		if err != nil {
			return err
		}
		return tolerateStatus(p.dispatchSwift(ctx, req, meta, t.Target.Swift), http.StatusConflict)
	}
	return fmt.Errorf("mirror: unknown target type %q", t.Target.Type)
}

func (p *Pool) replayDeleteBucket(ctx context.Context, t *Task) error {
	switch t.Target.Type {
	case "s3":
		client, err := newS3Client(ctx, t.Target.S3)
		if err != nil {
			return err
		}
		_, err = client.DeleteBucket(ctx, &s3.DeleteBucketInput{
			Bucket: aws.String(t.Target.S3.Bucket),
		})
		return tolerateStatus(err, http.StatusNotFound)

	case "swift":
		req, meta, err := syntheticRequest(http.MethodDelete, t.Bucket, "", "", nil, nil, 0)
		if err != nil {
			return err
		}
		return tolerateStatus(p.dispatchSwift(ctx, req, meta, t.Target.Swift), http.StatusNotFound)
	}
	return fmt.Errorf("mirror: unknown target type %q", t.Target.Type)
}

// fetchPrimary re-reads the task's object from the primary backend. A 404
// means the object was deleted after the task was enqueued; the replay is
// skipped since a later delete task carries the final state.
func (p *Pool) fetchPrimary(ctx context.Context, t *Task) (*http.Response, error) {
	var (
		resp *http.Response
		err  error
	)
	switch t.Primary.Type {
	case "s3":
		resp, err = p.fwd.SignedGet(ctx, t.Primary.S3, t.Key)
	case "swift":
		resp, err = p.swiftClient.GetObject(ctx, t.Primary.Swift, t.Key)
	default:
		return nil, fmt.Errorf("mirror: unknown primary type %q", t.Primary.Type)
	}
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, errSkip
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 32<<10))
	_ = resp.Body.Close()
	return nil, fmt.Errorf("mirror: primary read for %s/%s returned %d", t.Bucket, t.Key, resp.StatusCode)
}

// dispatchSwift replays through the regular translator and treats any 2xx
// as success.
func (p *Pool) dispatchSwift(ctx context.Context, req *http.Request, meta *request.Meta, cfg *config.SwiftConfig) error {
	resp, err := p.swift.Dispatch(ctx, req, meta, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mirror: swift replay returned %d", resp.StatusCode)
	}
	return nil
}

// syntheticRequest builds a path-style request and its parsed meta for
// replay through the Swift translator.
func syntheticRequest(method, bucket, key, rawQuery string, header http.Header, body io.Reader, contentLength int64) (*http.Request, *request.Meta, error) {
	path := "/" + bucket
	if key != "" {
		path += "/" + key
	}
	if header == nil {
		header = http.Header{}
	}

	rc, ok := body.(io.ReadCloser)
	if !ok && body != nil {
		rc = io.NopCloser(body)
	}
	req := &http.Request{
		Method:        method,
		URL:           &url.URL{Path: path, RawQuery: rawQuery},
		Host:          "mirror.internal",
		Header:        header,
		Body:          rc,
		ContentLength: contentLength,
	}

	meta, err := request.Extract(req)
	if err != nil {
		return nil, nil, err
	}
	return req, meta, nil
}

func copySourceKey(copySource string) (string, error) {
	trimmed := strings.TrimPrefix(copySource, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", s3err.WithMessage(s3err.CodeInvalidRequest,
			fmt.Sprintf("Invalid copy source: %s", copySource))
	}
	return parts[1], nil
}

// isPermanent reports whether err is a definite replica-side rejection that
// a replay cannot fix.
func isPermanent(err error) bool {
	status := statusOf(err)
	return status >= 400 && status < 500
}

// tolerateStatus swallows an expected status on idempotent replay (404 on a
// re-run delete, 409 on a re-run create).
func tolerateStatus(err error, tolerated int) error {
	if err == nil {
		return nil
	}
	if statusOf(err) == tolerated {
		return nil
	}
	return err
}

func statusOf(err error) int {
	var se *s3err.Error
	if errors.As(err, &se) {
		return se.Status
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
