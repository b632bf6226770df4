package mirror

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/registry"
	"github.com/FairForge/herald/internal/request"
)

func openQueue(t *testing.T, dir string) *Queue {
	t.Helper()
	q, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	return q
}

func task(nonce string) Task {
	return Task{
		Nonce:   nonce,
		Bucket:  "photos",
		Key:     "k-" + nonce,
		Command: CommandPutObject,
		Replica: "backup",
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := openQueue(t, t.TempDir())
	defer func() { _ = q.Close() }()

	require.NoError(t, q.Enqueue("photos", task("a"), task("b"), task("c")))

	for _, want := range []string{"a", "b", "c"} {
		key, got, ok, err := q.Dequeue("photos")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got.Nonce)
		require.NoError(t, q.Ack(key))
	}

	_, _, ok, err := q.Dequeue("photos")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_DequeueWithoutAckRedelivers(t *testing.T) {
	q := openQueue(t, t.TempDir())
	defer func() { _ = q.Close() }()

	require.NoError(t, q.Enqueue("photos", task("a")))

	_, first, ok, err := q.Dequeue("photos")
	require.NoError(t, err)
	require.True(t, ok)

	_, second, ok, err := q.Dequeue("photos")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.Nonce, second.Nonce)
}

func TestQueue_BucketsAreIndependent(t *testing.T) {
	q := openQueue(t, t.TempDir())
	defer func() { _ = q.Close() }()

	require.NoError(t, q.Enqueue("photos", task("p")))
	require.NoError(t, q.Enqueue("archive", task("x")))

	_, got, ok, err := q.Dequeue("archive")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", got.Nonce)

	n, err := q.Len("photos")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	q := openQueue(t, dir)
	require.NoError(t, q.Enqueue("photos", task("a"), task("b")))
	require.NoError(t, q.Close())

	q = openQueue(t, dir)
	defer func() { _ = q.Close() }()

	// The sequence resumes past existing keys, so new tasks sort after
	// the ones written before the restart.
	require.NoError(t, q.Enqueue("photos", task("c")))

	for _, want := range []string{"a", "b", "c"} {
		key, got, ok, err := q.Dequeue("photos")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got.Nonce)
		require.NoError(t, q.Ack(key))
	}
}

func TestQueue_RequeueKeepsEnqueueOrder(t *testing.T) {
	q := openQueue(t, t.TempDir())
	defer func() { _ = q.Close() }()

	require.NoError(t, q.Enqueue("photos", task("a"), task("b")))

	key, head, ok, err := q.Dequeue("photos")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", head.Nonce)

	// A failed head stays at the head; the later task must not overtake it.
	require.NoError(t, q.Requeue(key, head))

	key, head, ok, err = q.Dequeue("photos")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", head.Nonce)
	assert.Equal(t, 1, head.RetryCount)
	require.NoError(t, q.Ack(key))

	_, head, ok, err = q.Dequeue("photos")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", head.Nonce)
}

func TestQueue_RequeueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	q := openQueue(t, dir)
	require.NoError(t, q.Enqueue("photos", task("a")))
	key, head, ok, err := q.Dequeue("photos")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Requeue(key, head))
	require.NoError(t, q.Close())

	q = openQueue(t, dir)
	defer func() { _ = q.Close() }()

	_, head, ok, err = q.Dequeue("photos")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", head.Nonce)
	assert.Equal(t, 1, head.RetryCount)
}

func TestQueue_Len(t *testing.T) {
	q := openQueue(t, t.TempDir())
	defer func() { _ = q.Close() }()

	n, err := q.Len("photos")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, q.Enqueue("photos", task("a"), task("b")))
	n, err = q.Len("photos")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func replicatedBucket(t *testing.T) *registry.Bucket {
	t.Helper()

	cfg, err := config.Parse(strings.NewReader(`
backends:
  ceph:
    protocol: s3
  ovh:
    protocol: swift
buckets:
  photos:
    backend: ceph
    endpoint: https://ceph.example.org
    access_key_id: AK
    secret_access_key: SK
    bucket: photos-prod
    replicas:
      - name: backup-a
        backend: ovh
        auth_url: https://auth.example.org/v3
        region: GRA
        container: backup-a
        username: u
        password: p
      - name: backup-b
        backend: ceph
        endpoint: https://ceph2.example.org
        access_key_id: AK2
        secret_access_key: SK2
        bucket: photos-b
`))
	require.NoError(t, err)
	reg, err := registry.Build(cfg)
	require.NoError(t, err)
	b, ok := reg.Lookup("photos")
	require.True(t, ok)
	return b
}

func TestBuildTasks(t *testing.T) {
	b := replicatedBucket(t)

	r := httptest.NewRequest("PUT", "/photos/cat.jpg", nil)
	r.Host = "gateway.example.org"
	meta, err := request.Extract(r)
	require.NoError(t, err)

	sr := SerializedRequest{Method: "PUT", Path: "/photos/cat.jpg"}
	tasks := BuildTasks(CommandPutObject, meta, sr, b)

	require.Len(t, tasks, 2)
	assert.NotEqual(t, tasks[0].Nonce, tasks[1].Nonce)
	assert.NotEmpty(t, tasks[0].Nonce)

	assert.Equal(t, "backup-a", tasks[0].Replica)
	assert.Equal(t, "swift", tasks[0].Target.Type)
	require.NotNil(t, tasks[0].Target.Swift)

	assert.Equal(t, "backup-b", tasks[1].Replica)
	assert.Equal(t, "s3", tasks[1].Target.Type)
	require.NotNil(t, tasks[1].Target.S3)

	for _, task := range tasks {
		assert.Equal(t, "photos", task.Bucket)
		assert.Equal(t, "cat.jpg", task.Key)
		assert.Equal(t, CommandPutObject, task.Command)
		assert.Equal(t, "s3", task.Primary.Type)
		assert.Zero(t, task.RetryCount)
		assert.False(t, task.EnqueuedAt.IsZero())
	}
}

func TestCommandFor(t *testing.T) {
	tests := []struct {
		op   request.Operation
		want Command
		ok   bool
	}{
		{request.OpPutObject, CommandPutObject, true},
		{request.OpCopyObject, CommandCopyObject, true},
		{request.OpDeleteObject, CommandDeleteObject, true},
		{request.OpDeleteObjects, CommandDeleteObjects, true},
		{request.OpCreateBucket, CommandCreateBucket, true},
		{request.OpDeleteBucket, CommandDeleteBucket, true},
		{request.OpCompleteMultipartUpload, CommandCompleteMultipartUpload, true},
		{request.OpGetObject, "", false},
		{request.OpListObjects, "", false},
		{request.OpAbortMultipartUpload, "", false},
	}

	for _, tc := range tests {
		cmd, ok := CommandFor(tc.op)
		assert.Equal(t, tc.ok, ok)
		assert.Equal(t, tc.want, cmd)
	}
}
