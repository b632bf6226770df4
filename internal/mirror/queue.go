package mirror

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Queue is the durable per-bucket FIFO. Keys are
// "{bucket}_mirror_tasks/{seq}" with a zero-padded sequence so the
// key-ordered iteration of the store yields enqueue order.
type Queue struct {
	db     *leveldb.DB
	logger *zap.Logger

	mu  sync.Mutex
	seq map[string]uint64
}

func Open(dir string, logger *zap.Logger) (*Queue, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("mirror: open queue at %s: %w", dir, err)
	}
	return &Queue{db: db, logger: logger, seq: make(map[string]uint64)}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func taskPrefix(bucket string) []byte {
	return []byte(bucket + "_mirror_tasks/")
}

func taskKey(bucket string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_mirror_tasks/%020d", bucket, seq))
}

// Enqueue appends tasks for bucket atomically, in order.
func (q *Queue) Enqueue(bucket string, tasks ...Task) error {
	if len(tasks) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	next, err := q.nextSeqLocked(bucket)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	for i := range tasks {
		value, err := json.Marshal(&tasks[i])
		if err != nil {
			return fmt.Errorf("mirror: encode task %s: %w", tasks[i].Nonce, err)
		}
		batch.Put(taskKey(bucket, next), value)
		next++
	}
	if err := q.db.Write(batch, nil); err != nil {
		return fmt.Errorf("mirror: enqueue for %s: %w", bucket, err)
	}
	q.seq[bucket] = next

	q.logger.Debug("enqueued mirror tasks",
		zap.String("bucket", bucket),
		zap.Int("count", len(tasks)))
	return nil
}

// nextSeqLocked resumes the sequence after a restart by reading the highest
// existing key for bucket.
func (q *Queue) nextSeqLocked(bucket string) (uint64, error) {
	if next, ok := q.seq[bucket]; ok {
		return next, nil
	}

	next := uint64(0)
	iter := q.db.NewIterator(util.BytesPrefix(taskPrefix(bucket)), nil)
	if iter.Last() {
		key := string(iter.Key())
		if i := strings.LastIndexByte(key, '/'); i >= 0 {
			n, err := strconv.ParseUint(key[i+1:], 10, 64)
			if err != nil {
				iter.Release()
				return 0, fmt.Errorf("mirror: malformed queue key %q: %w", key, err)
			}
			next = n + 1
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("mirror: scan queue for %s: %w", bucket, err)
	}
	q.seq[bucket] = next
	return next, nil
}

// Dequeue returns the oldest task for bucket without removing it. The task
// stays owned by the store until Ack so a crash mid-replay replays it.
func (q *Queue) Dequeue(bucket string) ([]byte, *Task, bool, error) {
	iter := q.db.NewIterator(util.BytesPrefix(taskPrefix(bucket)), nil)
	defer iter.Release()

	if !iter.First() {
		return nil, nil, false, iter.Error()
	}

	key := append([]byte(nil), iter.Key()...)
	var t Task
	if err := json.Unmarshal(iter.Value(), &t); err != nil {
		return key, nil, true, fmt.Errorf("mirror: decode task at %s: %w", key, err)
	}
	return key, &t, true, nil
}

// Ack removes a completed (or poisoned) task.
func (q *Queue) Ack(key []byte) error {
	if err := q.db.Delete(key, nil); err != nil {
		return fmt.Errorf("mirror: ack %s: %w", key, err)
	}
	return nil
}

// Requeue persists a bumped retry count for a failed task. The task keeps
// its key, so replay order for the bucket stays the enqueue order; the
// worker backs off before attempting the head again. A task that never
// succeeds is dropped by the retry cap, not skipped over.
func (q *Queue) Requeue(key []byte, t *Task) error {
	t.RetryCount++

	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("mirror: encode task %s: %w", t.Nonce, err)
	}
	if err := q.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("mirror: requeue %s: %w", key, err)
	}
	return nil
}

// Len counts pending tasks for bucket.
func (q *Queue) Len(bucket string) (int, error) {
	iter := q.db.NewIterator(util.BytesPrefix(taskPrefix(bucket)), nil)
	defer iter.Release()

	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}
