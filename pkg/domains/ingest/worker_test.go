package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagate/pkg/dtos"
)

type fakeStore struct {
	mu    sync.Mutex
	rows  map[string]dtos.IngestRecord
	calls int
	// failFn decides per call whether the batch errors; calls is the 1-based
	// call counter at decision time.
	failFn func(call int, records []dtos.IngestRecord) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]dtos.IngestRecord)}
}

func (f *fakeStore) SaveMessagesBatch(ctx context.Context, records []dtos.IngestRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFn != nil {
		if err := f.failFn(f.calls, records); err != nil {
			return err
		}
	}
	for _, rec := range records {
		f.rows[rec.Payload.ID] = rec
	}
	return nil
}

func (f *fakeStore) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeStore) hasRow(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[id]
	return ok
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        10 * time.Millisecond,
		Max:         500 * time.Millisecond,
		MaxAttempts: 10,
		Horizon:     10 * time.Minute,
	}
}

func newTestPool(t *testing.T, st BatchStore, queue *BoundedQueue, metrics *Metrics, policy RetryPolicy) (*WorkerPool, *DeadLetterLog, string) {
	t.Helper()
	dlqPath := filepath.Join(t.TempDir(), "dlq.log")
	dlq, err := OpenDeadLetterLog(dlqPath)
	require.NoError(t, err)
	t.Cleanup(func() { dlq.Close() })

	pool := NewWorkerPool(st, queue, dlq, metrics, zerolog.Nop(), 1, 100, 10*time.Millisecond, policy)
	return pool, dlq, dlqPath
}

func readDeadLetters(t *testing.T, path string) []dtos.DeadLetter {
	t.Helper()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)

	var entries []dtos.DeadLetter
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var entry dtos.DeadLetter
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err       error
		transient bool
	}{
		{errors.New("database is locked"), true},
		{errors.New("SQLITE_BUSY: resource busy"), true},
		{errors.New("connection TIMEOUT while writing"), true},
		{errors.New("disk ioerr on page 12"), true},
		{errors.New("table locked"), true},
		{errors.New("UNIQUE constraint failed"), false},
		{errors.New("syntax error near SELECT"), false},
		{nil, false},
	}
	for _, tc := range cases {
		name := "nil"
		if tc.err != nil {
			name = tc.err.Error()
		}
		assert.Equal(t, tc.transient, isTransient(tc.err), name)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	policy := RetryPolicy{Base: 100 * time.Millisecond, Max: 5 * time.Second}
	for attempt := 0; attempt < 30; attempt++ {
		d := backoffDelay(policy, attempt)
		exp := policy.Base << uint(attempt)
		if exp <= 0 || exp > policy.Max {
			exp = policy.Max
		}
		assert.GreaterOrEqual(t, d, exp, "attempt %d", attempt)
		assert.LessOrEqual(t, d, exp+exp/5+time.Millisecond, "attempt %d", attempt)
	}
}

// A poison record in a batch must not block its neighbours: the batch falls
// through to per-record handling, nine rows land, the poison is dead-lettered
// with its error.
func TestPersistBatchPoisonIsolation(t *testing.T) {
	st := newFakeStore()
	st.failFn = func(call int, records []dtos.IngestRecord) error {
		for _, rec := range records {
			if rec.Payload.ID == "P4" {
				return errors.New("UNIQUE constraint violated by trigger")
			}
		}
		return nil
	}

	queue := NewBoundedQueue(100)
	metrics := NewMetrics()
	pool, _, dlqPath := newTestPool(t, st, queue, metrics, testPolicy())

	var batch []dtos.IngestRecord
	for i := 1; i <= 10; i++ {
		id := fmt.Sprintf("B%d", i)
		if i == 4 {
			id = "P4"
		}
		batch = append(batch, testRecord(id))
	}

	pool.persistBatch(context.Background(), zerolog.Nop(), batch, 0)

	assert.Equal(t, 9, st.rowCount())
	assert.False(t, st.hasRow("P4"))

	entries := readDeadLetters(t, dlqPath)
	require.Len(t, entries, 1)
	assert.Equal(t, "wa:P4", entries[0].IdempotencyKey)
	assert.Contains(t, entries[0].Error, "UNIQUE constraint")

	snap := metrics.Snapshot(0)
	assert.Equal(t, int64(9), snap.Counters.Persisted)
	assert.Equal(t, int64(1), snap.Counters.DeadLettered)
}

// Transient contention on a single record is retried with growing waits until
// the store recovers.
func TestPersistBatchTransientRecovery(t *testing.T) {
	st := newFakeStore()
	st.failFn = func(call int, records []dtos.IngestRecord) error {
		if call <= 3 {
			return errors.New("database is locked")
		}
		return nil
	}

	queue := NewBoundedQueue(100)
	metrics := NewMetrics()
	pool, _, dlqPath := newTestPool(t, st, queue, metrics, testPolicy())

	startedAt := time.Now()
	pool.persistBatch(context.Background(), zerolog.Nop(), []dtos.IngestRecord{testRecord("T1")}, 0)
	elapsed := time.Since(startedAt)

	assert.True(t, st.hasRow("T1"))
	assert.Empty(t, readDeadLetters(t, dlqPath))

	snap := metrics.Snapshot(0)
	assert.Equal(t, int64(1), snap.Counters.Persisted)
	assert.GreaterOrEqual(t, snap.Counters.Retried, int64(3))
	assert.Zero(t, snap.Counters.DeadLettered)

	// Backoff floors: 10 + 20 + 40 ms before the fourth attempt.
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
}

// Attempt budget exhaustion dead-letters the record.
func TestPersistBatchAttemptsExhausted(t *testing.T) {
	st := newFakeStore()
	st.failFn = func(call int, records []dtos.IngestRecord) error {
		return errors.New("database is locked")
	}

	policy := testPolicy()
	policy.MaxAttempts = 3
	queue := NewBoundedQueue(100)
	metrics := NewMetrics()
	pool, _, dlqPath := newTestPool(t, st, queue, metrics, policy)

	pool.persistBatch(context.Background(), zerolog.Nop(), []dtos.IngestRecord{testRecord("T1")}, 0)

	entries := readDeadLetters(t, dlqPath)
	require.Len(t, entries, 1)
	assert.Equal(t, "wa:T1", entries[0].IdempotencyKey)
	assert.Equal(t, st.calls, 3)
	assert.Equal(t, int64(1), metrics.Snapshot(0).Counters.DeadLettered)
}

// Horizon exhaustion dead-letters even when attempts remain.
func TestPersistBatchHorizonExhausted(t *testing.T) {
	st := newFakeStore()
	st.failFn = func(call int, records []dtos.IngestRecord) error {
		return errors.New("database is locked")
	}

	policy := testPolicy()
	policy.Horizon = time.Millisecond
	queue := NewBoundedQueue(100)
	metrics := NewMetrics()
	pool, _, dlqPath := newTestPool(t, st, queue, metrics, policy)

	rec := testRecord("H1")
	rec.ReceivedAt = time.Now().Add(-time.Minute).UnixMilli()
	pool.persistBatch(context.Background(), zerolog.Nop(), []dtos.IngestRecord{rec}, 0)

	entries := readDeadLetters(t, dlqPath)
	require.Len(t, entries, 1)
	assert.Equal(t, "wa:H1", entries[0].IdempotencyKey)
}

// Transient batch errors split in half so one bad half does not hold up the
// other.
func TestPersistBatchSplitsOnTransientError(t *testing.T) {
	st := newFakeStore()
	st.failFn = func(call int, records []dtos.IngestRecord) error {
		if call == 1 && len(records) > 1 {
			return errors.New("database table is locked")
		}
		return nil
	}

	queue := NewBoundedQueue(100)
	metrics := NewMetrics()
	pool, _, dlqPath := newTestPool(t, st, queue, metrics, testPolicy())

	batch := []dtos.IngestRecord{testRecord("S1"), testRecord("S2"), testRecord("S3"), testRecord("S4")}
	pool.persistBatch(context.Background(), zerolog.Nop(), batch, 0)

	assert.Equal(t, 4, st.rowCount())
	assert.Empty(t, readDeadLetters(t, dlqPath))
	// One failed whole-batch call plus one call per half.
	assert.Equal(t, 3, st.calls)
}

// End-to-end through the queue: workers batch, flush on the wait timer, and
// drain on close.
func TestWorkerPoolDrainsQueue(t *testing.T) {
	st := newFakeStore()
	queue := NewBoundedQueue(100)
	metrics := NewMetrics()
	pool, _, _ := newTestPool(t, st, queue, metrics, testPolicy())

	pool.Start(context.Background())
	for i := 0; i < 25; i++ {
		require.True(t, queue.TryEnqueue(testRecord(fmt.Sprintf("Q%d", i))))
	}
	queue.Close()
	pool.Wait()

	assert.Equal(t, 25, st.rowCount())
	assert.Equal(t, int64(25), metrics.Snapshot(0).Counters.Persisted)
}
