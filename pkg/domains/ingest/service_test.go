package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagate/pkg/config"
	"github.com/wagate/pkg/constant"
	"github.com/wagate/pkg/dtos"
)

func testIngestConfig(dir string) config.Ingest {
	return config.Ingest{
		LogPath:        filepath.Join(dir, "ingestion.log"),
		CheckpointPath: filepath.Join(dir, "ingestion.offset"),
		DLQPath:        filepath.Join(dir, "dlq.log"),
		QueueCapacity:  100,
		BatchSize:      10,
		BatchMaxWaitMs: 10,
		Workers:        2,
		Retry: config.Retry{
			BaseMs:      10,
			MaxMs:       100,
			MaxAttempts: 5,
			HorizonMs:   60000,
		},
		ReadyMaxQueueDepth: 90,
	}
}

func testMessage(id string) dtos.MessageInfo {
	return dtos.MessageInfo{
		ID:        id,
		From:      "1555@s.whatsapp.net",
		Timestamp: 1700000000,
		Type:      "conversation",
		Content:   dtos.MessageContent{Type: dtos.MessageTypeText, Text: "hi"},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func logLines(t *testing.T, path string) []dtos.IngestRecord {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []dtos.IngestRecord
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" {
			continue
		}
		var rec dtos.IngestRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	return records
}

func TestEnqueueMessageValidation(t *testing.T) {
	cfg := testIngestConfig(t.TempDir())
	st := newFakeStore()
	svc, err := NewService(cfg, st, zerolog.Nop())
	require.NoError(t, err)
	defer svc.Shutdown(context.Background())

	ack := svc.EnqueueMessage(context.Background(), dtos.MessageInfo{From: "x@s.whatsapp.net"})
	assert.False(t, ack.Accepted)
	assert.Equal(t, constant.ReasonInvalidMessage, ack.Reason)

	ack = svc.EnqueueMessage(context.Background(), dtos.MessageInfo{ID: "A1"})
	assert.False(t, ack.Accepted)
	assert.Equal(t, constant.ReasonInvalidMessage, ack.Reason)

	// Nothing reached the log.
	assert.Empty(t, logLines(t, cfg.LogPath))
}

// Happy path: one message, one durable line with the derived idempotency key,
// one row after drain.
func TestEnqueueMessageHappyPath(t *testing.T) {
	cfg := testIngestConfig(t.TempDir())
	st := newFakeStore()
	svc, err := NewService(cfg, st, zerolog.Nop())
	require.NoError(t, err)

	svc.Start(context.Background())

	ack := svc.EnqueueMessage(context.Background(), testMessage("A1"))
	require.True(t, ack.Accepted)
	assert.Equal(t, "wa:A1", ack.IdempotencyKey)

	records := logLines(t, cfg.LogPath)
	require.Len(t, records, 1)
	assert.Equal(t, "wa:A1", records[0].IdempotencyKey)
	assert.Equal(t, "cid:A1", records[0].CorrelationID)
	assert.Equal(t, "hi", records[0].Payload.Content.Text)

	waitFor(t, 2*time.Second, func() bool { return st.hasRow("A1") })
	svc.Shutdown(context.Background())

	snap := svc.Snapshot()
	assert.Equal(t, int64(1), snap.Counters.Received)
	assert.Equal(t, int64(1), snap.Counters.Persisted)
}

// Duplicate submission is at-least-once in the log but exactly-once in the
// store; both batch rows count toward persisted.
func TestEnqueueMessageDuplicateSuppression(t *testing.T) {
	cfg := testIngestConfig(t.TempDir())
	st := newFakeStore()
	svc, err := NewService(cfg, st, zerolog.Nop())
	require.NoError(t, err)

	svc.Start(context.Background())

	require.True(t, svc.EnqueueMessage(context.Background(), testMessage("A1")).Accepted)
	require.True(t, svc.EnqueueMessage(context.Background(), testMessage("A1")).Accepted)

	assert.Len(t, logLines(t, cfg.LogPath), 2)

	waitFor(t, 2*time.Second, func() bool {
		return svc.Snapshot().Counters.Persisted == 2
	})
	svc.Shutdown(context.Background())

	assert.Equal(t, 1, st.rowCount())
	assert.Zero(t, svc.Snapshot().Counters.DeadLettered)
}

// Crash-replay: records fsynced before a crash are re-delivered from the
// checkpoint; after drain the checkpoint equals the log size.
func TestReplayAfterCrash(t *testing.T) {
	dir := t.TempDir()
	cfg := testIngestConfig(dir)

	// Simulate the pre-crash process: records reach the durable log but no
	// persistence happens and no checkpoint is written.
	durable, err := OpenDurableLog(cfg.LogPath)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		m := testMessage(fmt.Sprintf("C%d", i))
		_, _, err := durable.Append(dtos.IngestRecord{
			IdempotencyKey: m.IdempotencyKey(),
			CorrelationID:  m.CorrelationID(),
			ReceivedAt:     time.Now().UnixMilli(),
			Payload:        m,
		})
		require.NoError(t, err)
	}
	logSize := durable.Size()
	require.NoError(t, durable.Close())

	// Restart.
	st := newFakeStore()
	svc, err := NewService(cfg, st, zerolog.Nop())
	require.NoError(t, err)
	svc.Start(context.Background())

	waitFor(t, 5*time.Second, func() bool { return st.rowCount() == 100 })
	svc.Shutdown(context.Background())

	cp := NewCheckpointer(cfg.CheckpointPath)
	assert.Equal(t, logSize, cp.Load())
	assert.Equal(t, int64(100), svc.Snapshot().Counters.Enqueued)
}

// A checkpoint beyond the log size (rotation) resets to zero and re-delivers.
func TestReplayCheckpointClampedToLogSize(t *testing.T) {
	dir := t.TempDir()
	cfg := testIngestConfig(dir)

	durable, err := OpenDurableLog(cfg.LogPath)
	require.NoError(t, err)
	m := testMessage("R1")
	_, _, err = durable.Append(dtos.IngestRecord{
		IdempotencyKey: m.IdempotencyKey(),
		CorrelationID:  m.CorrelationID(),
		ReceivedAt:     time.Now().UnixMilli(),
		Payload:        m,
	})
	require.NoError(t, err)
	require.NoError(t, durable.Close())

	require.NoError(t, NewCheckpointer(cfg.CheckpointPath).Save(1<<30))

	st := newFakeStore()
	svc, err := NewService(cfg, st, zerolog.Nop())
	require.NoError(t, err)
	svc.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool { return st.hasRow("R1") })
	svc.Shutdown(context.Background())
}

// Corrupted lines are skipped, counted, and never replayed again.
func TestReplaySkipsUnparseableLines(t *testing.T) {
	dir := t.TempDir()
	cfg := testIngestConfig(dir)

	durable, err := OpenDurableLog(cfg.LogPath)
	require.NoError(t, err)
	m := testMessage("G1")
	_, _, err = durable.Append(dtos.IngestRecord{
		IdempotencyKey: m.IdempotencyKey(),
		CorrelationID:  m.CorrelationID(),
		ReceivedAt:     time.Now().UnixMilli(),
		Payload:        m,
	})
	require.NoError(t, err)
	require.NoError(t, durable.Close())

	// Inject a corrupted line, then a good record behind it.
	f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{corrupted json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	durable, err = OpenDurableLog(cfg.LogPath)
	require.NoError(t, err)
	m2 := testMessage("G2")
	_, _, err = durable.Append(dtos.IngestRecord{
		IdempotencyKey: m2.IdempotencyKey(),
		CorrelationID:  m2.CorrelationID(),
		ReceivedAt:     time.Now().UnixMilli(),
		Payload:        m2,
	})
	require.NoError(t, err)
	logSize := durable.Size()
	require.NoError(t, durable.Close())

	st := newFakeStore()
	svc, err := NewService(cfg, st, zerolog.Nop())
	require.NoError(t, err)
	svc.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		return st.hasRow("G1") && st.hasRow("G2")
	})
	svc.Shutdown(context.Background())

	snap := svc.Snapshot()
	assert.Equal(t, int64(1), snap.Counters.ReplayParseErrors)
	assert.Equal(t, logSize, NewCheckpointer(cfg.CheckpointPath).Load())
}

// A partial tail line (no newline yet) is not a record and must not advance
// the checkpoint past the last complete record.
func TestReplayIgnoresPartialTail(t *testing.T) {
	dir := t.TempDir()
	cfg := testIngestConfig(dir)

	durable, err := OpenDurableLog(cfg.LogPath)
	require.NoError(t, err)
	m := testMessage("P1")
	_, end, err := durable.Append(dtos.IngestRecord{
		IdempotencyKey: m.IdempotencyKey(),
		CorrelationID:  m.CorrelationID(),
		ReceivedAt:     time.Now().UnixMilli(),
		Payload:        m,
	})
	require.NoError(t, err)
	require.NoError(t, durable.Close())

	f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"idempotencyKey":"wa:half`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st := newFakeStore()
	svc, err := NewService(cfg, st, zerolog.Nop())
	require.NoError(t, err)
	svc.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool { return st.hasRow("P1") })
	time.Sleep(600 * time.Millisecond)
	svc.Shutdown(context.Background())

	assert.Equal(t, 1, st.rowCount())
	assert.Equal(t, end, NewCheckpointer(cfg.CheckpointPath).Load())
}

// Queue saturation never rejects producers; the replay loop delivers the
// overflow later.
func TestEnqueueMessageAcceptedWhenQueueFull(t *testing.T) {
	cfg := testIngestConfig(t.TempDir())
	cfg.QueueCapacity = 1
	st := newFakeStore()
	svc, err := NewService(cfg, st, zerolog.Nop())
	require.NoError(t, err)

	// Workers not started: the queue fills and stays full.
	for i := 0; i < 5; i++ {
		ack := svc.EnqueueMessage(context.Background(), testMessage(fmt.Sprintf("F%d", i)))
		assert.True(t, ack.Accepted)
	}
	assert.Len(t, logLines(t, cfg.LogPath), 5)
	assert.LessOrEqual(t, svc.QueueDepth(), 1)

	// Start the pipeline; everything drains from the durable log.
	svc.Start(context.Background())
	waitFor(t, 5*time.Second, func() bool { return st.rowCount() == 5 })
	svc.Shutdown(context.Background())
}

func TestReadyThreshold(t *testing.T) {
	cfg := testIngestConfig(t.TempDir())
	cfg.QueueCapacity = 10
	cfg.ReadyMaxQueueDepth = 2
	st := newFakeStore()
	svc, err := NewService(cfg, st, zerolog.Nop())
	require.NoError(t, err)
	defer svc.Shutdown(context.Background())

	assert.True(t, svc.Ready())
	svc.EnqueueMessage(context.Background(), testMessage("D1"))
	svc.EnqueueMessage(context.Background(), testMessage("D2"))
	assert.False(t, svc.Ready())
}
