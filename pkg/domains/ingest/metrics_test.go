package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSnapshotCounters(t *testing.T) {
	m := NewMetrics()
	m.IncReceived()
	m.IncReceived()
	m.IncEnqueued()
	m.AddPersisted(5)
	m.IncRetried()
	m.IncDeadLettered()
	m.IncLogAppendFailed()
	m.IncReplayParseError()
	m.IncErrorCode("transient")
	m.IncErrorCode("transient")
	m.IncErrorCode("non_transient")
	m.SetCheckpoint(4096)

	snap := m.Snapshot(7)
	assert.Equal(t, int64(2), snap.Counters.Received)
	assert.Equal(t, int64(1), snap.Counters.Enqueued)
	assert.Equal(t, int64(5), snap.Counters.Persisted)
	assert.Equal(t, int64(1), snap.Counters.Retried)
	assert.Equal(t, int64(1), snap.Counters.DeadLettered)
	assert.Equal(t, int64(1), snap.Counters.LogAppendFailed)
	assert.Equal(t, int64(1), snap.Counters.ReplayParseErrors)
	assert.Equal(t, int64(2), snap.Counters.ErrorCodes["transient"])
	assert.Equal(t, int64(1), snap.Counters.ErrorCodes["non_transient"])
	assert.Equal(t, 7, snap.QueueDepth)
	assert.Equal(t, int64(4096), snap.CheckpointOffset)
}

func TestMetricsLatencyPercentiles(t *testing.T) {
	m := NewMetrics()
	for i := 1; i <= 100; i++ {
		m.ObserveLatency(time.Duration(i) * time.Millisecond)
	}

	snap := m.Snapshot(0)
	assert.InDelta(t, 50, snap.LatencyP50Ms, 2)
	assert.InDelta(t, 95, snap.LatencyP95Ms, 2)
}

func TestMetricsLatencyWindowBounded(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < latencyWindow+500; i++ {
		m.ObserveLatency(time.Millisecond)
	}
	m.mu.Lock()
	size := len(m.latencies)
	m.mu.Unlock()
	assert.Equal(t, latencyWindow, size)
}

func TestMetricsWorkerUtilization(t *testing.T) {
	m := NewMetrics()
	assert.Zero(t, m.Snapshot(0).WorkerUtilization)

	m.ObserveWorker(time.Second, time.Second)
	util := m.Snapshot(0).WorkerUtilization
	assert.InDelta(t, 0.5, util, 0.01)

	// A fully-busy cycle pulls the average upward.
	m.ObserveWorker(time.Second, 0)
	assert.Greater(t, m.Snapshot(0).WorkerUtilization, util)
}
