package ingest

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const latencyWindow = 5000

// Metrics collects pipeline counters and latency samples. Snapshots are cheap
// and safe to take while the pipeline runs.
type Metrics struct {
	received          atomic.Int64
	enqueued          atomic.Int64
	persisted         atomic.Int64
	retried           atomic.Int64
	deadLettered      atomic.Int64
	logAppendFailed   atomic.Int64
	replayParseErrors atomic.Int64
	checkpointOffset  atomic.Int64

	mu          sync.Mutex
	errorCodes  map[string]int64
	latencies   []time.Duration
	latencyPos  int
	utilization float64
}

func NewMetrics() *Metrics {
	return &Metrics{
		errorCodes: make(map[string]int64),
		latencies:  make([]time.Duration, 0, latencyWindow),
	}
}

func (m *Metrics) IncReceived()          { m.received.Add(1) }
func (m *Metrics) IncEnqueued()          { m.enqueued.Add(1) }
func (m *Metrics) AddPersisted(n int)    { m.persisted.Add(int64(n)) }
func (m *Metrics) IncRetried()           { m.retried.Add(1) }
func (m *Metrics) IncDeadLettered()      { m.deadLettered.Add(1) }
func (m *Metrics) IncLogAppendFailed()   { m.logAppendFailed.Add(1) }
func (m *Metrics) IncReplayParseError()  { m.replayParseErrors.Add(1) }
func (m *Metrics) SetCheckpoint(v int64) { m.checkpointOffset.Store(v) }

func (m *Metrics) IncErrorCode(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCodes[code]++
}

// ObserveLatency records one persistence-latency sample into the bounded
// window, overwriting the oldest sample once full.
func (m *Metrics) ObserveLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.latencies) < latencyWindow {
		m.latencies = append(m.latencies, d)
		return
	}
	m.latencies[m.latencyPos] = d
	m.latencyPos = (m.latencyPos + 1) % latencyWindow
}

// ObserveWorker folds one worker cycle's busy fraction into the moving
// average.
func (m *Metrics) ObserveWorker(busy, idle time.Duration) {
	total := busy + idle
	if total <= 0 {
		return
	}
	fraction := float64(busy) / float64(total)
	m.mu.Lock()
	defer m.mu.Unlock()
	const alpha = 0.2
	if m.utilization == 0 {
		m.utilization = fraction
	} else {
		m.utilization = alpha*fraction + (1-alpha)*m.utilization
	}
}

// Counters is the counter section of a snapshot.
type Counters struct {
	Received          int64            `json:"received"`
	Enqueued          int64            `json:"enqueued"`
	Persisted         int64            `json:"persisted"`
	Retried           int64            `json:"retried"`
	DeadLettered      int64            `json:"dead_lettered"`
	LogAppendFailed   int64            `json:"log_append_failed"`
	ReplayParseErrors int64            `json:"replay_parse_errors"`
	ErrorCodes        map[string]int64 `json:"error_codes"`
}

// Snapshot is a point-in-time view of the pipeline.
type Snapshot struct {
	Counters          Counters `json:"counters"`
	QueueDepth        int      `json:"queue_depth"`
	WorkerUtilization float64  `json:"worker_utilization"`
	LatencyP50Ms      float64  `json:"latency_p50_ms"`
	LatencyP95Ms      float64  `json:"latency_p95_ms"`
	CheckpointOffset  int64    `json:"checkpoint_offset"`
}

func (m *Metrics) Snapshot(queueDepth int) Snapshot {
	m.mu.Lock()
	codes := make(map[string]int64, len(m.errorCodes))
	for k, v := range m.errorCodes {
		codes[k] = v
	}
	samples := make([]time.Duration, len(m.latencies))
	copy(samples, m.latencies)
	utilization := m.utilization
	m.mu.Unlock()

	p50, p95 := percentiles(samples)

	return Snapshot{
		Counters: Counters{
			Received:          m.received.Load(),
			Enqueued:          m.enqueued.Load(),
			Persisted:         m.persisted.Load(),
			Retried:           m.retried.Load(),
			DeadLettered:      m.deadLettered.Load(),
			LogAppendFailed:   m.logAppendFailed.Load(),
			ReplayParseErrors: m.replayParseErrors.Load(),
			ErrorCodes:        codes,
		},
		QueueDepth:        queueDepth,
		WorkerUtilization: utilization,
		LatencyP50Ms:      p50,
		LatencyP95Ms:      p95,
		CheckpointOffset:  m.checkpointOffset.Load(),
	}
}

func percentiles(samples []time.Duration) (p50, p95 float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	at := func(q float64) float64 {
		idx := int(q * float64(len(samples)-1))
		return float64(samples[idx]) / float64(time.Millisecond)
	}
	return at(0.50), at(0.95)
}
