// Package monitor collects per-session ingestion metrics on the hot path and
// persists them off the hot path. Recording is non-blocking: a full queue or
// a broken store degrades to a JSONL failover log, never to backpressure on
// the pipeline.
package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kbingest/internal/logging"
	"kbingest/internal/types"
)

const (
	queueCapacity = 1000
	batchSize     = 50
	flushInterval = 5 * time.Second
	finalFlush    = 5 * time.Second

	// Degraded when more than 10% of the last degradedWindow rows
	// went to the failover log.
	degradedWindow    = 100
	degradedThreshold = 0.10
)

// MetricsWriter is the store surface the monitor persists through.
type MetricsWriter interface {
	InsertSessionMetrics(metrics []types.SessionMetric) error
}

// Monitor owns the metrics queue and its writer goroutine.
type Monitor struct {
	store        MetricsWriter
	failoverPath string

	queue     chan types.SessionMetric
	events    chan types.SessionMetric
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// finalWait bounds the shutdown drain; overridable in tests.
	finalWait time.Duration

	mu           sync.Mutex
	window       [degradedWindow]bool // true = row went to failover
	windowIdx    int
	windowFilled int
	dropped      int64
}

// New starts a monitor writing to the given store, with failover rows
// appended to failoverPath.
func New(store MetricsWriter, failoverPath string) *Monitor {
	m := &Monitor{
		store:        store,
		failoverPath: failoverPath,
		queue:        make(chan types.SessionMetric, queueCapacity),
		events:       make(chan types.SessionMetric, queueCapacity),
		done:         make(chan struct{}),
		finalWait:    finalFlush,
	}
	m.wg.Add(1)
	go m.writerLoop()
	return m
}

// Events exposes finalized metrics for downstream consumers. The channel is
// never closed while the monitor is open; sends are non-blocking, so a slow
// consumer loses events rather than stalling the writer.
func (m *Monitor) Events() <-chan types.SessionMetric {
	return m.events
}

// Degraded reports whether the failover share of recent rows crossed the
// threshold.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.windowFilled == 0 {
		return false
	}
	failed := 0
	for i := 0; i < m.windowFilled; i++ {
		if m.window[i] {
			failed++
		}
	}
	return float64(failed)/float64(m.windowFilled) > degradedThreshold
}

// Dropped returns how many metrics were shed because the queue was full.
func (m *Monitor) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// enqueue hands a finalized metric to the writer without blocking. On a full
// queue the row goes straight to the failover log.
func (m *Monitor) enqueue(metric types.SessionMetric) {
	select {
	case m.queue <- metric:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		logging.MonitorWarn("Metrics queue full, writing row for %s to failover", metric.SourceURL)
		m.writeFailover([]types.SessionMetric{metric})
		m.recordOutcome(true, 1)
	}

	select {
	case m.events <- metric:
	default:
		logging.MonitorDebug("Events channel full, dropping notification event for %s", metric.SourceURL)
	}
}

// Close drains the queue and stops the writer. Pending rows get one final
// flush bounded by finalFlush; anything still unwritten after that lands in
// the failover log. Safe to call more than once.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.done)

		waited := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(m.finalWait + time.Second):
			logging.MonitorWarn("Writer did not stop in time")
		}
		close(m.events)
	})
}

// =============================================================================
// WRITER
// =============================================================================

func (m *Monitor) writerLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]types.SessionMetric, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		m.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case metric := <-m.queue:
			batch = append(batch, metric)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-m.done:
			// Final drain with a hard deadline. Rows the store cannot
			// take in time go to the failover log, never the floor.
			deadline := time.After(m.finalWait)
			for {
				select {
				case <-deadline:
					m.failoverRemainder(batch)
					return
				default:
				}
				select {
				case metric := <-m.queue:
					batch = append(batch, metric)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// failoverRemainder writes the unflushed batch plus anything still queued
// straight to the failover log. Called only when the shutdown deadline has
// passed; store inserts are no longer attempted.
func (m *Monitor) failoverRemainder(batch []types.SessionMetric) {
	for {
		select {
		case metric := <-m.queue:
			batch = append(batch, metric)
		default:
			if len(batch) == 0 {
				return
			}
			logging.MonitorWarn("Shutdown deadline passed with %d rows unwritten, failing over", len(batch))
			m.writeFailover(batch)
			m.recordOutcome(true, len(batch))
			return
		}
	}
}

func (m *Monitor) writeBatch(batch []types.SessionMetric) {
	if err := m.store.InsertSessionMetrics(batch); err != nil {
		logging.MonitorError("Metrics insert failed for %d rows, failing over: %v", len(batch), err)
		m.writeFailover(batch)
		m.recordOutcome(true, len(batch))
		return
	}
	logging.MonitorDebug("Flushed %d metric rows", len(batch))
	m.recordOutcome(false, len(batch))
}

// writeFailover appends rows to the JSONL failover log, one metric per line,
// schema-identical to the realtime table rows.
func (m *Monitor) writeFailover(batch []types.SessionMetric) {
	if m.failoverPath == "" {
		return
	}
	if dir := filepath.Dir(m.failoverPath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}

	f, err := os.OpenFile(m.failoverPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logging.MonitorError("Failover log unavailable, %d rows lost: %v", len(batch), err)
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for i := range batch {
		if err := enc.Encode(&batch[i]); err != nil {
			logging.MonitorError("Failover encode failed for %s: %v", batch[i].SourceURL, err)
		}
	}
}

func (m *Monitor) recordOutcome(failover bool, rows int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < rows; i++ {
		m.window[m.windowIdx] = failover
		m.windowIdx = (m.windowIdx + 1) % degradedWindow
		if m.windowFilled < degradedWindow {
			m.windowFilled++
		}
	}
}
