package monitor

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"kbingest/internal/logging"
	"kbingest/internal/types"
)

// SessionHandle accumulates the metric for one ingestion session. All methods
// are in-memory mutations; nothing touches storage until Finish hands the
// finalized row to the monitor queue.
type SessionHandle struct {
	m         *Monitor
	sessionID string

	mu       sync.Mutex
	metric   types.SessionMetric
	finished bool
}

// OpenSession starts metric accumulation for one source. Each attempt gets a
// fresh session ID; the URL hash alone cannot distinguish re-ingestions.
func (m *Monitor) OpenSession(source types.Source) *SessionHandle {
	return &SessionHandle{
		m:         m,
		sessionID: uuid.NewString(),
		metric: types.SessionMetric{
			SourceURL:  source.URL,
			SourceHash: types.URLHash(source.URL),
			SourceType: source.SourceType,
			StartedAt:  time.Now().UTC(),
		},
	}
}

// SessionID returns the attempt's correlation ID.
func (h *SessionHandle) SessionID() string {
	return h.sessionID
}

// stageIndex maps a stage name to its slot in StageMs, or -1.
func stageIndex(name string) int {
	for i, n := range types.StageNames {
		if n == name {
			return i
		}
	}
	return -1
}

// RecordStage stores one stage duration. A failed stage sets the error stage;
// recognized metadata keys enrich the session row.
func (h *SessionHandle) RecordStage(name string, duration time.Duration, ok bool, metadata map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := stageIndex(name)
	if idx < 0 {
		logging.MonitorWarn("Unknown stage name %q ignored", name)
		return
	}
	h.metric.StageMs[idx] = duration.Milliseconds()

	if !ok {
		h.metric.ErrorStage = name
		if msg, found := metadata["error"]; found {
			h.metric.ErrorMessage = msg
		}
	}

	for key, value := range metadata {
		switch key {
		case "vendor":
			h.metric.Vendor = value
		case "equipment_type":
			h.metric.EquipmentType = value
		case "chunks_processed":
			if n, err := strconv.Atoi(value); err == nil {
				h.metric.ChunksProcessed = n
			}
		case "avg_quality_score":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				h.metric.AvgQualityScore = f
			}
		case "quality_pass_rate":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				h.metric.QualityPassRate = f
			}
		}
	}
}

// Finish finalizes the session row and enqueues it. Idempotent: only the
// first call emits a metric.
func (h *SessionHandle) Finish(atomsCreated, atomsFailed int, status types.SessionStatus, errMsg string) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true

	h.metric.AtomsCreated = atomsCreated
	h.metric.AtomsFailed = atomsFailed
	h.metric.Status = status
	if errMsg != "" {
		h.metric.ErrorMessage = errMsg
	}
	h.metric.CompletedAt = time.Now().UTC()
	h.metric.TotalDurationMs = h.metric.SumStageMs()
	metric := h.metric
	h.mu.Unlock()

	logging.Monitor("Session %s finished: status=%s atoms=%d failed=%d total=%dms",
		metric.SourceHash, metric.Status, metric.AtomsCreated, metric.AtomsFailed, metric.TotalDurationMs)
	h.m.enqueue(metric)
}
