// Package notify delivers ingestion outcomes to a chat endpoint, either one
// message per session (VERBOSE) or as periodic summaries (BATCH). Delivery
// is strictly fire-and-forget: nothing in this package ever fails the
// pipeline.
package notify

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"kbingest/internal/config"
	"kbingest/internal/logging"
	"kbingest/internal/types"
)

const (
	bufferCapacity = 1000

	// Token bucket: 20 messages burst, refilled at 20 per minute.
	bucketCapacity = 20
	bucketRefill   = 20.0 / 60.0

	// A send waits this long for a token plus delivery before the message
	// is diverted to the failed-sends log.
	sendDeadline = 30 * time.Second
)

// Notifier consumes finalized session metrics and turns them into chat
// messages.
type Notifier struct {
	mode       config.NotifierMode
	transport  Transport
	limiter    *rate.Limiter
	quietStart int
	quietEnd   int
	interval   time.Duration

	// degraded is polled at summary time; nil means never degraded.
	degraded func() bool

	// now is the clock, sendTimeout the per-message budget; both
	// overridable in tests.
	now         func() time.Time
	sendTimeout time.Duration

	mu       sync.Mutex
	buffer   []types.SessionMetric
	overflow int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a notifier. degraded may be nil.
func New(cfg *config.Config, transport Transport, degraded func() bool) *Notifier {
	return &Notifier{
		mode:        cfg.NotifierMode,
		transport:   transport,
		limiter:     rate.NewLimiter(rate.Limit(bucketRefill), bucketCapacity),
		quietStart:  cfg.QuietHoursStart,
		quietEnd:    cfg.QuietHoursEnd,
		interval:    cfg.BatchInterval,
		degraded:    degraded,
		now:         time.Now,
		sendTimeout: sendDeadline,
		stop:        make(chan struct{}),
	}
}

// Start consumes the events channel until it closes or Close is called.
func (n *Notifier) Start(events <-chan types.SessionMetric) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ticker := time.NewTicker(n.interval)
		defer ticker.Stop()

		for {
			select {
			case metric, ok := <-events:
				if !ok {
					n.flushSummary()
					return
				}
				n.observe(metric)
			case <-ticker.C:
				if n.mode == config.NotifyBatch {
					n.flushSummary()
				}
			case <-n.stop:
				n.flushSummary()
				return
			}
		}
	}()
}

// Close stops the consumer after a final summary flush.
func (n *Notifier) Close() {
	close(n.stop)
	n.wg.Wait()
}

// Overflow returns how many sessions were dropped from a full batch buffer
// since the last summary (the counter resets when a summary reports it).
func (n *Notifier) Overflow() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.overflow
}

// observe routes one finalized session according to the mode.
func (n *Notifier) observe(metric types.SessionMetric) {
	if n.mode == config.NotifyVerbose {
		if n.inQuietHours(n.now()) {
			logging.NotifyDebug("Quiet hours, suppressing session message for %s", metric.SourceURL)
			return
		}
		n.send(formatSession(&metric))
		return
	}

	// BATCH: accumulate, oldest out on overflow.
	n.mu.Lock()
	if len(n.buffer) >= bufferCapacity {
		n.buffer = n.buffer[1:]
		n.overflow++
		logging.NotifyWarn("batch_overflow: buffer at capacity, dropped oldest session (total dropped: %d)", n.overflow)
	}
	n.buffer = append(n.buffer, metric)
	n.mu.Unlock()
}

// flushSummary emits one [STATS] message covering the buffered sessions.
// During quiet hours the buffer keeps accumulating and nothing is sent.
func (n *Notifier) flushSummary() {
	if n.mode != config.NotifyBatch {
		return
	}
	if n.inQuietHours(n.now()) {
		logging.NotifyDebug("Quiet hours, summary deferred")
		return
	}

	n.mu.Lock()
	if len(n.buffer) == 0 {
		n.mu.Unlock()
		return
	}
	window := n.buffer
	overflow := n.overflow
	n.buffer = nil
	n.overflow = 0
	n.mu.Unlock()

	text := formatSummary(window, n.interval, n.degraded != nil && n.degraded(), overflow)
	n.send(text)
}

// send blocks on the token bucket up to the send deadline, then hands the
// message to the transport. A message that never gets a token goes to the
// failed-sends log; it is already accounted for in the metric store. Errors
// are logged and swallowed.
func (n *Notifier) send(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
	defer cancel()

	if err := n.limiter.Wait(ctx); err != nil {
		logging.NotifyWarn("No send token before deadline, recording failed send")
		n.transport.RecordFailure(text, fmt.Errorf("rate limited: no token within %s", n.sendTimeout))
		return
	}
	if err := n.transport.Send(ctx, text); err != nil {
		logging.NotifyError("Notification delivery failed: %v", err)
	}
}

// inQuietHours reports whether t falls in the configured window. The start
// hour is inclusive, the end hour exclusive, and the window may wrap
// midnight. Equal start and end disables quiet hours.
func (n *Notifier) inQuietHours(t time.Time) bool {
	if n.quietStart == n.quietEnd {
		return false
	}
	h := t.Hour()
	if n.quietStart < n.quietEnd {
		return h >= n.quietStart && h < n.quietEnd
	}
	return h >= n.quietStart || h < n.quietEnd
}

// =============================================================================
// FORMATTING
// =============================================================================

func statusTag(status types.SessionStatus) string {
	switch status {
	case types.StatusSuccess:
		return "[OK]"
	case types.StatusPartial:
		return "[WARN]"
	default:
		return "[FAIL]"
	}
}

// formatSession renders one VERBOSE per-session message.
func formatSession(m *types.SessionMetric) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", statusTag(m.Status), m.SourceURL)
	fmt.Fprintf(&sb, "Atoms: %d", m.AtomsCreated)
	if m.AtomsFailed > 0 {
		fmt.Fprintf(&sb, " (%d failed)", m.AtomsFailed)
	}
	fmt.Fprintf(&sb, "\nDuration: %.1fs", float64(m.TotalDurationMs)/1000)
	if m.AvgQualityScore > 0 {
		fmt.Fprintf(&sb, "\nQuality: %.0f", m.AvgQualityScore)
	}
	if m.ErrorMessage != "" {
		fmt.Fprintf(&sb, "\nError: %s (%s)", m.ErrorMessage, m.ErrorStage)
	}
	return sb.String()
}

// formatSummary renders the [STATS] block. Field order and layout are fixed;
// downstream tooling parses these lines. Sessions lost to ring-buffer
// overflow are reported so the window's counts stay auditable.
func formatSummary(window []types.SessionMetric, interval time.Duration, degraded bool, overflow int64) string {
	var success, partial, failed, atomsCreated, atomsFailed int
	var totalMs int64
	var qualitySum float64
	var qualityN int
	vendorSources := make(map[string]int)

	for i := range window {
		m := &window[i]
		switch m.Status {
		case types.StatusSuccess:
			success++
		case types.StatusPartial:
			partial++
		default:
			failed++
		}
		atomsCreated += m.AtomsCreated
		atomsFailed += m.AtomsFailed
		totalMs += m.TotalDurationMs
		if m.AvgQualityScore > 0 {
			qualitySum += m.AvgQualityScore
			qualityN++
		}
		if m.Vendor != "" {
			vendorSources[m.Vendor]++
		}
	}

	total := len(window)
	pct := func(n int) int {
		return int(math.Round(float64(n) * 100 / float64(total)))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[STATS] KB Ingestion Summary (Last %d min)\n\n", int(interval.Minutes()))
	fmt.Fprintf(&sb, "Sources: %d processed\n", total)
	fmt.Fprintf(&sb, "[OK] Success: %d (%d%%)\n", success, pct(success))
	fmt.Fprintf(&sb, "[WARN] Partial: %d (%d%%)\n", partial, pct(partial))
	fmt.Fprintf(&sb, "[FAIL] Failed: %d (%d%%)\n\n", failed, pct(failed))
	fmt.Fprintf(&sb, "Atoms: %d created, %d failed\n", atomsCreated, atomsFailed)
	fmt.Fprintf(&sb, "Avg Duration: %d ms\n", totalMs/int64(total))
	if qualityN > 0 {
		fmt.Fprintf(&sb, "Avg Quality: %d%%\n", int(qualitySum/float64(qualityN)))
	} else {
		sb.WriteString("Avg Quality: n/a\n")
	}
	sb.WriteString("\nTop Vendors:")
	for _, line := range topVendors(vendorSources, 3) {
		sb.WriteString("\n  - " + line)
	}
	if len(vendorSources) == 0 {
		sb.WriteString("\n  - none")
	}
	if overflow > 0 {
		fmt.Fprintf(&sb, "\n[WARN] Overflow: %d sessions dropped from buffer", overflow)
	}
	if degraded {
		sb.WriteString("\n[DEGRADED] metrics failover active")
	}
	return sb.String()
}

// topVendors returns the k biggest vendors by source count, formatted.
func topVendors(vendorSources map[string]int, k int) []string {
	type entry struct {
		vendor  string
		sources int
	}
	entries := make([]entry, 0, len(vendorSources))
	for v, n := range vendorSources {
		entries = append(entries, entry{v, n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].sources != entries[j].sources {
			return entries[i].sources > entries[j].sources
		}
		return entries[i].vendor < entries[j].vendor
	})
	if len(entries) > k {
		entries = entries[:k]
	}

	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("%s (%d sources)", e.vendor, e.sources)
	}
	return lines
}
