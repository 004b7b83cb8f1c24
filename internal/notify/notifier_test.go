package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbingest/internal/config"
	"kbingest/internal/types"
)

// fakeTransport records sent messages and recorded failures.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []string
	failed []string
}

func (f *fakeTransport) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) RecordFailure(text string, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, text)
}

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) failures() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.failed...)
}

func metricFor(url, vendor string, status types.SessionStatus, atoms int) types.SessionMetric {
	return types.SessionMetric{
		SourceURL:       url,
		SourceType:      types.SourcePDF,
		Status:          status,
		AtomsCreated:    atoms,
		AvgQualityScore: 75,
		TotalDurationMs: 4200,
		Vendor:          vendor,
	}
}

func newTestNotifier(mode config.NotifierMode, tr Transport) *Notifier {
	cfg := config.Default()
	cfg.NotifierMode = mode
	n := New(cfg, tr, nil)
	// Daytime clock, outside the default 23:00-07:00 quiet window.
	n.now = func() time.Time {
		return time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	}
	return n
}

func TestVerboseSendsPerSession(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(config.NotifyVerbose, tr)

	n.observe(metricFor("https://example.com/a.pdf", "abb", types.StatusSuccess, 5))
	n.observe(metricFor("https://example.com/b.pdf", "abb", types.StatusFailed, 0))

	msgs := tr.messages()
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasPrefix(msgs[0], "[OK] https://example.com/a.pdf"))
	assert.True(t, strings.HasPrefix(msgs[1], "[FAIL] https://example.com/b.pdf"))
}

func TestVerboseSuppressedDuringQuietHours(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(config.NotifyVerbose, tr)
	n.now = func() time.Time {
		return time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	}

	n.observe(metricFor("https://example.com/a.pdf", "abb", types.StatusSuccess, 5))
	assert.Empty(t, tr.messages())
}

func TestBatchSummaryFieldOrder(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(config.NotifyBatch, tr)

	n.observe(metricFor("https://example.com/a.pdf", "abb", types.StatusSuccess, 20))
	n.observe(metricFor("https://example.com/b.pdf", "siemens", types.StatusSuccess, 15))
	n.observe(metricFor("https://example.com/c.pdf", "fanuc", types.StatusPartial, 10))
	n.observe(metricFor("https://example.com/d.pdf", "", types.StatusFailed, 0))
	n.flushSummary()

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	lines := strings.Split(msgs[0], "\n")

	assert.Equal(t, "[STATS] KB Ingestion Summary (Last 5 min)", lines[0])
	assert.Equal(t, "", lines[1])
	assert.Equal(t, "Sources: 4 processed", lines[2])
	assert.Equal(t, "[OK] Success: 2 (50%)", lines[3])
	assert.Equal(t, "[WARN] Partial: 1 (25%)", lines[4])
	assert.Equal(t, "[FAIL] Failed: 1 (25%)", lines[5])
	assert.Equal(t, "", lines[6])
	assert.Equal(t, "Atoms: 45 created, 0 failed", lines[7])
	assert.Equal(t, "Avg Duration: 4200 ms", lines[8])
	assert.Equal(t, "Avg Quality: 75%", lines[9])
	assert.Equal(t, "", lines[10])
	assert.Equal(t, "Top Vendors:", lines[11])
	assert.Equal(t, "  - abb (1 sources)", lines[12])
	assert.Equal(t, "  - fanuc (1 sources)", lines[13])
	assert.Equal(t, "  - siemens (1 sources)", lines[14])
}

func TestBatchSummaryIncludesEverySession(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(config.NotifyBatch, tr)

	for i := 0; i < 37; i++ {
		n.observe(metricFor("https://example.com/a.pdf", "abb", types.StatusSuccess, 1))
	}
	n.flushSummary()

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Sources: 37")
	assert.Contains(t, msgs[0], "Atoms: 37")
}

func TestBatchQuietHoursDefersAndAccumulates(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(config.NotifyBatch, tr)

	quiet := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := quiet
	n.now = func() time.Time { return now }

	n.observe(metricFor("https://example.com/a.pdf", "abb", types.StatusSuccess, 3))
	n.flushSummary()
	assert.Empty(t, tr.messages())

	n.observe(metricFor("https://example.com/b.pdf", "abb", types.StatusSuccess, 2))
	now = day
	n.flushSummary()

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Sources: 2")
	assert.Contains(t, msgs[0], "Atoms: 5")
}

func TestBatchBufferOverflowDropsOldest(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(config.NotifyBatch, tr)

	for i := 0; i < bufferCapacity+5; i++ {
		n.observe(metricFor("https://example.com/a.pdf", "abb", types.StatusSuccess, 1))
	}
	assert.Equal(t, int64(5), n.Overflow())

	n.flushSummary()
	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Sources: 1000")

	// Dropped sessions are reported in the summary, and reporting resets
	// the counter for the next window.
	assert.Contains(t, msgs[0], "[WARN] Overflow: 5 sessions dropped from buffer")
	assert.Zero(t, n.Overflow())
}

func TestRateLimitRecordsExcessAsFailedSends(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(config.NotifyVerbose, tr)
	// Refill takes 3s per token; a short deadline makes the wait fail
	// immediately once the burst is spent.
	n.sendTimeout = time.Millisecond

	for i := 0; i < bucketCapacity+10; i++ {
		n.observe(metricFor("https://example.com/a.pdf", "abb", types.StatusSuccess, 1))
	}
	assert.Len(t, tr.messages(), bucketCapacity)
	assert.Len(t, tr.failures(), 10)
}

func TestSendWaitsForToken(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(config.NotifyVerbose, tr)
	// Drain the burst, then allow one refill within the deadline.
	n.limiter.AllowN(time.Now(), bucketCapacity)
	n.sendTimeout = 5 * time.Second

	start := time.Now()
	n.send("[OK] queued behind the bucket")
	assert.Len(t, tr.messages(), 1)
	assert.Empty(t, tr.failures())
	assert.Greater(t, time.Since(start), time.Second)
}

func TestDegradedSuffix(t *testing.T) {
	tr := &fakeTransport{}
	cfg := config.Default()
	cfg.NotifierMode = config.NotifyBatch
	n := New(cfg, tr, func() bool { return true })
	n.now = func() time.Time {
		return time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	}

	n.observe(metricFor("https://example.com/a.pdf", "abb", types.StatusSuccess, 1))
	n.flushSummary()

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasSuffix(msgs[0], "[DEGRADED] metrics failover active"))
}

func TestInQuietHoursWrapAroundWindow(t *testing.T) {
	n := newTestNotifier(config.NotifyBatch, &fakeTransport{})

	at := func(h int) time.Time { return time.Date(2026, 3, 10, h, 0, 0, 0, time.UTC) }
	assert.True(t, n.inQuietHours(at(23)))
	assert.True(t, n.inQuietHours(at(0)))
	assert.True(t, n.inQuietHours(at(6)))
	assert.False(t, n.inQuietHours(at(7)))
	assert.False(t, n.inQuietHours(at(14)))
	assert.False(t, n.inQuietHours(at(22)))
}

func TestStartConsumesEventsUntilClose(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(config.NotifyBatch, tr)

	events := make(chan types.SessionMetric, 4)
	n.Start(events)
	events <- metricFor("https://example.com/a.pdf", "abb", types.StatusSuccess, 2)
	events <- metricFor("https://example.com/b.pdf", "abb", types.StatusSuccess, 3)

	// Close triggers a final flush of whatever was buffered.
	time.Sleep(50 * time.Millisecond)
	n.Close()

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Atoms: 5")
}

// =============================================================================
// TRANSPORT
// =============================================================================

func TestChatTransportSendsJSON(t *testing.T) {
	var got chatMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewChatTransport(srv.URL, "ops-channel", "")
	require.NoError(t, tr.Send(context.Background(), "[OK] hello"))
	assert.Equal(t, "ops-channel", got.ChatID)
	assert.Equal(t, "[OK] hello", got.Text)
}

func TestChatTransportRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewChatTransport(srv.URL, "ops", "")
	tr.backoffBase = time.Millisecond

	require.NoError(t, tr.Send(context.Background(), "text"))
	assert.Equal(t, 3, attempts)
}

func TestChatTransportHonorsRetryAfter(t *testing.T) {
	attempts := 0
	var gap time.Duration
	var last time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			last = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		gap = time.Since(last)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewChatTransport(srv.URL, "ops", "")
	tr.backoffBase = time.Millisecond

	require.NoError(t, tr.Send(context.Background(), "text"))
	assert.GreaterOrEqual(t, gap, 900*time.Millisecond)
}

func TestChatTransportRecordsPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	failedPath := filepath.Join(t.TempDir(), "failed_sends.jsonl")
	tr := NewChatTransport(srv.URL, "ops", failedPath)
	tr.backoffBase = time.Millisecond

	err := tr.Send(context.Background(), "undeliverable")
	require.Error(t, err)

	f, err := os.Open(failedPath)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var rec failedSend
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	assert.Equal(t, "undeliverable", rec.Text)
	assert.Contains(t, rec.Error, "500")
}
