package worker

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbingest/internal/fingerprint"
	"kbingest/internal/pipeline"
	"kbingest/internal/queue"
	"kbingest/internal/types"
)

// fakeQueue feeds a fixed set of URLs, then reports empty.
type fakeQueue struct {
	mu     sync.Mutex
	urls   []string
	pushed []string
}

func (q *fakeQueue) Pop(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.urls) == 0 {
		return "", queue.ErrEmpty
	}
	url := q.urls[0]
	q.urls = q.urls[1:]
	return url, nil
}

func (q *fakeQueue) Push(ctx context.Context, url string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushed = append(q.pushed, url)
	return nil
}

type fakeRunner struct {
	mu      sync.Mutex
	sources []types.Source
	done    chan struct{}
	want    int
}

func (r *fakeRunner) Run(ctx context.Context, source types.Source) pipeline.Outcome {
	r.mu.Lock()
	r.sources = append(r.sources, source)
	if len(r.sources) == r.want && r.done != nil {
		close(r.done)
	}
	r.mu.Unlock()
	return pipeline.Outcome{Status: types.StatusSuccess, AtomsCreated: 1}
}

type fakeLookup struct {
	records map[string]*types.FingerprintRecord
}

func (l *fakeLookup) Get(urlHash string) (*types.FingerprintRecord, error) {
	return l.records[urlHash], nil
}

func TestWorkerProcessesQueuedURLs(t *testing.T) {
	q := &fakeQueue{urls: []string{"https://example.com/a.pdf", "https://example.com/b.html"}}
	runner := &fakeRunner{done: make(chan struct{}), want: 2}
	w := New(q, runner, &fakeLookup{})

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not process queued URLs")
	}
	cancel()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.sources, 2)
	assert.Equal(t, types.SourcePDF, runner.sources[0].SourceType)
	assert.Equal(t, types.SourceHTML, runner.sources[1].SourceType)
}

func TestWorkerUsesFingerprintMetadata(t *testing.T) {
	url := "https://example.com/manual"
	q := &fakeQueue{urls: []string{url}}
	runner := &fakeRunner{done: make(chan struct{}), want: 1}
	lookup := &fakeLookup{records: map[string]*types.FingerprintRecord{
		types.URLHash(url): {URL: url, SourceType: types.SourcePDF, VendorHint: "fanuc"},
	}}
	w := New(q, runner, lookup)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	<-runner.done
	cancel()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, types.SourcePDF, runner.sources[0].SourceType)
	assert.Equal(t, "fanuc", runner.sources[0].VendorHint)
}

func TestWorkerStopsOnCancel(t *testing.T) {
	q := &fakeQueue{}
	w := New(q, &fakeRunner{}, &fakeLookup{})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestClassifyURL(t *testing.T) {
	assert.Equal(t, types.SourcePDF, ClassifyURL("https://example.com/Manual.PDF"))
	assert.Equal(t, types.SourceForum, ClassifyURL("https://forum.example.com/thread/123"))
	assert.Equal(t, types.SourceText, ClassifyURL("https://example.com/readme.txt"))
	assert.Equal(t, types.SourceHTML, ClassifyURL("https://example.com/docs"))
}

// =============================================================================
// SCHEDULER
// =============================================================================

type fakeClaimer struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func (c *fakeClaimer) TryClaim(source types.Source) fingerprint.ClaimResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed == nil {
		c.claimed = make(map[string]bool)
	}
	if c.claimed[source.URL] {
		return fingerprint.ClaimResult{Claimed: false, ExistingStatus: types.FingerprintQueued}
	}
	c.claimed[source.URL] = true
	return fingerprint.ClaimResult{Claimed: true, URLHash: types.URLHash(source.URL)}
}

func TestParseSeeds(t *testing.T) {
	input := `# vendor manuals
https://example.com/acs880.pdf abb

https://example.com/g120-manual.pdf Siemens
https://forum.example.com/thread/42
`
	sources, err := ParseSeeds(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, sources, 3)

	assert.Equal(t, "https://example.com/acs880.pdf", sources[0].URL)
	assert.Equal(t, "abb", sources[0].VendorHint)
	assert.Equal(t, types.SourcePDF, sources[0].SourceType)

	// Vendor column is normalized to lowercase.
	assert.Equal(t, "siemens", sources[1].VendorHint)

	assert.Equal(t, types.SourceForum, sources[2].SourceType)
	assert.Empty(t, sources[2].VendorHint)
}

func TestSchedulerClaimsBeforeEnqueue(t *testing.T) {
	dir := t.TempDir()
	seedPath := dir + "/seeds.txt"
	seeds := "https://example.com/a.pdf abb\nhttps://example.com/b.pdf abb\n"
	require.NoError(t, writeFile(seedPath, seeds))

	q := &fakeQueue{}
	claims := &fakeClaimer{}
	s := NewScheduler(q, claims, seedPath, time.Hour)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []string{"https://example.com/a.pdf", "https://example.com/b.pdf"}, q.pushed)

	// Second pass enqueues nothing: every URL is already claimed.
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Len(t, q.pushed, 2)
}

func TestSchedulerMissingSeedList(t *testing.T) {
	s := NewScheduler(&fakeQueue{}, &fakeClaimer{}, "/nonexistent/seeds.txt", time.Hour)
	assert.Error(t, s.RunOnce(context.Background()))
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
