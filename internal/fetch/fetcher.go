// Package fetch acquires raw source bytes over HTTP. A HEAD probe runs first
// to detect whether the URL resolves directly or through redirects; the body
// is then fetched with a GET against the resolved URL. The whole operation
// shares one wall-clock budget and a byte cap.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"kbingest/internal/config"
	"kbingest/internal/logging"
)

// maxRedirects bounds any redirect chain.
const maxRedirects = 5

// Failure kinds. HTTPError carries the upstream status; the sentinels cover
// the transport-level outcomes.
var (
	ErrTimeout     = errors.New("FetchTimeout")
	ErrUnreachable = errors.New("FetchUnreachable")
	ErrOversized   = errors.New("FetchOversized")
)

// HTTPError is a non-200 response from the source host.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("FetchHTTP%d", e.Status)
}

// Result is the outcome of one successful fetch.
type Result struct {
	Body        []byte
	ContentType string
	FinalURL    string
	Redirected  bool
	SizeBytes   int64
}

// Fetcher performs polite, budget-bounded URL acquisition.
type Fetcher struct {
	transport  http.RoundTripper
	userAgent  string
	timeout    time.Duration
	maxSize    int64
	crawlDelay time.Duration

	mu        sync.Mutex
	lastFetch time.Time
}

// New builds a Fetcher from configuration.
func New(cfg *config.Config) *Fetcher {
	return &Fetcher{
		transport:  http.DefaultTransport,
		userAgent:  cfg.UserAgent,
		timeout:    cfg.FetchTimeout,
		maxSize:    cfg.MaxFetchSize,
		crawlDelay: cfg.CrawlDelay,
	}
}

// Fetch retrieves the URL within the configured wall budget. No retries:
// queue replay is the retry mechanism.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	f.politeWait(ctx)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	timer := logging.StartTimer(logging.CategoryFetch, fmt.Sprintf("fetch %s", url))
	defer timer.StopWithThreshold(30 * time.Second)

	// HEAD probe: follow redirects, count the hops. A failed probe is not
	// fatal; the GET below detects redirects on its own.
	finalURL, redirected, err := f.probe(ctx, url)
	if err != nil {
		logging.FetchDebug("HEAD probe failed for %s: %v (falling back to GET)", url, err)
		finalURL = url
	}

	redirects := 0
	client := &http.Client{
		Transport: f.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirects++
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{Status: resp.StatusCode}
	}

	if resp.ContentLength > f.maxSize {
		return nil, fmt.Errorf("%w: content-length %d exceeds cap %d", ErrOversized, resp.ContentLength, f.maxSize)
	}

	// Read one byte past the cap to tell "exactly at cap" from "over it".
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if int64(len(body)) > f.maxSize {
		return nil, fmt.Errorf("%w: body exceeds cap %d", ErrOversized, f.maxSize)
	}

	res := &Result{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
		Redirected:  redirected || redirects > 0,
		SizeBytes:   int64(len(body)),
	}
	logging.Fetch("fetched %s: %d bytes, type=%s, redirected=%v",
		url, res.SizeBytes, res.ContentType, res.Redirected)
	return res, nil
}

// probe issues the HEAD request and reports the resolved URL plus whether
// any 3xx hop occurred before the final response.
func (f *Fetcher) probe(ctx context.Context, url string) (string, bool, error) {
	redirects := 0
	client := &http.Client{
		Transport: f.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirects++
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("HEAD status %d", resp.StatusCode)
	}
	return resp.Request.URL.String(), redirects > 0, nil
}

// politeWait enforces the configured crawl delay between consecutive fetches.
func (f *Fetcher) politeWait(ctx context.Context) {
	if f.crawlDelay <= 0 {
		return
	}
	f.mu.Lock()
	wait := f.crawlDelay - time.Since(f.lastFetch)
	f.lastFetch = time.Now().Add(wait)
	f.mu.Unlock()

	if wait <= 0 {
		return
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
