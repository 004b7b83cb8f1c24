// Package worker hosts the long-lived ingestion loop and the seed scheduler.
// One worker process owns one queue consumer; parallelism across sources
// comes from running more worker processes against the same queue.
package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"kbingest/internal/logging"
	"kbingest/internal/pipeline"
	"kbingest/internal/queue"
	"kbingest/internal/types"
)

// Popper is the queue surface the worker consumes from.
type Popper interface {
	Pop(ctx context.Context) (string, error)
}

// SessionRunner executes one full ingestion session.
type SessionRunner interface {
	Run(ctx context.Context, source types.Source) pipeline.Outcome
}

// SourceLookup resolves a popped URL back to its claimed source metadata.
type SourceLookup interface {
	Get(urlHash string) (*types.FingerprintRecord, error)
}

// Worker pops URLs and runs sessions until its context is cancelled.
type Worker struct {
	queue  Popper
	runner SessionRunner
	lookup SourceLookup
}

// New builds a Worker.
func New(q Popper, runner SessionRunner, lookup SourceLookup) *Worker {
	return &Worker{queue: q, runner: runner, lookup: lookup}
}

// Run is the main loop. A pop timeout is liveness, not an error. On context
// cancellation the loop stops popping; an in-flight session always drains to
// its natural end because sessions run on an uncancellable context.
func (w *Worker) Run(ctx context.Context) {
	logging.Worker("Worker loop started")

	for {
		select {
		case <-ctx.Done():
			logging.Worker("Shutdown signal received, worker loop stopping")
			return
		default:
		}

		url, err := w.queue.Pop(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				logging.Worker("Shutdown signal received, worker loop stopping")
				return
			}
			logging.WorkerError("Queue pop failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		source := w.resolveSource(url)
		logging.Worker("Processing %s (type=%s)", source.URL, source.SourceType)

		// Shutdown drains the in-flight session rather than aborting it;
		// the fetch timeout bounds how long that can take.
		outcome := w.runner.Run(context.WithoutCancel(ctx), source)
		logging.Worker("Finished %s: status=%s atoms=%d", source.URL, outcome.Status, outcome.AtomsCreated)
	}
}

// resolveSource restores the source metadata recorded at claim time, falling
// back to URL classification when the fingerprint is unavailable.
func (w *Worker) resolveSource(url string) types.Source {
	if w.lookup != nil {
		if rec, err := w.lookup.Get(types.URLHash(url)); err == nil && rec != nil {
			return types.Source{URL: url, SourceType: rec.SourceType, VendorHint: rec.VendorHint}
		}
	}
	return types.Source{URL: url, SourceType: ClassifyURL(url)}
}

// ClassifyURL guesses a source type from the URL shape alone. The extractor
// re-sniffs against the actual bytes, so this only has to be a decent prior.
func ClassifyURL(url string) types.SourceType {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return types.SourcePDF
	case strings.Contains(lower, "forum") || strings.Contains(lower, "/thread"):
		return types.SourceForum
	case strings.HasSuffix(lower, ".txt"):
		return types.SourceText
	default:
		return types.SourceHTML
	}
}
