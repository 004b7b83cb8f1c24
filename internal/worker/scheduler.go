package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	"kbingest/internal/fingerprint"
	"kbingest/internal/logging"
	"kbingest/internal/types"
)

// Pusher is the queue surface the scheduler enqueues into.
type Pusher interface {
	Push(ctx context.Context, url string) error
}

// Claimer is the fingerprint surface guarding against duplicate enqueues.
type Claimer interface {
	TryClaim(source types.Source) fingerprint.ClaimResult
}

// Scheduler periodically reloads the seed list and enqueues any URL not yet
// claimed. Re-runs are idempotent: the claim gate keeps duplicates out of
// the queue.
type Scheduler struct {
	queue    Pusher
	claims   Claimer
	seedPath string
	cadence  time.Duration

	cron gocron.Scheduler
}

// NewScheduler builds the seed scheduler.
func NewScheduler(q Pusher, claims Claimer, seedPath string, cadence time.Duration) *Scheduler {
	return &Scheduler{queue: q, claims: claims, seedPath: seedPath, cadence: cadence}
}

// Start registers the cadence job and fires one immediate pass.
func (s *Scheduler) Start(ctx context.Context) error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.cron = cron

	_, err = cron.NewJob(
		gocron.DurationJob(s.cadence),
		gocron.NewTask(func() {
			if err := s.RunOnce(ctx); err != nil {
				logging.SchedulerError("Seed pass failed: %v", err)
			}
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to register seed job: %w", err)
	}

	cron.Start()
	logging.Scheduler("Seed scheduler started: cadence=%s list=%s", s.cadence, s.seedPath)
	return nil
}

// Stop shuts the cadence job down.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		if err := s.cron.Shutdown(); err != nil {
			logging.SchedulerWarn("Scheduler shutdown: %v", err)
		}
	}
}

// RunOnce performs one seed pass: parse, claim, enqueue.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	f, err := os.Open(s.seedPath)
	if err != nil {
		return fmt.Errorf("failed to open seed list: %w", err)
	}
	defer f.Close()

	sources, err := ParseSeeds(f)
	if err != nil {
		return err
	}

	enqueued := 0
	for _, src := range sources {
		res := s.claims.TryClaim(src)
		if !res.Claimed {
			logging.SchedulerDebug("Skipping %s: already %s", src.URL, res.ExistingStatus)
			continue
		}
		if err := s.queue.Push(ctx, src.URL); err != nil {
			logging.SchedulerError("Failed to enqueue %s: %v", src.URL, err)
			continue
		}
		enqueued++
	}

	logging.Scheduler("Seed pass complete: %d seeds, %d newly enqueued", len(sources), enqueued)
	return nil
}

// ParseSeeds reads the seed-list format: one URL per line, blank lines and
// #-comments ignored, optional second column naming the vendor.
func ParseSeeds(r io.Reader) ([]types.Source, error) {
	var sources []types.Source

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		src := types.Source{
			URL:        fields[0],
			SourceType: ClassifyURL(fields[0]),
		}
		if len(fields) > 1 {
			src.VendorHint = strings.ToLower(fields[1])
		}
		sources = append(sources, src)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seed list: %w", err)
	}
	return sources, nil
}
