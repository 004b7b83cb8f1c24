package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kbingest/internal/config"
	"kbingest/internal/embedding"
	"kbingest/internal/fetch"
	"kbingest/internal/fingerprint"
	"kbingest/internal/generate"
	"kbingest/internal/logging"
	"kbingest/internal/monitor"
	"kbingest/internal/notify"
	"kbingest/internal/pipeline"
	"kbingest/internal/queue"
	"kbingest/internal/store"
	"kbingest/internal/worker"
)

const (
	exitOK           = 0
	exitConfigError  = 1
	exitStorageError = 2
)

var (
	verbose bool

	logger *zap.Logger
)

// exitError carries a process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error  { return &exitError{code: exitConfigError, err: err} }
func storageErr(err error) error { return &exitError{code: exitStorageError, err: err} }

var rootCmd = &cobra.Command{
	Use:   "kbworker",
	Short: "Knowledge-base ingestion worker",
	Long: `kbworker consumes URLs from a Redis queue and runs each one through the
ingestion pipeline: fetch, extract, chunk, generate, validate, embed, store.

Atoms land in a local SQLite database with vector search; per-session
metrics are recorded alongside them. Multiple workers may share one queue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(); err != nil {
			logger.Warn("File logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion worker loop",
	Long: `Starts the worker loop and the seed scheduler, then blocks until
SIGTERM or SIGINT. Shutdown drains the in-flight session, flushes
pending metrics, and exits 0.`,
	RunE: runWorker,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth, fingerprint counts, and recent sessions",
	RunE:  showStatus,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run one seed pass: claim unseen seed URLs and enqueue them",
	RunE:  runSchedule,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitConfigError)
	}
	os.Exit(exitOK)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return configErr(fmt.Errorf("configuration: %w", err))
	}

	db, err := store.NewLocalStore(cfg.DBPath, cfg.EmbedDim)
	if err != nil {
		return storageErr(fmt.Errorf("failed to open store at %s: %w", cfg.DBPath, err))
	}
	defer db.Close()

	claims := fingerprint.New(db.GetDB())

	q := queue.New(cfg)
	defer q.Close()
	if err := q.Ping(cmd.Context()); err != nil {
		logger.Warn("Queue unreachable at startup, worker will keep retrying",
			zap.String("addr", cfg.QueueAddr), zap.Error(err))
	}

	embedder, err := embedding.NewEngine(cfg)
	if err != nil {
		return configErr(fmt.Errorf("embedding engine: %w", err))
	}

	llm := generate.NewGeminiClient(cfg.GenAIAPIKey, cfg.GenAIModel)
	generator := generate.New(llm, cfg)
	fetcher := fetch.New(cfg)

	mon := monitor.New(db, cfg.FailoverLogPath)

	transport := notify.NewChatTransport(cfg.ChatEndpoint, cfg.ChatID, "failed_sends.jsonl")
	notifier := notify.New(cfg, transport, mon.Degraded)
	notifier.Start(mon.Events())

	coord := pipeline.New(fetcher, generator, embedder, db, claims, mon)

	sched := worker.NewScheduler(q, claims, cfg.SeedListPath, cfg.SchedulerCadence)
	w := worker.New(q, coord, claims)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		logger.Warn("Seed scheduler disabled", zap.Error(err))
	}

	logger.Info("Worker started",
		zap.String("queue", cfg.QueueAddr),
		zap.String("db", cfg.DBPath),
		zap.String("embed_provider", cfg.EmbedProvider))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining")

	// The in-flight session finishes on an uncancellable context; wait for
	// the loop to exit before flushing metrics so its final row is queued.
	wg.Wait()
	sched.Stop()
	mon.Close()
	notifier.Close()

	logger.Info("Worker stopped")
	return nil
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return configErr(fmt.Errorf("configuration: %w", err))
	}

	db, err := store.NewLocalStore(cfg.DBPath, cfg.EmbedDim)
	if err != nil {
		return storageErr(fmt.Errorf("failed to open store at %s: %w", cfg.DBPath, err))
	}
	defer db.Close()

	q := queue.New(cfg)
	defer q.Close()

	claims := fingerprint.New(db.GetDB())
	sched := worker.NewScheduler(q, claims, cfg.SeedListPath, cfg.SchedulerCadence)
	if err := sched.RunOnce(cmd.Context()); err != nil {
		return fmt.Errorf("seed pass: %w", err)
	}
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return configErr(fmt.Errorf("configuration: %w", err))
	}

	db, err := store.NewLocalStore(cfg.DBPath, cfg.EmbedDim)
	if err != nil {
		return storageErr(fmt.Errorf("failed to open store at %s: %w", cfg.DBPath, err))
	}
	defer db.Close()

	fmt.Printf("Knowledge-Base Ingestion Status\n")
	fmt.Printf("===============================\n\n")

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	q := queue.New(cfg)
	defer q.Close()
	if depth, err := q.Depth(ctx); err != nil {
		fmt.Printf("Queue:        unreachable (%v)\n", err)
	} else {
		fmt.Printf("Queue:        %d pending at %s/%s\n", depth, cfg.QueueAddr, cfg.QueueKey)
	}

	claims := fingerprint.New(db.GetDB())
	if counts, err := claims.CountByStatus(); err == nil && len(counts) > 0 {
		fmt.Printf("Fingerprints: queued=%d running=%d completed=%d failed=%d\n",
			counts["queued"], counts["running"], counts["completed"], counts["failed"])
	}

	if atoms, err := db.CountAtoms(); err == nil {
		fmt.Printf("Atoms:        %d stored\n", atoms)
	}

	if counts, err := db.CountSessionMetrics(); err == nil && len(counts) > 0 {
		fmt.Printf("Sessions:     success=%d partial=%d failed=%d\n",
			counts["success"], counts["partial"], counts["failed"])
	}

	recent, err := db.RecentSessionMetrics(10)
	if err != nil || len(recent) == 0 {
		return nil
	}
	fmt.Printf("\nRecent sessions:\n")
	for _, m := range recent {
		fmt.Printf("  [%s] %-7s %s  atoms=%d/%d  %dms\n",
			m.CompletedAt.Format("2006-01-02 15:04"), m.Status, m.SourceURL,
			m.AtomsCreated, m.AtomsCreated+m.AtomsFailed, m.TotalDurationMs)
	}
	return nil
}
