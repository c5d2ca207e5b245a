// Command worker runs job handlers against the Redis job queue.
//
// Exit codes:
//
//	0  clean shutdown, i.e. --exit-when-idle found nothing left to run
//	1  startup failure, e.g. the database or Redis is unreachable
//	2  shutdown initiated by SIGINT/SIGTERM, whether or not the drain finished
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalith-99/retailcore/internal/cache"
	"github.com/lalith-99/retailcore/internal/catalog"
	"github.com/lalith-99/retailcore/internal/config"
	"github.com/lalith-99/retailcore/internal/db"
	"github.com/lalith-99/retailcore/internal/jobs"
	"github.com/lalith-99/retailcore/internal/observ"
	"github.com/lalith-99/retailcore/internal/repository/postgres"
	"github.com/lalith-99/retailcore/internal/tasks"
)

const (
	exitOK          = 0
	exitStartup     = 1
	exitInterrupted = 2
)

// exitError carries the process exit code out of RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var errSignalled = errors.New("stopped by signal")

type options struct {
	queue        string
	concurrency  int
	drainTimeout time.Duration
	exitWhenIdle bool
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitStartup
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Run background jobs from the retailcore queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.queue, "queue", jobs.DefaultQueue, "Queue to consume")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Concurrent handlers (default WORKER_CONCURRENCY)")
	cmd.Flags().DurationVar(&opts.drainTimeout, "drain-timeout", 0, "How long to wait for in-flight jobs on shutdown (default WORKER_DRAIN_TIMEOUT_SECONDS)")
	cmd.Flags().BoolVar(&opts.exitWhenIdle, "exit-when-idle", false, "Exit once the queue has nothing ready")
	return cmd
}

func run(cmd *cobra.Command, opts options) (err error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return &exitError{code: exitStartup, err: fmt.Errorf("load config: %w", err)}
	}
	if !cmd.Flags().Changed("concurrency") {
		opts.concurrency = cfg.WorkerConcurrency
	}
	if !cmd.Flags().Changed("drain-timeout") {
		opts.drainTimeout = cfg.DrainTimeout
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "retailcore-worker")
	if err != nil {
		return &exitError{code: exitStartup, err: fmt.Errorf("create logger: %w", err)}
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelConnect()

	database, err := db.New(connectCtx, cfg.DatabaseURL, logger)
	if err != nil {
		return &exitError{code: exitStartup, err: fmt.Errorf("connect to database: %w", err)}
	}
	defer database.Close()

	rdb, err := db.NewRedis(connectCtx, cfg.RedisURL, logger)
	if err != nil {
		return &exitError{code: exitStartup, err: fmt.Errorf("connect to redis: %w", err)}
	}
	defer func() {
		if cerr := rdb.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close redis: %w", cerr))
		}
	}()

	queue := jobs.NewQueue(rdb, logger,
		jobs.WithVisibility(cfg.JobVisibilityTimeout),
		jobs.WithRetention(cfg.JobRetention),
		jobs.WithOpTimeout(cfg.StoreTimeout),
	)
	cacheSvc := cache.New(rdb, logger,
		cache.WithComputeWait(cfg.CacheComputeWait),
		cache.WithComputeTimeout(cfg.CacheComputeTimeout),
		cache.WithDefaultTTL(cfg.DefaultCacheTTL),
		cache.WithOpTimeout(cfg.StoreTimeout),
	)
	pool := database.Pool()
	svc := catalog.NewService(postgres.NewCatalogStore(pool), postgres.NewSiteConfigStore(pool), cacheSvc, queue)

	reg := jobs.NewRegistry(jobs.WithDefaultTimeout(cfg.JobTimeout))
	tasks.Register(reg, svc)

	workerOpts := []jobs.WorkerOption{
		jobs.WithQueueName(opts.queue),
		jobs.WithConcurrency(opts.concurrency),
		jobs.WithPollInterval(cfg.JobPollInterval),
		jobs.WithDrainTimeout(opts.drainTimeout),
		jobs.WithReclaimInterval(cfg.JobReclaimInterval),
	}
	if opts.exitWhenIdle {
		workerOpts = append(workerOpts, jobs.WithExitWhenIdle())
	}
	worker := jobs.NewWorker(queue, reg, logger, workerOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalled := watchSignals(ctx, cancel, logger)

	logger.Info("worker starting",
		zap.String("queue", opts.queue),
		zap.Int("concurrency", opts.concurrency),
		zap.Duration("drain_timeout", opts.drainTimeout),
		zap.Strings("job_types", reg.Types()),
	)

	runErr := worker.Run(ctx)
	switch {
	case errors.Is(runErr, jobs.ErrDrainInterrupted):
		return &exitError{code: exitInterrupted, err: runErr}
	case runErr != nil:
		return &exitError{code: exitStartup, err: runErr}
	case signalled.Load():
		logger.Info("worker drained after signal")
		return &exitError{code: exitInterrupted, err: errSignalled}
	}
	logger.Info("worker stopped")
	return nil
}

// watchSignals cancels ctx on the first SIGINT/SIGTERM so the worker
// drains, and reports whether that happened. A second signal while
// draining exits immediately with code 2.
func watchSignals(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *atomic.Bool {
	var signalled atomic.Bool
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			logger.Info("signal received, draining", zap.String("signal", sig.String()))
			signalled.Store(true)
			cancel()
		case <-ctx.Done():
			return
		}
		sig := <-sigs
		logger.Warn("second signal received, exiting without drain", zap.String("signal", sig.String()))
		_ = logger.Sync()
		os.Exit(exitInterrupted)
	}()
	return &signalled
}
