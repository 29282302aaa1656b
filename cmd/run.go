package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/api"
	"github.com/ilialebedev/metafetcher/internal/clock/system"
	"github.com/ilialebedev/metafetcher/internal/config"
	"github.com/ilialebedev/metafetcher/internal/crawl"
	"github.com/ilialebedev/metafetcher/internal/credentials"
	"github.com/ilialebedev/metafetcher/internal/download"
	"github.com/ilialebedev/metafetcher/internal/driver"
	"github.com/ilialebedev/metafetcher/internal/filter"
	"github.com/ilialebedev/metafetcher/internal/logging"
	"github.com/ilialebedev/metafetcher/internal/orchestrator"
	"github.com/ilialebedev/metafetcher/internal/policy/ratelimit"
	pubsubpublisher "github.com/ilialebedev/metafetcher/internal/publisher/pubsub"
	"github.com/ilialebedev/metafetcher/internal/snapshot"
	"github.com/ilialebedev/metafetcher/internal/storage/gcs"
	"github.com/ilialebedev/metafetcher/internal/storage/local"
	"github.com/ilialebedev/metafetcher/internal/storage/postgres"
	"github.com/ilialebedev/metafetcher/internal/store"
	"github.com/ilialebedev/metafetcher/internal/youtube"
)

// newRunCmd creates and configures the 'run' subcommand. It wires the
// credential pool, snapshot store, orchestrator, and generation driver,
// then blocks until the crawl is globally complete or interrupted.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Starts the metadata crawl",
		Long: `Resumes the crawl from the latest persisted generation: the harvest
first, then timed revisit snapshots. Runs the status HTTP server and,
when configured, the media download loop alongside.`,
		RunE: runCrawl,
	}
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	// A .env file is optional; environment variables win either way.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()

	sink, closeSink, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	snapStore, err := snapshot.New(snapshot.Config{
		BaseDir:       cfg.Snapshot.BaseDir,
		FlushCooldown: cfg.FlushCooldown(),
	}, sink, clk, logging.Component(logger, "snapshot"))
	if err != nil {
		return fmt.Errorf("init snapshot store: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Rate.DefaultRPS,
		DefaultBurst: cfg.Rate.DefaultBurst,
	})
	pool, err := credentials.New(
		cfg.Credentials.APIKeys,
		cfg.Credentials.StartIndex,
		youtube.NewFactory(limiter, logging.Component(logger, "youtube")),
		logging.Component(logger, "credentials"),
	)
	if err != nil {
		return fmt.Errorf("init credential pool: %w", err)
	}

	engagement := filter.New(filter.Config{
		Logic:              filter.Logic(cfg.Filter.Logic),
		MinSamples:         cfg.Filter.MinSamples,
		TargetPercentile:   cfg.Filter.TargetPercentile,
		Smoothing:          cfg.Filter.Smoothing,
		MaxDurationSeconds: cfg.Filter.MaxDurationSeconds,
	}, logging.Component(logger, "filter"))

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	orch, err := orchestrator.New(orchestrator.Config{
		Categories:       cfg.Harvest.Categories,
		Targets:          cfg.Targets(),
		Workers:          cfg.Harvest.Workers,
		CommentsPerVideo: cfg.Harvest.CommentsPerVideo,
		RevisitInterval:  cfg.RevisitInterval(),
		CompletionTopic:  cfg.PubSub.Topic,
	}, pool, snapStore, engagement, publisher, clk, logging.Component(logger, "orchestrator"))
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	var runner driver.Runner = orch
	var runRepo store.RunRepository
	if cfg.DB.DSN != "" {
		runStore, err := postgres.NewRunStore(ctx, postgres.RunStoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("init run store: %w", err)
		}
		defer runStore.Close()
		runRepo = runStore
		runner = &recordedRunner{
			inner:  orch,
			repo:   runStore,
			runID:  uuid.New(),
			clock:  clk,
			logger: logging.Component(logger, "history"),
		}
	}

	drv := driver.New(driver.Config{
		MaxGenerations: cfg.Harvest.MaxGenerations,
		ResetHour:      cfg.Harvest.ResetHour,
		ResetMinute:    cfg.Harvest.ResetMinute,
		ResetUTCOffset: time.Duration(cfg.Harvest.ResetUTCOffsetHours) * time.Hour,
		ErrorCooldown:  cfg.ErrorCooldown(),
	}, runner, pool, snapStore, clk, logging.Component(logger, "driver"))

	if cfg.Server.Enabled {
		apiLogger := logging.Component(logger, "api")
		apiServer := api.NewServer(
			api.NewProgressHandler(snapStore, categoryKeys(cfg), cfg.Targets(), apiLogger),
			api.NewRunsHandler(runRepo, apiLogger),
			apiLogger,
		)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server started", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server error", zap.Error(err))
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown error", zap.Error(err))
			}
		}()
	}

	if cfg.Download.Enabled {
		downloader, err := download.New(download.Config{
			Tool:         cfg.Download.Tool,
			CookieFiles:  cfg.Download.CookieFiles,
			StagingDir:   cfg.Download.StagingDir,
			UploadPrefix: cfg.Download.UploadPrefix,
		}, nil, sink, clk, logging.Component(logger, "download"))
		if err != nil {
			return fmt.Errorf("init downloader: %w", err)
		}
		go downloadLoop(ctx, downloader, snapStore, logging.Component(logger, "download"))
	}

	if err := drv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	snapStore.Flush(context.Background())
	logger.Info("crawl finished")
	return nil
}

func buildSink(ctx context.Context, cfg config.Config) (crawl.BlobSink, func(), error) {
	noop := func() {}
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("init storage client: %w", err)
		}
		sink, err := gcs.New(client, gcs.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("init gcs sink: %w", err)
		}
		return sink, func() { _ = client.Close() }, nil
	case "local":
		sink, err := local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, noop, fmt.Errorf("init local sink: %w", err)
		}
		return sink, noop, nil
	default:
		return nil, noop, nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (crawl.Publisher, func(), error) {
	noop := func() {}
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.Topic == "" {
		return nil, noop, nil
	}
	client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, noop, fmt.Errorf("init pubsub client: %w", err)
	}
	return pubsubpublisher.New(client), func() { _ = client.Close() }, nil
}

func categoryKeys(cfg config.Config) []string {
	keys := make([]string, 0, len(cfg.Harvest.Categories))
	for key := range cfg.Harvest.Categories {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// downloadLoop drains the discovery sequence into the media downloader
// until the context ends. Download failures never disturb the crawl.
func downloadLoop(ctx context.Context, d *download.Downloader, snap *snapshot.Store, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		entries, err := snap.LoadSequence()
		if err != nil {
			logger.Warn("load sequence failed", zap.Error(err))
		} else {
			var pending []string
			for _, entry := range entries {
				for _, id := range entry.IDs {
					if !d.Processed(id) {
						pending = append(pending, id)
					}
				}
			}
			if len(pending) > 0 {
				if err := d.ProcessBatch(ctx, pending); err != nil {
					logger.Warn("media batch failed", zap.Error(err))
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// recordedRunner mirrors pass outcomes into the run history database.
// History writes are best-effort: a failed insert logs a warning and
// the pass proceeds.
type recordedRunner struct {
	inner  driver.Runner
	repo   store.RunRepository
	runID  uuid.UUID
	clock  crawl.Clock
	logger *zap.Logger
}

func (r *recordedRunner) HarvestPass(ctx context.Context) (crawl.Outcome, error) {
	return r.record(ctx, 0, r.inner.HarvestPass)
}

func (r *recordedRunner) RevisitPass(ctx context.Context, generation int) (crawl.Outcome, error) {
	return r.record(ctx, generation, func(ctx context.Context) (crawl.Outcome, error) {
		return r.inner.RevisitPass(ctx, generation)
	})
}

func (r *recordedRunner) record(ctx context.Context, generation int, pass func(context.Context) (crawl.Outcome, error)) (crawl.Outcome, error) {
	passID := uuid.New()
	if err := r.repo.StartPass(ctx, store.PassRun{
		ID:         passID,
		RunID:      r.runID,
		Generation: generation,
		StartedAt:  r.clock.Now(),
	}); err != nil {
		r.logger.Warn("record pass start failed", zap.Error(err))
	}

	outcome, err := pass(ctx)

	result := store.PassComplete
	var msg *string
	switch {
	case err != nil:
		result = store.PassError
		s := err.Error()
		msg = &s
	case outcome == crawl.OutcomeQuota:
		result = store.PassQuota
	}
	if finishErr := r.repo.FinishPass(ctx, passID, r.clock.Now(), result, msg); finishErr != nil {
		r.logger.Warn("record pass finish failed", zap.Error(finishErr))
	}
	return outcome, err
}
