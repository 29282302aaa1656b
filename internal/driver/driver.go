// Package driver runs the generation loop: harvest first, then bounded
// snapshot generations, waiting out daily quota resets in between.
package driver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/crawl"
	"github.com/ilialebedev/metafetcher/internal/credentials"
	"github.com/ilialebedev/metafetcher/internal/metrics"
	"github.com/ilialebedev/metafetcher/internal/snapshot"
)

// Runner executes one pass of a generation.
type Runner interface {
	HarvestPass(ctx context.Context) (crawl.Outcome, error)
	RevisitPass(ctx context.Context, generation int) (crawl.Outcome, error)
}

// Config controls the generation loop.
type Config struct {
	// MaxGenerations bounds the number of revisit snapshots. Default 3.
	MaxGenerations int
	// ResetHour and ResetMinute give the platform's daily quota reset
	// instant in the reset zone. Defaults 11:01.
	ResetHour   int
	ResetMinute int
	// ResetUTCOffset is the reset zone's offset from UTC. Default +3h.
	ResetUTCOffset time.Duration
	// WaitChunk bounds one sleep while waiting for the reset. Default 10m.
	WaitChunk time.Duration
	// ErrorCooldown is the pause after an unexpected pass failure.
	// Default 1m.
	ErrorCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxGenerations <= 0 {
		c.MaxGenerations = 3
	}
	if c.ResetHour == 0 && c.ResetMinute == 0 {
		c.ResetHour, c.ResetMinute = 11, 1
	}
	if c.ResetUTCOffset == 0 {
		c.ResetUTCOffset = 3 * time.Hour
	}
	if c.WaitChunk <= 0 {
		c.WaitChunk = 10 * time.Minute
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = time.Minute
	}
	return c
}

// Driver owns the top-level crawl loop.
type Driver struct {
	cfg    Config
	runner Runner
	pool   *credentials.Pool
	store  *snapshot.Store
	clock  crawl.Clock
	logger *zap.Logger
}

// New constructs a Driver.
func New(cfg Config, runner Runner, pool *credentials.Pool, store *snapshot.Store, clock crawl.Clock, logger *zap.Logger) *Driver {
	metrics.Init()
	return &Driver{
		cfg:    cfg.withDefaults(),
		runner: runner,
		pool:   pool,
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// Run resumes from the latest persisted generation and loops until the
// crawl is globally complete or the context is cancelled. Quota
// exhaustion retries the same generation after the daily reset with the
// pool rewound to the first credential. Unexpected errors cool down and
// retry rather than killing a multi-day run.
func (d *Driver) Run(ctx context.Context) error {
	generation, err := d.store.LatestGeneration()
	if err != nil {
		return err
	}
	if generation < 0 {
		generation = 0
	}
	d.logger.Info("crawl starting", zap.Int("generation", generation))

	for {
		if generation > d.cfg.MaxGenerations {
			d.logger.Info("crawl globally complete",
				zap.Int("generations", d.cfg.MaxGenerations))
			metrics.ObservePass(generation, crawl.OutcomeGlobal.String())
			return nil
		}

		var outcome crawl.Outcome
		if generation == 0 {
			outcome, err = d.runner.HarvestPass(ctx)
		} else {
			outcome, err = d.runner.RevisitPass(ctx, generation)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			d.logger.Error("pass failed",
				zap.Int("generation", generation),
				zap.Error(err),
				zap.Stack("stack"),
			)
			if err := d.sleep(ctx, d.cfg.ErrorCooldown); err != nil {
				return err
			}
			continue
		}

		metrics.ObservePass(generation, outcome.String())
		switch outcome {
		case crawl.OutcomeQuota:
			if err := d.waitForQuotaReset(ctx); err != nil {
				return err
			}
			d.pool.Reset()
		case crawl.OutcomePass:
			generation++
		case crawl.OutcomeGlobal:
			return nil
		}
	}
}

// nextReset returns the first reset instant strictly after now.
func (d *Driver) nextReset(now time.Time) time.Time {
	zone := time.FixedZone("quota-reset", int(d.cfg.ResetUTCOffset/time.Second))
	local := now.In(zone)
	reset := time.Date(local.Year(), local.Month(), local.Day(),
		d.cfg.ResetHour, d.cfg.ResetMinute, 0, 0, zone)
	if !reset.After(now) {
		reset = reset.Add(24 * time.Hour)
	}
	return reset
}

// waitForQuotaReset blocks until the next daily reset, sleeping in
// bounded chunks so cancellation is honored promptly.
func (d *Driver) waitForQuotaReset(ctx context.Context) error {
	start := d.clock.Now()
	reset := d.nextReset(start)
	d.logger.Info("waiting for quota reset",
		zap.Time("reset_at", reset),
		zap.Duration("wait", reset.Sub(start)),
	)

	for {
		now := d.clock.Now()
		if !now.Before(reset) {
			break
		}
		chunk := reset.Sub(now)
		if chunk > d.cfg.WaitChunk {
			chunk = d.cfg.WaitChunk
		}
		if err := d.sleep(ctx, chunk); err != nil {
			return err
		}
	}
	metrics.ObserveQuotaWait(d.clock.Now().Sub(start))
	d.logger.Info("quota reset reached")
	return nil
}

func (d *Driver) sleep(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
