// Package filter implements adaptive engagement-threshold screening of
// candidate records.
package filter

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/crawl"
)

// Logic selects how the three per-metric threshold checks combine.
type Logic string

// Supported combination rules. Majority is the default: All is too
// strict against platform-reported-zero metrics and Any floods
// low-quality results.
const (
	LogicAll      Logic = "ALL"
	LogicAny      Logic = "ANY"
	LogicMajority Logic = "MAJORITY"
)

// ParseLogic validates a configured rule name.
func ParseLogic(s string) (Logic, error) {
	switch Logic(strings.ToUpper(strings.TrimSpace(s))) {
	case LogicAll:
		return LogicAll, nil
	case LogicAny:
		return LogicAny, nil
	case LogicMajority, "":
		return LogicMajority, nil
	default:
		return "", fmt.Errorf("unknown filter logic %q", s)
	}
}

// Config controls Filter behavior.
type Config struct {
	Logic              Logic
	MaxDurationSeconds int64
	// MinSamples is the rolling-array size below which thresholds
	// never move.
	MinSamples int
	// RecomputeInterval is the number of accepted records between
	// unforced recomputes.
	RecomputeInterval int
	// TargetPercentile is the quantile thresholds chase (0-100).
	TargetPercentile float64
	// Smoothing is how far an established threshold moves toward the
	// target per recompute.
	Smoothing float64
}

func (c Config) withDefaults() Config {
	if c.Logic == "" {
		c.Logic = LogicMajority
	}
	if c.MaxDurationSeconds <= 0 {
		c.MaxDurationSeconds = 900
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 50
	}
	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = 50
	}
	if c.TargetPercentile <= 0 {
		c.TargetPercentile = 25
	}
	if c.Smoothing <= 0 {
		c.Smoothing = 0.3
	}
	return c
}

// Thresholds are the current minimum-acceptance values.
type Thresholds struct {
	MinViews    int64
	MinLikes    int64
	MinComments int64
}

// Filter keeps rolling samples of accepted records' engagement metrics
// and periodically raises the acceptance thresholds toward the target
// percentile, so quota is not wasted re-confirming already-known-good
// baselines. Not safe for concurrent use; the orchestrator screens
// batches sequentially.
type Filter struct {
	cfg    Config
	logger *zap.Logger

	views     []float64
	likes     []float64
	comments  []float64
	durations []float64

	thresholds     Thresholds
	sinceRecompute int
}

// New constructs a Filter.
func New(cfg Config, logger *zap.Logger) *Filter {
	return &Filter{cfg: cfg.withDefaults(), logger: logger}
}

// Reset clears samples and thresholds at the start of a new category.
func (f *Filter) Reset() {
	f.views = f.views[:0]
	f.likes = f.likes[:0]
	f.comments = f.comments[:0]
	f.durations = f.durations[:0]
	f.thresholds = Thresholds{}
	f.sinceRecompute = 0
}

// Thresholds returns the current minimums.
func (f *Filter) Thresholds() Thresholds {
	return f.thresholds
}

// SampleCount returns the rolling-array size.
func (f *Filter) SampleCount() int {
	return len(f.views)
}

// Accepts decides pass/fail for a candidate. Records missing any
// engagement counter fail outright; the duration ceiling is a hard
// cutoff applied before the combination rule.
func (f *Filter) Accepts(d crawl.VideoDetails) bool {
	if d.ViewCount == nil || d.LikeCount == nil || d.CommentCount == nil {
		return false
	}
	if d.DurationSeconds != nil && *d.DurationSeconds > f.cfg.MaxDurationSeconds {
		return false
	}

	passed := 0
	if *d.ViewCount >= f.thresholds.MinViews {
		passed++
	}
	if *d.LikeCount >= f.thresholds.MinLikes {
		passed++
	}
	if *d.CommentCount >= f.thresholds.MinComments {
		passed++
	}

	switch f.cfg.Logic {
	case LogicAll:
		return passed == 3
	case LogicAny:
		return passed >= 1
	default:
		return passed >= 2
	}
}

// RecordAccepted appends an accepted record's metrics to the rolling
// arrays and advances the recompute counter.
func (f *Filter) RecordAccepted(d crawl.VideoDetails) {
	if d.ViewCount == nil || d.LikeCount == nil || d.CommentCount == nil {
		return
	}
	f.views = append(f.views, float64(*d.ViewCount))
	f.likes = append(f.likes, float64(*d.LikeCount))
	f.comments = append(f.comments, float64(*d.CommentCount))
	if d.DurationSeconds != nil && *d.DurationSeconds > 0 {
		f.durations = append(f.durations, float64(*d.DurationSeconds))
	}
	f.sinceRecompute++
}

// MaybeRecompute recomputes thresholds when the rolling arrays hold
// enough samples and either force is set or the recompute interval has
// elapsed. The first recompute after enough samples accumulate is
// always forced so filtering starts early.
func (f *Filter) MaybeRecompute(force bool) {
	if len(f.views) < f.cfg.MinSamples {
		return
	}
	if f.thresholds == (Thresholds{}) {
		force = true
	}
	if !force && f.sinceRecompute < f.cfg.RecomputeInterval {
		return
	}
	f.sinceRecompute = 0

	f.thresholds.MinViews = f.adjust(f.views, f.thresholds.MinViews, "views")
	f.thresholds.MinLikes = f.adjust(f.likes, f.thresholds.MinLikes, "likes")
	f.thresholds.MinComments = f.adjust(f.comments, f.thresholds.MinComments, "comments")
}

// adjust moves one metric's threshold toward the target percentile of
// its positive samples: snapping when the threshold is unset or far
// below, otherwise smoothing to avoid oscillation from bursty batches.
func (f *Filter) adjust(samples []float64, current int64, metric string) int64 {
	positive := make([]float64, 0, len(samples))
	for _, v := range samples {
		if v > 0 {
			positive = append(positive, v)
		}
	}
	if len(positive) < f.cfg.MinSamples {
		return current
	}

	target := percentile(positive, f.cfg.TargetPercentile)
	var next int64
	if current == 0 || float64(current) < target*0.5 {
		next = int64(target)
	} else {
		next = int64(float64(current) + (target-float64(current))*f.cfg.Smoothing)
	}
	if next < 0 {
		next = 0
	}
	if next != current {
		f.logger.Debug("threshold adjusted",
			zap.String("metric", metric),
			zap.Int64("from", current),
			zap.Int64("to", next),
			zap.Float64("target", target),
		)
	}
	return next
}

// Restore re-seeds the rolling arrays from previously persisted records
// when resuming a harvest. With enough samples the thresholds are
// recomputed immediately; with only a few, a low-percentile floor is
// set so quota is not spent on clearly poor candidates.
func (f *Filter) Restore(records []crawl.Record) {
	for _, r := range records {
		f.views = append(f.views, float64(r.ViewCount))
		f.likes = append(f.likes, float64(r.LikeCount))
		f.comments = append(f.comments, float64(r.CommentCount))
		if r.DurationSeconds > 0 {
			f.durations = append(f.durations, float64(r.DurationSeconds))
		}
	}

	if len(f.views) >= f.cfg.MinSamples {
		f.MaybeRecompute(true)
		f.sinceRecompute = 0
		return
	}
	if len(f.views) > 0 {
		f.thresholds.MinViews = int64(percentile(f.views, 10))
		f.thresholds.MinLikes = int64(percentile(f.likes, 10))
		f.thresholds.MinComments = int64(percentile(f.comments, 10))
	}
}

// percentile computes the p-th percentile with linear interpolation.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	frac := rank - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
