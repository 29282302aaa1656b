// Package snapshot implements the durable, resumable persistence layer:
// category and timestamp container documents, the completion-progress
// ledger, the discovery sequence, and throttled publication to the
// remote blob sink.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/bucket"
	"github.com/ilialebedev/metafetcher/internal/crawl"
	"github.com/ilialebedev/metafetcher/internal/metrics"
)

// TimestampLayout is the discovery-timestamp format used in sequence
// entries, revisit targets, and document names.
const TimestampLayout = "2006_01_02_15_04"

const (
	harvestDir  = "meta_snapshot"
	ledgerFile  = "progress.json"
	seqFile     = "sequence.json"
	targetsFile = "targets.json"
)

// Config controls Store behavior.
type Config struct {
	// BaseDir is the local root for all snapshot documents.
	BaseDir string
	// FlushCooldown bounds remote publication to at most one flush per
	// window. Local writes happen on every save regardless.
	FlushCooldown time.Duration
}

// SequenceEntry is one append-only batch of ids keyed by discovery
// minute.
type SequenceEntry struct {
	Timestamp string   `json:"timestamp"`
	IDs       []string `json:"ids"`
}

// RevisitTarget is one scheduled re-visitation: the original discovery
// batch shifted forward by the generation interval.
type RevisitTarget struct {
	Timestamp string   `json:"timestamp"`
	IDs       []string `json:"ids"`
}

// Store persists crawl state under a local directory tree and mirrors
// it to an optional remote sink. Categories are written sequentially
// by the orchestrator; the mutex only defends local writes against the
// throttled remote flush.
type Store struct {
	cfg    Config
	sink   crawl.BlobSink
	clock  crawl.Clock
	logger *zap.Logger

	mu        sync.Mutex
	dirty     map[string]struct{}
	lastFlush time.Time
}

// New creates a Store rooted at cfg.BaseDir. sink may be nil for
// local-only operation.
func New(cfg Config, sink crawl.BlobSink, clock crawl.Clock, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if cfg.FlushCooldown <= 0 {
		cfg.FlushCooldown = 54 * time.Second
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	metrics.Init()
	return &Store{
		cfg:    cfg,
		sink:   sink,
		clock:  clock,
		logger: logger,
		dirty:  make(map[string]struct{}),
	}, nil
}

// GenerationDir returns the document directory for a generation:
// the harvest for generation 0, numbered snapshots afterwards.
func GenerationDir(generation int) string {
	if generation == 0 {
		return harvestDir
	}
	return fmt.Sprintf("snapshot_%d", generation)
}

// LatestGeneration inspects the local tree and reports the highest
// generation with a directory present, or -1 when nothing exists yet.
func (s *Store) LatestGeneration() (int, error) {
	entries, err := os.ReadDir(s.cfg.BaseDir)
	if err != nil {
		return -1, fmt.Errorf("read base directory: %w", err)
	}
	latest := -1
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == harvestDir {
			if latest < 0 {
				latest = 0
			}
			continue
		}
		if n, ok := strings.CutPrefix(name, "snapshot_"); ok {
			gen, err := strconv.Atoi(n)
			if err == nil && gen > latest {
				latest = gen
			}
		}
	}
	return latest, nil
}

func (s *Store) path(parts ...string) string {
	return filepath.Join(append([]string{s.cfg.BaseDir}, parts...)...)
}

func (s *Store) readJSON(rel string, v any) (bool, error) {
	data, err := os.ReadFile(s.path(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", rel, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		// A corrupt document is treated as absent; resume self-heals
		// from the ledger and dedup index.
		s.logger.Warn("corrupt document ignored", zap.String("path", rel), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (s *Store) writeJSON(ctx context.Context, rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	full := s.path(rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	s.dirty[rel] = struct{}{}
	s.maybeFlushLocked(ctx)
	return nil
}

// maybeFlushLocked publishes dirty documents to the remote sink when
// the cooldown window has elapsed. Failed uploads stay dirty and are
// retried on the next flush; local state is never lost.
func (s *Store) maybeFlushLocked(ctx context.Context) {
	if s.sink == nil || len(s.dirty) == 0 {
		return
	}
	now := s.clock.Now()
	if !s.lastFlush.IsZero() && now.Sub(s.lastFlush) < s.cfg.FlushCooldown {
		return
	}
	s.lastFlush = now
	s.flushLocked(ctx)
}

func (s *Store) flushLocked(ctx context.Context) {
	flushed := 0
	for rel := range s.dirty {
		f, err := os.Open(s.path(rel))
		if err != nil {
			s.logger.Warn("flush open failed", zap.String("path", rel), zap.Error(err))
			metrics.ObserveSnapshotFlush("error")
			continue
		}
		_, err = s.sink.PutObject(ctx, rel, "application/json", f)
		closeErr := f.Close()
		if err != nil {
			s.logger.Warn("remote flush failed", zap.String("path", rel), zap.Error(err))
			metrics.ObserveSnapshotFlush("error")
			continue
		}
		metrics.ObserveSnapshotFlush("ok")
		if closeErr != nil {
			s.logger.Warn("flush close failed", zap.String("path", rel), zap.Error(closeErr))
		}
		delete(s.dirty, rel)
		flushed++
	}
	if flushed > 0 {
		s.logger.Info("snapshot documents published", zap.Int("count", flushed), zap.Int("pending", len(s.dirty)))
	}
}

// Flush force-publishes every dirty document, ignoring the cooldown.
// Used for best-effort persist on shutdown.
func (s *Store) Flush(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil {
		return
	}
	s.lastFlush = s.clock.Now()
	s.flushLocked(ctx)
}

// LoadCategory reads one harvest category document, or nil when it
// does not exist.
func (s *Store) LoadCategory(key string) (*crawl.CategoryDoc, error) {
	var doc crawl.CategoryDoc
	ok, err := s.readJSON(filepath.Join(harvestDir, key+".json"), &doc)
	if err != nil || !ok {
		return nil, err
	}
	if doc.Buckets == nil {
		doc.Buckets = make(map[string]map[string]crawl.Record)
	}
	return &doc, nil
}

// SaveCategory writes one harvest category document.
func (s *Store) SaveCategory(ctx context.Context, key string, doc *crawl.CategoryDoc) error {
	return s.writeJSON(ctx, filepath.Join(harvestDir, key+".json"), doc)
}

// LoadRevisit reads one revisit timestamp document for a generation.
func (s *Store) LoadRevisit(generation int, timestamp string) (*crawl.RevisitDoc, error) {
	var doc crawl.RevisitDoc
	ok, err := s.readJSON(filepath.Join(GenerationDir(generation), timestamp+".json"), &doc)
	if err != nil || !ok {
		return nil, err
	}
	if doc.Records == nil {
		doc.Records = make(map[string]crawl.Record)
	}
	return &doc, nil
}

// SaveRevisit writes one revisit timestamp document.
func (s *Store) SaveRevisit(ctx context.Context, generation int, timestamp string, doc *crawl.RevisitDoc) error {
	return s.writeJSON(ctx, filepath.Join(GenerationDir(generation), timestamp+".json"), doc)
}

// LoadLedger reads a generation's completion ledger. A missing ledger
// is an empty one.
func (s *Store) LoadLedger(generation int) (map[string]bool, error) {
	ledger := make(map[string]bool)
	if _, err := s.readJSON(filepath.Join(GenerationDir(generation), ledgerFile), &ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

// SaveLedger writes a generation's completion ledger.
func (s *Store) SaveLedger(ctx context.Context, generation int, ledger map[string]bool) error {
	return s.writeJSON(ctx, filepath.Join(GenerationDir(generation), ledgerFile), ledger)
}

// BucketCounts returns per-bucket fill counts for a category document.
func BucketCounts(doc *crawl.CategoryDoc) map[string]int {
	counts := make(map[string]int, len(doc.Buckets))
	for label, records := range doc.Buckets {
		counts[label] = len(records)
	}
	return counts
}

// RecomputeCompletion re-derives a category's completion state rather
// than trusting the stored flags: a category is complete iff its flag
// is already set or every bucket reached its target, in which case the
// flag is retroactively set and persisted. A ledger entry claiming
// completion for an incomplete category is healed back to false.
// Idempotent: a true flag never flips back.
func (s *Store) RecomputeCompletion(ctx context.Context, key string, doc *crawl.CategoryDoc, targets bucket.Targets) (bool, error) {
	ledger, err := s.LoadLedger(0)
	if err != nil {
		return false, err
	}

	completed := false
	switch {
	case doc == nil:
		// Nothing persisted yet.
	case doc.Completed:
		completed = true
	case bucket.Remaining(targets, BucketCounts(doc)) == 0:
		doc.Completed = true
		completed = true
		if err := s.SaveCategory(ctx, key, doc); err != nil {
			return false, err
		}
		s.logger.Info("category completion self-healed", zap.String("category", key))
	}

	if ledger[key] != completed {
		if ledger[key] && !completed {
			s.logger.Warn("ledger claimed completion for incomplete category",
				zap.String("category", key))
		}
		ledger[key] = completed
		if err := s.SaveLedger(ctx, 0, ledger); err != nil {
			return false, err
		}
	}
	return completed, nil
}

// MissingWork returns the per-bucket shortfall for an incomplete
// category. A nil document means every bucket needs its full target.
func MissingWork(doc *crawl.CategoryDoc, targets bucket.Targets) map[string]int {
	if doc == nil {
		return bucket.Missing(targets, nil)
	}
	return bucket.Missing(targets, BucketCounts(doc))
}

// LoadSequence reads the append-only discovery sequence.
func (s *Store) LoadSequence() ([]SequenceEntry, error) {
	var seq []SequenceEntry
	if _, err := s.readJSON(filepath.Join(harvestDir, seqFile), &seq); err != nil {
		return nil, err
	}
	return seq, nil
}

// AppendSequence records newly admitted ids under the current
// discovery minute. Appends landing within a minute of the previous
// entry coalesce into it, so one query's batches share a timestamp.
func (s *Store) AppendSequence(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	seq, err := s.LoadSequence()
	if err != nil {
		return err
	}

	now := s.clock.Now()
	if len(seq) == 0 {
		seq = append(seq, SequenceEntry{Timestamp: now.Format(TimestampLayout)})
	} else {
		last := seq[len(seq)-1]
		lastAt, err := time.Parse(TimestampLayout, last.Timestamp)
		if err != nil || lastAt.Add(time.Minute).Before(now) {
			seq = append(seq, SequenceEntry{Timestamp: now.Format(TimestampLayout)})
		}
	}

	entry := &seq[len(seq)-1]
	existing := make(map[string]struct{}, len(entry.IDs))
	for _, id := range entry.IDs {
		existing[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := existing[id]; ok {
			continue
		}
		existing[id] = struct{}{}
		entry.IDs = append(entry.IDs, id)
	}

	return s.writeJSON(ctx, filepath.Join(harvestDir, seqFile), seq)
}

// DedupIndex rebuilds the set of every id ever admitted into the
// harvest from the discovery sequence.
func (s *Store) DedupIndex() (map[string]struct{}, error) {
	seq, err := s.LoadSequence()
	if err != nil {
		return nil, err
	}
	index := make(map[string]struct{})
	for _, entry := range seq {
		for _, id := range entry.IDs {
			index[id] = struct{}{}
		}
	}
	return index, nil
}

// InitHarvestLedger seeds the harvest ledger with every category
// marked incomplete. Existing entries are preserved.
func (s *Store) InitHarvestLedger(ctx context.Context, categories []string) error {
	ledger, err := s.LoadLedger(0)
	if err != nil {
		return err
	}
	changed := false
	for _, cat := range categories {
		if _, ok := ledger[cat]; !ok {
			ledger[cat] = false
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.SaveLedger(ctx, 0, ledger)
}

// RevisitTargets derives (and persists) the target id sets for a
// generation: each discovery timestamp shifted forward by
// generation x interval, sorted chronologically. The generation's
// ledger is seeded with every timestamp incomplete.
func (s *Store) RevisitTargets(ctx context.Context, generation int, interval time.Duration) ([]RevisitTarget, error) {
	if generation < 1 {
		return nil, fmt.Errorf("revisit targets require generation >= 1, got %d", generation)
	}

	rel := filepath.Join(GenerationDir(generation), targetsFile)
	var targets []RevisitTarget
	ok, err := s.readJSON(rel, &targets)
	if err != nil {
		return nil, err
	}
	if !ok {
		seq, err := s.LoadSequence()
		if err != nil {
			return nil, err
		}
		if len(seq) == 0 {
			return nil, fmt.Errorf("no discovery sequence to derive generation %d targets from", generation)
		}
		shift := time.Duration(generation) * interval
		for _, entry := range seq {
			at, err := time.Parse(TimestampLayout, entry.Timestamp)
			if err != nil {
				s.logger.Warn("unparseable sequence timestamp skipped",
					zap.String("timestamp", entry.Timestamp), zap.Error(err))
				continue
			}
			targets = append(targets, RevisitTarget{
				Timestamp: at.Add(shift).Format(TimestampLayout),
				IDs:       entry.IDs,
			})
		}
		if err := s.writeJSON(ctx, rel, targets); err != nil {
			return nil, err
		}
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].Timestamp < targets[j].Timestamp })

	ledger, err := s.LoadLedger(generation)
	if err != nil {
		return nil, err
	}
	changed := false
	for _, target := range targets {
		if _, ok := ledger[target.Timestamp]; !ok {
			ledger[target.Timestamp] = false
			changed = true
		}
	}
	if changed {
		if err := s.SaveLedger(ctx, generation, ledger); err != nil {
			return nil, err
		}
	}
	return targets, nil
}
