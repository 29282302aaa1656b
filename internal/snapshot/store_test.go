package snapshot

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/bucket"
	"github.com/ilialebedev/metafetcher/internal/crawl"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSink struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func newFakeSink() *fakeSink {
	return &fakeSink{puts: make(map[string][]byte)}
}

func (s *fakeSink) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts[path] = buf.Bytes()
	return path, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func newTestStore(t *testing.T, sink crawl.BlobSink, clock crawl.Clock) *Store {
	t.Helper()
	store, err := New(Config{BaseDir: t.TempDir()}, sink, clock, zap.NewNop())
	require.NoError(t, err)
	return store
}

func record(views int64) crawl.Record {
	return crawl.Record{ViewCount: views, Comments: []crawl.Comment{}}
}

func TestCategoryRoundTrip(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, nil, clock)
	ctx := context.Background()

	missing, err := store.LoadCategory("music")
	require.NoError(t, err)
	require.Nil(t, missing)

	doc := crawl.NewCategoryDoc(bucket.Labels)
	doc.Buckets[bucket.Less1Day]["vid1"] = record(100)
	doc.AppendQuery("music shorts")
	require.NoError(t, store.SaveCategory(ctx, "music", doc))

	loaded, err := store.LoadCategory("music")
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Count())
	require.True(t, loaded.HasQuery("music shorts"))
	require.False(t, loaded.Completed)
}

func TestCorruptDocumentTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, nil, clock)

	path := filepath.Join(store.cfg.BaseDir, harvestDir, "music.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o600))

	doc, err := store.LoadCategory("music")
	require.NoError(t, err)
	require.Nil(t, doc)
}

func TestRecomputeCompletion(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, nil, clock)
	ctx := context.Background()
	targets := bucket.Targets{bucket.Less1Day: 1, bucket.Day1Week1: 1}

	doc := crawl.NewCategoryDoc(bucket.Labels)
	doc.Buckets[bucket.Less1Day]["vid1"] = record(100)

	done, err := store.RecomputeCompletion(ctx, "music", doc, targets)
	require.NoError(t, err)
	require.False(t, done)

	// A ledger entry claiming completion is healed back to false.
	require.NoError(t, store.SaveLedger(ctx, 0, map[string]bool{"music": true}))
	done, err = store.RecomputeCompletion(ctx, "music", doc, targets)
	require.NoError(t, err)
	require.False(t, done)
	ledger, err := store.LoadLedger(0)
	require.NoError(t, err)
	require.False(t, ledger["music"])

	// Filling the last bucket self-heals the flag and the ledger.
	doc.Buckets[bucket.Day1Week1]["vid2"] = record(200)
	done, err = store.RecomputeCompletion(ctx, "music", doc, targets)
	require.NoError(t, err)
	require.True(t, done)
	require.True(t, doc.Completed)

	reloaded, err := store.LoadCategory("music")
	require.NoError(t, err)
	require.True(t, reloaded.Completed)
	ledger, err = store.LoadLedger(0)
	require.NoError(t, err)
	require.True(t, ledger["music"])

	// Idempotent: an already-set flag stays set even if records vanish.
	doc.Buckets[bucket.Day1Week1] = map[string]crawl.Record{}
	done, err = store.RecomputeCompletion(ctx, "music", doc, targets)
	require.NoError(t, err)
	require.True(t, done)
}

func TestSequenceCoalescingAndDedup(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, nil, clock)
	ctx := context.Background()

	require.NoError(t, store.AppendSequence(ctx, []string{"a", "b"}))
	clock.Advance(30 * time.Second)
	require.NoError(t, store.AppendSequence(ctx, []string{"b", "c"}))

	seq, err := store.LoadSequence()
	require.NoError(t, err)
	require.Len(t, seq, 1)
	require.Equal(t, []string{"a", "b", "c"}, seq[0].IDs)

	clock.Advance(2 * time.Minute)
	require.NoError(t, store.AppendSequence(ctx, []string{"d"}))
	seq, err = store.LoadSequence()
	require.NoError(t, err)
	require.Len(t, seq, 2)
	require.Equal(t, []string{"d"}, seq[1].IDs)

	index, err := store.DedupIndex()
	require.NoError(t, err)
	require.Len(t, index, 4)
	require.Contains(t, index, "c")
}

func TestRevisitTargetsShiftByGeneration(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	store := newTestStore(t, nil, clock)
	ctx := context.Background()

	require.NoError(t, store.AppendSequence(ctx, []string{"a"}))
	clock.Advance(3 * time.Minute)
	require.NoError(t, store.AppendSequence(ctx, []string{"b"}))

	interval := 168 * time.Hour
	targets, err := store.RevisitTargets(ctx, 2, interval)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	require.Equal(t, start.Add(2*interval).Format(TimestampLayout), targets[0].Timestamp)
	require.Equal(t, []string{"a"}, targets[0].IDs)
	require.Equal(t, []string{"b"}, targets[1].IDs)

	// Targets are persisted and the generation ledger is seeded.
	ledger, err := store.LoadLedger(2)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	require.False(t, ledger[targets[0].Timestamp])

	again, err := store.RevisitTargets(ctx, 2, interval)
	require.NoError(t, err)
	require.Equal(t, targets, again)
}

func TestRemoteFlushThrottled(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	sink := newFakeSink()
	store, err := New(Config{BaseDir: t.TempDir(), FlushCooldown: 54 * time.Second}, sink, clock, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	doc := crawl.NewCategoryDoc(bucket.Labels)
	require.NoError(t, store.SaveCategory(ctx, "music", doc))
	require.Equal(t, 1, sink.count())

	// Within the cooldown: local write only, still dirty.
	require.NoError(t, store.SaveCategory(ctx, "games", doc))
	require.Equal(t, 1, sink.count())

	// Cooldown elapsed: next write publishes the backlog.
	clock.Advance(time.Minute)
	require.NoError(t, store.SaveCategory(ctx, "sport", doc))
	require.Equal(t, 3, sink.count())
}

func TestFlushForcesPublication(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	sink := newFakeSink()
	store, err := New(Config{BaseDir: t.TempDir(), FlushCooldown: time.Hour}, sink, clock, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SaveCategory(ctx, "music", crawl.NewCategoryDoc(bucket.Labels)))
	clock.Advance(time.Second)
	require.NoError(t, store.SaveCategory(ctx, "games", crawl.NewCategoryDoc(bucket.Labels)))
	require.Equal(t, 1, sink.count())

	store.Flush(ctx)
	require.Equal(t, 2, sink.count())
}

func TestLatestGeneration(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, nil, clock)
	ctx := context.Background()

	gen, err := store.LatestGeneration()
	require.NoError(t, err)
	require.Equal(t, -1, gen)

	require.NoError(t, store.InitHarvestLedger(ctx, []string{"music"}))
	gen, err = store.LatestGeneration()
	require.NoError(t, err)
	require.Equal(t, 0, gen)

	require.NoError(t, store.SaveLedger(ctx, 2, map[string]bool{}))
	gen, err = store.LatestGeneration()
	require.NoError(t, err)
	require.Equal(t, 2, gen)
}
