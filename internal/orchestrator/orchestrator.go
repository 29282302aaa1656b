// Package orchestrator drives harvest and revisit passes: paginated
// search, adaptive filtering, batched enrichment with bounded fan-out,
// bucketed persistence, and credential rotation on quota exhaustion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/bucket"
	"github.com/ilialebedev/metafetcher/internal/channelcache"
	"github.com/ilialebedev/metafetcher/internal/classify"
	"github.com/ilialebedev/metafetcher/internal/crawl"
	"github.com/ilialebedev/metafetcher/internal/credentials"
	"github.com/ilialebedev/metafetcher/internal/filter"
	"github.com/ilialebedev/metafetcher/internal/metrics"
	"github.com/ilialebedev/metafetcher/internal/snapshot"
	"github.com/ilialebedev/metafetcher/internal/textutil"
)

// API page and pagination ceilings imposed by the platform.
const (
	maxPageSize    = 100
	maxSearchPages = 9
	batchSize      = 50
)

// Config controls pass behavior.
type Config struct {
	// Categories maps category key to its ordered search queries.
	Categories map[string][]string
	// Targets is the per-bucket record quota applied to every category.
	Targets bucket.Targets
	// Workers bounds the enrichment fan-out. Default 5.
	Workers int
	// QueryAttempts is the retry budget for unrelated errors per query.
	// Default 3.
	QueryAttempts int
	// CommentsPerVideo caps the comment threads fetched per record.
	// Default 100.
	CommentsPerVideo int64
	// RevisitInterval separates snapshot generations. Default 168h.
	RevisitInterval time.Duration
	// RevisitWaitChunk bounds one sleep while waiting for a revisit
	// timestamp to come due. Default 10m.
	RevisitWaitChunk time.Duration
	// CompletionTopic receives category/timestamp completion events.
	// Empty disables publication.
	CompletionTopic string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.QueryAttempts <= 0 {
		c.QueryAttempts = 3
	}
	if c.CommentsPerVideo <= 0 {
		c.CommentsPerVideo = 100
	}
	if c.RevisitInterval <= 0 {
		c.RevisitInterval = 168 * time.Hour
	}
	if c.RevisitWaitChunk <= 0 {
		c.RevisitWaitChunk = 10 * time.Minute
	}
	return c
}

// Orchestrator runs one pass at a time. The enrichment fan-out is the
// only internal concurrency; pass-level state is single-threaded.
type Orchestrator struct {
	cfg       Config
	pool      *credentials.Pool
	store     *snapshot.Store
	filter    *filter.Filter
	channels  *channelcache.Cache
	publisher crawl.Publisher
	clock     crawl.Clock
	logger    *zap.Logger
}

// New constructs an Orchestrator. publisher may be nil.
func New(cfg Config, pool *credentials.Pool, store *snapshot.Store, f *filter.Filter,
	publisher crawl.Publisher, clock crawl.Clock, logger *zap.Logger) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Categories) == 0 {
		return nil, fmt.Errorf("at least one category is required")
	}
	if err := cfg.Targets.Validate(); err != nil {
		return nil, fmt.Errorf("bucket targets: %w", err)
	}
	metrics.Init()
	o := &Orchestrator{
		cfg:       cfg,
		pool:      pool,
		store:     store,
		filter:    f,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
	o.channels = channelcache.New(o.fetchChannel, logger)
	return o, nil
}

// apiCall runs one API operation, transparently rotating credentials on
// exhaustion. fn receives a freshly validated client; it must report
// the quota cost charged even on failure. Returns ErrPoolExhausted when
// no credentials remain.
func (o *Orchestrator) apiCall(ctx context.Context, endpoint string, fn func(client crawl.APIClient) (int, error)) error {
	var h *credentials.Handle
	for {
		var err error
		h, err = o.pool.Client(h)
		if err != nil {
			return fmt.Errorf("%s: %w", endpoint, err)
		}

		cost, err := fn(h.Client)
		metrics.ObserveQuotaSpend(h.Index(), endpoint, cost)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		kind := classify.ClassifyError(err)
		metrics.ObserveAPIError(kind.String())
		if kind != classify.KindCredentialExhausted {
			return err
		}

		o.logger.Warn("credential exhausted",
			zap.String("endpoint", endpoint),
			zap.Int("credential", h.Index()),
			zap.Error(err),
		)
		if !o.pool.TryAdvance(h.Index()) {
			return fmt.Errorf("%s: %w", endpoint, crawl.ErrPoolExhausted)
		}
		metrics.ObserveCredentialRotation()
	}
}

func (o *Orchestrator) fetchChannel(ctx context.Context, channelID string) (crawl.ChannelInfo, int, error) {
	var info crawl.ChannelInfo
	err := o.apiCall(ctx, "channels", func(client crawl.APIClient) (int, error) {
		i, cost, err := client.ChannelLookup(ctx, channelID)
		info = i
		return cost, err
	})
	return info, 0, err
}

func (o *Orchestrator) publishCompletion(ctx context.Context, payload any) {
	if o.publisher == nil || o.cfg.CompletionTopic == "" {
		return
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.CompletionTopic, payload); err != nil {
		// Completion events are advisory; the ledger is the source of truth.
		o.logger.Warn("completion publish failed", zap.Error(err))
	}
}

func (o *Orchestrator) sortedCategories() []string {
	keys := make([]string, 0, len(o.cfg.Categories))
	for k := range o.cfg.Categories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HarvestPass walks every category, skipping completed ones, until all
// are complete (OutcomePass) or the credential pool empties
// (OutcomeQuota). Any other error aborts the pass.
func (o *Orchestrator) HarvestPass(ctx context.Context) (crawl.Outcome, error) {
	categories := o.sortedCategories()
	if err := o.store.InitHarvestLedger(ctx, categories); err != nil {
		return crawl.OutcomePass, err
	}

	for _, category := range categories {
		err := o.harvestCategory(ctx, category)
		if errors.Is(err, crawl.ErrPoolExhausted) {
			o.store.Flush(ctx)
			return crawl.OutcomeQuota, nil
		}
		if err != nil {
			return crawl.OutcomePass, fmt.Errorf("harvest %s: %w", category, err)
		}
	}
	o.store.Flush(ctx)
	return crawl.OutcomePass, nil
}

func (o *Orchestrator) harvestCategory(ctx context.Context, category string) error {
	doc, err := o.store.LoadCategory(category)
	if err != nil {
		return err
	}
	completed, err := o.store.RecomputeCompletion(ctx, category, doc, o.cfg.Targets)
	if err != nil {
		return err
	}
	if completed {
		return nil
	}
	if doc == nil {
		doc = crawl.NewCategoryDoc(bucket.Labels)
	}

	log := o.logger.With(zap.String("category", category))
	log.Info("harvesting category",
		zap.Int("records", doc.Count()),
		zap.Int("remaining", bucket.Remaining(o.cfg.Targets, snapshot.BucketCounts(doc))),
	)

	o.filter.Reset()
	o.filter.Restore(allRecords(doc))

	dedup, err := o.store.DedupIndex()
	if err != nil {
		return err
	}

	for _, query := range o.cfg.Categories[category] {
		if doc.HasQuery(query) {
			continue
		}
		if bucket.Remaining(o.cfg.Targets, snapshot.BucketCounts(doc)) == 0 {
			break
		}

		if err := o.runQueryWithRetry(ctx, log, category, query, doc, dedup); err != nil {
			return err
		}

		doc.AppendQuery(query)
		if err := o.store.SaveCategory(ctx, category, doc); err != nil {
			return err
		}
	}

	completed, err = o.store.RecomputeCompletion(ctx, category, doc, o.cfg.Targets)
	if err != nil {
		return err
	}
	if completed {
		log.Info("category complete", zap.Int("records", doc.Count()))
		o.publishCompletion(ctx, map[string]any{
			"event":    "category-complete",
			"category": category,
			"records":  doc.Count(),
		})
	} else {
		log.Info("category queries exhausted before targets met",
			zap.Int("records", doc.Count()))
	}
	return nil
}

// runQueryWithRetry retries unrelated failures within the per-query
// budget. Pool exhaustion and context cancellation abort immediately.
func (o *Orchestrator) runQueryWithRetry(ctx context.Context, log *zap.Logger, category, query string, doc *crawl.CategoryDoc, dedup map[string]struct{}) error {
	var err error
	for attempt := 1; attempt <= o.cfg.QueryAttempts; attempt++ {
		err = o.runQuery(ctx, log, category, query, doc, dedup)
		if err == nil {
			return nil
		}
		if errors.Is(err, crawl.ErrPoolExhausted) || ctx.Err() != nil {
			return err
		}
		log.Warn("query attempt failed",
			zap.String("query", query),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	// The query burned its budget; moving on keeps the pass alive and
	// the query is recorded as used by the caller.
	log.Error("query abandoned", zap.String("query", query), zap.Error(err))
	return nil
}

func (o *Orchestrator) runQuery(ctx context.Context, log *zap.Logger, category, query string, doc *crawl.CategoryDoc, dedup map[string]struct{}) error {
	counts := snapshot.BucketCounts(doc)
	need := bucket.Remaining(o.cfg.Targets, counts)
	if need == 0 {
		return nil
	}

	now := o.clock.Now()
	pageSize := int64(need)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	pages := need/maxPageSize + 1
	if pages > maxSearchPages {
		pages = maxSearchPages
	}

	q := crawl.SearchQuery{
		Query:          query,
		PublishedAfter: bucket.PublishedAfter(o.cfg.Targets, counts, now),
		MaxResults:     pageSize,
	}

	var candidates []string
	for page := 0; page < pages; page++ {
		var result crawl.SearchPage
		err := o.apiCall(ctx, "search", func(client crawl.APIClient) (int, error) {
			r, err := client.Search(ctx, q)
			result = r
			return r.Cost, err
		})
		if err != nil {
			return err
		}
		metrics.ObserveSearchPage()

		for _, id := range result.IDs {
			if _, seen := dedup[id]; seen {
				continue
			}
			dedup[id] = struct{}{}
			candidates = append(candidates, id)
		}
		if result.NextPageToken == "" {
			break
		}
		q.PageToken = result.NextPageToken
	}

	log.Debug("search finished",
		zap.String("query", query),
		zap.Int("candidates", len(candidates)),
	)

	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		if err := o.enrichAndAdmit(ctx, log, category, candidates[start:end], doc); err != nil {
			return err
		}
		if bucket.Remaining(o.cfg.Targets, snapshot.BucketCounts(doc)) == 0 {
			break
		}
	}
	return nil
}

// enrichAndAdmit runs one batch through basic info, the adaptive
// filter, and parallel channel/comment enrichment, then admits
// survivors into buckets that still have room.
func (o *Orchestrator) enrichAndAdmit(ctx context.Context, log *zap.Logger, category string, ids []string, doc *crawl.CategoryDoc) error {
	var details map[string]crawl.VideoDetails
	err := o.apiCall(ctx, "videos", func(client crawl.APIClient) (int, error) {
		d, cost, err := client.VideoLookup(ctx, ids)
		details = d
		return cost, err
	})
	if err != nil {
		return err
	}

	accepted := make([]crawl.VideoDetails, 0, len(details))
	for _, id := range ids {
		d, ok := details[id]
		if !ok {
			continue
		}
		if !o.filter.Accepts(d) {
			metrics.ObserveFiltered(category)
			continue
		}
		accepted = append(accepted, d)
	}
	if len(accepted) == 0 {
		return nil
	}

	enriched, err := o.enrich(ctx, log, accepted)
	if err != nil {
		return err
	}

	now := o.clock.Now()
	missing := bucket.Missing(o.cfg.Targets, snapshot.BucketCounts(doc))
	var admitted []string
	for _, d := range accepted {
		record, ok := enriched[d.ID]
		if !ok {
			continue
		}
		label := bucket.For(d.PublishedAt, now)
		if missing[label] <= 0 {
			continue
		}
		missing[label]--
		if doc.Buckets[label] == nil {
			doc.Buckets[label] = make(map[string]crawl.Record)
		}
		doc.Buckets[label][d.ID] = record
		admitted = append(admitted, d.ID)
		metrics.ObserveAdmitted(category, label)

		o.filter.RecordAccepted(d)
		o.filter.MaybeRecompute(false)
	}
	if len(admitted) == 0 {
		return nil
	}

	if err := o.store.AppendSequence(ctx, admitted); err != nil {
		return err
	}
	return o.store.SaveCategory(ctx, category, doc)
}

type enrichResult struct {
	id       string
	channel  *crawl.ChannelInfo
	comments []crawl.Comment
	err      error
}

// enrich fans channel and comment lookups for a batch across a bounded
// worker pool. Records whose enrichment failed transiently are dropped
// from the result; pool exhaustion aborts the batch.
func (o *Orchestrator) enrich(ctx context.Context, log *zap.Logger, batch []crawl.VideoDetails) (map[string]crawl.Record, error) {
	// Pre-filled buffered channel: every job is dispatched even under
	// cancellation, so the collector always sees len(batch) results.
	jobs := make(chan crawl.VideoDetails, len(batch))
	for _, d := range batch {
		jobs <- d
	}
	close(jobs)
	results := make(chan enrichResult, len(batch))

	workers := o.cfg.Workers
	if workers > len(batch) {
		workers = len(batch)
	}
	for i := 0; i < workers; i++ {
		go func() {
			for d := range jobs {
				metrics.IncEnrichmentJobs()
				results <- o.enrichOne(ctx, d)
				metrics.DecEnrichmentJobs()
			}
		}()
	}

	records := make(map[string]crawl.Record, len(batch))
	var firstFatal error
	for range batch {
		res := <-results
		if res.err != nil {
			if errors.Is(res.err, crawl.ErrPoolExhausted) || ctx.Err() != nil {
				if firstFatal == nil {
					firstFatal = res.err
				}
				continue
			}
			log.Warn("enrichment dropped record", zap.String("video_id", res.id), zap.Error(res.err))
			continue
		}
		d := detailsByID(batch, res.id)
		records[res.id] = buildRecord(d, res.channel, res.comments)
	}
	if firstFatal != nil {
		return nil, firstFatal
	}
	return records, nil
}

func (o *Orchestrator) enrichOne(ctx context.Context, d crawl.VideoDetails) enrichResult {
	res := enrichResult{id: d.ID}

	if d.ChannelID != "" {
		info, _, err := o.channels.Get(ctx, d.ChannelID)
		switch {
		case errors.Is(err, crawl.ErrNotFound):
			// Channel gone; the record keeps its video-level fields.
		case err != nil:
			res.err = err
			return res
		default:
			res.channel = &info
		}
	}

	comments, err := o.fetchComments(ctx, d)
	if err != nil {
		res.err = err
		return res
	}
	res.comments = comments
	return res
}

func (o *Orchestrator) fetchComments(ctx context.Context, d crawl.VideoDetails) ([]crawl.Comment, error) {
	if d.CommentCount != nil && *d.CommentCount == 0 {
		return []crawl.Comment{}, nil
	}
	var comments []crawl.Comment
	err := o.apiCall(ctx, "comments", func(client crawl.APIClient) (int, error) {
		c, cost, err := client.CommentLookup(ctx, d.ID, o.cfg.CommentsPerVideo)
		comments = c
		return cost, err
	})
	if err != nil {
		switch classify.ClassifyError(err) {
		case classify.KindPermanentlyDisabled, classify.KindNotFound:
			return []crawl.Comment{}, nil
		}
		return nil, err
	}
	if comments == nil {
		comments = []crawl.Comment{}
	}
	return comments, nil
}

func buildRecord(d crawl.VideoDetails, channel *crawl.ChannelInfo, comments []crawl.Comment) crawl.Record {
	r := crawl.Record{
		Title:       textutil.StripTags(d.Title),
		Description: textutil.StripTags(d.Description),
		Tags: textutil.MergeTags(d.Tags,
			textutil.ExtractTags(d.Title),
			textutil.ExtractTags(d.Description)),
		Language:     d.Language,
		MadeForKids:  d.MadeForKids,
		ThumbnailURL: d.ThumbnailURL,
		PublishedAt:  d.PublishedAt,
		Comments:     comments,
	}
	if d.ViewCount != nil {
		r.ViewCount = *d.ViewCount
	}
	if d.LikeCount != nil {
		r.LikeCount = *d.LikeCount
	}
	if d.CommentCount != nil {
		r.CommentCount = *d.CommentCount
	}
	if d.DurationSeconds != nil {
		r.DurationSeconds = *d.DurationSeconds
	}
	if channel != nil {
		r.ChannelTitle = channel.Title
		r.SubscriberCount = channel.SubscriberCount
		r.ChannelVideoCount = channel.VideoCount
		r.ChannelViewCount = channel.ViewCount
		r.Country = channel.Country
	}
	return r
}

func detailsByID(batch []crawl.VideoDetails, id string) crawl.VideoDetails {
	for _, d := range batch {
		if d.ID == id {
			return d
		}
	}
	return crawl.VideoDetails{ID: id}
}

func allRecords(doc *crawl.CategoryDoc) []crawl.Record {
	var records []crawl.Record
	for _, b := range doc.Buckets {
		for _, r := range b {
			records = append(records, r)
		}
	}
	return records
}
