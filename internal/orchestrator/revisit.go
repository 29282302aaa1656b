package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/crawl"
	"github.com/ilialebedev/metafetcher/internal/snapshot"
)

// RevisitPass re-measures every id batch of one snapshot generation at
// its shifted timestamp. Timestamps are processed oldest first; waiting
// for a timestamp to come due happens in bounded chunks so cancellation
// is never delayed by a long sleep.
func (o *Orchestrator) RevisitPass(ctx context.Context, generation int) (crawl.Outcome, error) {
	targets, err := o.store.RevisitTargets(ctx, generation, o.cfg.RevisitInterval)
	if err != nil {
		return crawl.OutcomePass, err
	}
	ledger, err := o.store.LoadLedger(generation)
	if err != nil {
		return crawl.OutcomePass, err
	}

	log := o.logger.With(zap.Int("generation", generation))
	prev, err := o.previousRecords(generation, targets)
	if err != nil {
		return crawl.OutcomePass, err
	}

	for _, target := range targets {
		if ledger[target.Timestamp] {
			continue
		}
		due, parseErr := time.Parse(snapshot.TimestampLayout, target.Timestamp)
		if parseErr == nil {
			if err := o.waitUntil(ctx, due); err != nil {
				return crawl.OutcomePass, err
			}
		}

		err := o.revisitTimestamp(ctx, log, generation, target, prev)
		if errors.Is(err, crawl.ErrPoolExhausted) {
			o.store.Flush(ctx)
			return crawl.OutcomeQuota, nil
		}
		if err != nil {
			return crawl.OutcomePass, fmt.Errorf("revisit %s: %w", target.Timestamp, err)
		}

		ledger[target.Timestamp] = true
		if err := o.store.SaveLedger(ctx, generation, ledger); err != nil {
			return crawl.OutcomePass, err
		}
	}
	o.store.Flush(ctx)
	return crawl.OutcomePass, nil
}

// previousRecords maps id to the record captured one generation
// earlier, used to preserve comments when a comment fetch fails. The
// first generation reads the harvest category documents.
func (o *Orchestrator) previousRecords(generation int, targets []snapshot.RevisitTarget) (map[string]crawl.Record, error) {
	prev := make(map[string]crawl.Record)
	if generation <= 1 {
		for category := range o.cfg.Categories {
			doc, err := o.store.LoadCategory(category)
			if err != nil {
				return nil, err
			}
			if doc == nil {
				continue
			}
			for _, b := range doc.Buckets {
				for id, r := range b {
					prev[id] = r
				}
			}
		}
		return prev, nil
	}

	for _, target := range targets {
		at, err := time.Parse(snapshot.TimestampLayout, target.Timestamp)
		if err != nil {
			continue
		}
		prevTS := at.Add(-o.cfg.RevisitInterval).Format(snapshot.TimestampLayout)
		doc, err := o.store.LoadRevisit(generation-1, prevTS)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		for id, r := range doc.Records {
			prev[id] = r
		}
	}
	return prev, nil
}

func (o *Orchestrator) revisitTimestamp(ctx context.Context, log *zap.Logger, generation int, target snapshot.RevisitTarget, prev map[string]crawl.Record) error {
	doc, err := o.store.LoadRevisit(generation, target.Timestamp)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = &crawl.RevisitDoc{Records: make(map[string]crawl.Record)}
	}
	if doc.Completed {
		return nil
	}

	var pending []string
	for _, id := range target.IDs {
		if _, done := doc.Records[id]; !done {
			pending = append(pending, id)
		}
	}
	log.Info("revisiting timestamp",
		zap.String("timestamp", target.Timestamp),
		zap.Int("pending", len(pending)),
	)

	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := o.revisitBatch(ctx, log, pending[start:end], doc, prev); err != nil {
			return err
		}
		if err := o.store.SaveRevisit(ctx, generation, target.Timestamp, doc); err != nil {
			return err
		}
	}

	doc.Completed = true
	if err := o.store.SaveRevisit(ctx, generation, target.Timestamp, doc); err != nil {
		return err
	}
	o.publishCompletion(ctx, map[string]any{
		"event":      "timestamp-complete",
		"generation": generation,
		"timestamp":  target.Timestamp,
		"records":    len(doc.Records),
	})
	return nil
}

// revisitBatch captures the volatile metrics for one id batch. Videos
// that disappeared since harvest keep their slot with zeroed counts so
// the id set stays aligned across generations. A failed comment fetch
// falls back to the previous generation's comments for that id.
func (o *Orchestrator) revisitBatch(ctx context.Context, log *zap.Logger, ids []string, doc *crawl.RevisitDoc, prev map[string]crawl.Record) error {
	var details map[string]crawl.VideoDetails
	err := o.apiCall(ctx, "videos", func(client crawl.APIClient) (int, error) {
		d, cost, err := client.VideoLookup(ctx, ids)
		details = d
		return cost, err
	})
	if err != nil {
		return err
	}

	live := make([]crawl.VideoDetails, 0, len(ids))
	for _, id := range ids {
		if d, ok := details[id]; ok {
			live = append(live, d)
		}
	}

	jobs := make(chan crawl.VideoDetails, len(live))
	for _, d := range live {
		jobs <- d
	}
	close(jobs)
	results := make(chan enrichResult, len(live))

	workers := o.cfg.Workers
	if workers > len(live) {
		workers = len(live)
	}
	for i := 0; i < workers; i++ {
		go func() {
			for d := range jobs {
				comments, err := o.fetchComments(ctx, d)
				results <- enrichResult{id: d.ID, comments: comments, err: err}
			}
		}()
	}

	comments := make(map[string][]crawl.Comment, len(live))
	var firstFatal error
	for range live {
		res := <-results
		if res.err != nil {
			if errors.Is(res.err, crawl.ErrPoolExhausted) || ctx.Err() != nil {
				if firstFatal == nil {
					firstFatal = res.err
				}
				continue
			}
			// Transient failure: the previous generation's comments
			// stand in rather than losing the id.
			log.Warn("comment refresh failed, preserving previous",
				zap.String("video_id", res.id), zap.Error(res.err))
			comments[res.id] = prev[res.id].Comments
			continue
		}
		comments[res.id] = res.comments
	}
	if firstFatal != nil {
		return firstFatal
	}

	for _, id := range ids {
		record := crawl.Record{Comments: []crawl.Comment{}}
		if d, ok := details[id]; ok {
			if d.ViewCount != nil {
				record.ViewCount = *d.ViewCount
			}
			if d.LikeCount != nil {
				record.LikeCount = *d.LikeCount
			}
			if d.CommentCount != nil {
				record.CommentCount = *d.CommentCount
			}
		}
		if c, ok := comments[id]; ok && c != nil {
			record.Comments = c
		} else if prevRecord, ok := prev[id]; ok && prevRecord.Comments != nil {
			record.Comments = prevRecord.Comments
		}
		doc.Records[id] = record
	}
	return nil
}

// waitUntil sleeps in bounded chunks until due, honoring cancellation.
func (o *Orchestrator) waitUntil(ctx context.Context, due time.Time) error {
	for {
		now := o.clock.Now()
		if !now.Before(due) {
			return nil
		}
		d := due.Sub(now)
		if d > o.cfg.RevisitWaitChunk {
			d = o.cfg.RevisitWaitChunk
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
