// Package youtube adapts the YouTube Data API v3 to the crawl
// collaborator interfaces. One Client wraps one API key; the
// credential pool builds clients through Factory as keys rotate.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/ilialebedev/metafetcher/internal/crawl"
	"github.com/ilialebedev/metafetcher/internal/policy/ratelimit"
	"github.com/ilialebedev/metafetcher/internal/textutil"
)

// Quota unit costs per endpoint, per the API pricing table.
const (
	costSearch = 100
	costList   = 1
)

// Client implements crawl.APIClient over one API key.
type Client struct {
	svc     *youtube.Service
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewFactory returns a credential-pool factory building API clients.
// The limiter is shared across keys: per-minute ceilings are enforced
// per project, not per key.
func NewFactory(limiter *ratelimit.Limiter, logger *zap.Logger) func(key string) (crawl.APIClient, error) {
	return func(key string) (crawl.APIClient, error) {
		svc, err := youtube.NewService(context.Background(), option.WithAPIKey(key))
		if err != nil {
			return nil, fmt.Errorf("build youtube service: %w", err)
		}
		return &Client{svc: svc, limiter: limiter, logger: logger}, nil
	}
}

// mapErr converts googleapi failures into classifiable crawl errors.
func mapErr(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		reason := ""
		if len(gerr.Errors) > 0 {
			reason = gerr.Errors[0].Reason
		}
		return fmt.Errorf("%s: %w", op, &crawl.APIError{
			StatusCode: gerr.Code,
			Reason:     reason,
			Message:    gerr.Message,
		})
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Search runs one page of a video search ordered newest-first.
// Cyrillic queries steer relevance language and region to ru/RU.
func (c *Client) Search(ctx context.Context, q crawl.SearchQuery) (crawl.SearchPage, error) {
	if err := c.limiter.Wait(ctx, "search"); err != nil {
		return crawl.SearchPage{}, err
	}

	lang, region := "en", "US"
	if textutil.IsCyrillic(q.Query) {
		lang, region = "ru", "RU"
	}

	call := c.svc.Search.List([]string{"id"}).
		Context(ctx).
		Q(q.Query).
		Type("video").
		Order("date").
		SafeSearch("none").
		RelevanceLanguage(lang).
		RegionCode(region).
		MaxResults(q.MaxResults)
	if !q.PublishedAfter.IsZero() {
		call = call.PublishedAfter(q.PublishedAfter.UTC().Format(time.RFC3339))
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return crawl.SearchPage{Cost: costSearch}, mapErr("search", err)
	}

	page := crawl.SearchPage{NextPageToken: resp.NextPageToken, Cost: costSearch}
	for _, item := range resp.Items {
		if item.Id != nil && item.Id.VideoId != "" {
			page.IDs = append(page.IDs, item.Id.VideoId)
		}
	}
	return page, nil
}

// VideoLookup fetches basic info for up to one API page of ids.
func (c *Client) VideoLookup(ctx context.Context, ids []string) (map[string]crawl.VideoDetails, int, error) {
	if len(ids) == 0 {
		return map[string]crawl.VideoDetails{}, 0, nil
	}
	if err := c.limiter.Wait(ctx, "videos"); err != nil {
		return nil, 0, err
	}

	resp, err := c.svc.Videos.List([]string{"snippet", "contentDetails", "statistics", "status"}).
		Context(ctx).
		Id(ids...).
		MaxResults(int64(len(ids))).
		Do()
	if err != nil {
		return nil, costList, mapErr("videos.list", err)
	}

	details := make(map[string]crawl.VideoDetails, len(resp.Items))
	for _, item := range resp.Items {
		details[item.Id] = videoDetails(item, c.logger)
	}
	return details, costList, nil
}

func videoDetails(item *youtube.Video, logger *zap.Logger) crawl.VideoDetails {
	d := crawl.VideoDetails{ID: item.Id}

	if sn := item.Snippet; sn != nil {
		d.Title = sn.Title
		d.Description = sn.Description
		d.Tags = sn.Tags
		d.ChannelID = sn.ChannelId
		d.ChannelTitle = sn.ChannelTitle
		d.Language = sn.DefaultAudioLanguage
		if d.Language == "" {
			d.Language = sn.DefaultLanguage
		}
		if t, err := time.Parse(time.RFC3339, sn.PublishedAt); err == nil {
			d.PublishedAt = t
		} else {
			logger.Warn("unparseable publish timestamp",
				zap.String("video_id", item.Id), zap.String("published_at", sn.PublishedAt))
		}
		if th := sn.Thumbnails; th != nil {
			switch {
			case th.High != nil:
				d.ThumbnailURL = th.High.Url
			case th.Medium != nil:
				d.ThumbnailURL = th.Medium.Url
			case th.Default != nil:
				d.ThumbnailURL = th.Default.Url
			}
		}
	}

	if st := item.Statistics; st != nil {
		view := int64(st.ViewCount)
		like := int64(st.LikeCount)
		comment := int64(st.CommentCount)
		d.ViewCount = &view
		d.LikeCount = &like
		d.CommentCount = &comment
	}

	if cd := item.ContentDetails; cd != nil {
		if secs, ok := textutil.ParseISODuration(cd.Duration); ok {
			d.DurationSeconds = &secs
		}
	}

	if item.Status != nil {
		d.MadeForKids = item.Status.MadeForKids
	}
	return d
}

// ChannelLookup fetches channel attributes, or crawl.ErrNotFound when
// the channel no longer exists.
func (c *Client) ChannelLookup(ctx context.Context, channelID string) (crawl.ChannelInfo, int, error) {
	if err := c.limiter.Wait(ctx, "channels"); err != nil {
		return crawl.ChannelInfo{}, 0, err
	}

	resp, err := c.svc.Channels.List([]string{"snippet", "statistics"}).
		Context(ctx).
		Id(channelID).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 404 {
			return crawl.ChannelInfo{}, costList, crawl.ErrNotFound
		}
		return crawl.ChannelInfo{}, costList, mapErr("channels.list", err)
	}
	if len(resp.Items) == 0 {
		return crawl.ChannelInfo{}, costList, crawl.ErrNotFound
	}

	item := resp.Items[0]
	info := crawl.ChannelInfo{}
	if item.Snippet != nil {
		info.Title = item.Snippet.Title
		info.Country = item.Snippet.Country
	}
	if st := item.Statistics; st != nil {
		if !st.HiddenSubscriberCount {
			subs := int64(st.SubscriberCount)
			info.SubscriberCount = &subs
		}
		videos := int64(st.VideoCount)
		views := int64(st.ViewCount)
		info.VideoCount = &videos
		info.ViewCount = &views
	}
	return info, costList, nil
}

// CommentLookup fetches the top comment threads by relevance.
// Videos with comments disabled surface a classifiable APIError.
func (c *Client) CommentLookup(ctx context.Context, videoID string, max int64) ([]crawl.Comment, int, error) {
	if err := c.limiter.Wait(ctx, "comments"); err != nil {
		return nil, 0, err
	}
	if max > 100 {
		max = 100
	}

	resp, err := c.svc.CommentThreads.List([]string{"snippet"}).
		Context(ctx).
		VideoId(videoID).
		Order("relevance").
		TextFormat("plainText").
		MaxResults(max).
		Do()
	if err != nil {
		return nil, costList, mapErr("commentThreads.list", err)
	}

	comments := make([]crawl.Comment, 0, len(resp.Items))
	for _, thread := range resp.Items {
		if thread.Snippet == nil || thread.Snippet.TopLevelComment == nil {
			continue
		}
		top := thread.Snippet.TopLevelComment.Snippet
		if top == nil {
			continue
		}
		comment := crawl.Comment{
			Text:       top.TextDisplay,
			LikeCount:  top.LikeCount,
			ReplyCount: thread.Snippet.TotalReplyCount,
			Author:     top.AuthorDisplayName,
		}
		if t, err := time.Parse(time.RFC3339, top.PublishedAt); err == nil {
			comment.PublishedAt = t
		}
		comments = append(comments, comment)
	}
	return comments, costList, nil
}
