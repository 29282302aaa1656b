package crawl

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrPoolExhausted signals that no credentials remain in the pool.
// It is distinct from a generic error so the orchestrator can unwind
// the whole pass instead of retrying locally.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// ErrNotFound signals that the requested entity does not exist upstream.
var ErrNotFound = errors.New("not found")

// APIClient bundles the platform services reachable with one credential.
type APIClient interface {
	// Search runs one page of a video search.
	Search(ctx context.Context, q SearchQuery) (SearchPage, error)
	// VideoLookup fetches basic info for up to one API page of ids.
	// The returned cost is the quota charged for the call.
	VideoLookup(ctx context.Context, ids []string) (map[string]VideoDetails, int, error)
	// ChannelLookup fetches channel attributes, or ErrNotFound.
	ChannelLookup(ctx context.Context, channelID string) (ChannelInfo, int, error)
	// CommentLookup fetches the top comment threads by relevance.
	CommentLookup(ctx context.Context, videoID string, max int64) ([]Comment, int, error)
}

// BlobSink writes artifacts to durable remote storage.
type BlobSink interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
