// Package crawl defines core types shared across subsystems.
package crawl

import (
	"fmt"
	"time"
)

// Comment is one top-level comment thread entry kept on a record.
type Comment struct {
	Text        string    `json:"text"`
	LikeCount   int64     `json:"like_count"`
	ReplyCount  int64     `json:"reply_count"`
	Author      string    `json:"author"`
	PublishedAt time.Time `json:"published_at"`
}

// ChannelInfo holds channel-level attributes attached to each record.
// Counter fields are nil when the platform withholds them.
type ChannelInfo struct {
	Title           string `json:"title"`
	SubscriberCount *int64 `json:"subscriber_count"`
	VideoCount      *int64 `json:"video_count"`
	ViewCount       *int64 `json:"view_count"`
	Country         string `json:"country"`
}

// VideoDetails is the raw per-video result of a basic-info lookup,
// before filtering and enrichment.
type VideoDetails struct {
	ID              string
	Title           string
	Description     string
	Tags            []string
	ChannelID       string
	ChannelTitle    string
	Language        string
	PublishedAt     time.Time
	ViewCount       *int64
	LikeCount       *int64
	CommentCount    *int64
	DurationSeconds *int64
	MadeForKids     bool
	ThumbnailURL    string
}

// Record is a fully enriched, persisted video record. Records written
// during temporal revisits carry only the volatile fields; the text
// fields stay empty and are kept on the original harvest record.
type Record struct {
	Title             string    `json:"title,omitempty"`
	Description       string    `json:"description,omitempty"`
	Tags              []string  `json:"tags,omitempty"`
	Language          string    `json:"language,omitempty"`
	ViewCount         int64     `json:"view_count"`
	LikeCount         int64     `json:"like_count"`
	CommentCount      int64     `json:"comment_count"`
	MadeForKids       bool      `json:"made_for_kids,omitempty"`
	ThumbnailURL      string    `json:"thumbnail_url,omitempty"`
	DurationSeconds   int64     `json:"duration_seconds,omitempty"`
	PublishedAt       time.Time `json:"published_at,omitzero"`
	ChannelTitle      string    `json:"channel_title,omitempty"`
	SubscriberCount   *int64    `json:"subscriber_count,omitempty"`
	ChannelVideoCount *int64    `json:"channel_video_count,omitempty"`
	ChannelViewCount  *int64    `json:"channel_view_count,omitempty"`
	Country           string    `json:"country,omitempty"`
	Comments          []Comment `json:"comments"`
}

// CategoryDoc is the persisted container for one harvest category.
type CategoryDoc struct {
	Buckets     map[string]map[string]Record `json:"buckets"`
	UsedQueries []string                     `json:"used_queries"`
	Completed   bool                         `json:"completed"`
}

// NewCategoryDoc returns an empty container with every bucket present.
func NewCategoryDoc(labels []string) *CategoryDoc {
	buckets := make(map[string]map[string]Record, len(labels))
	for _, label := range labels {
		buckets[label] = make(map[string]Record)
	}
	return &CategoryDoc{Buckets: buckets, UsedQueries: []string{}}
}

// HasQuery reports whether a search query was already exhausted for
// this category.
func (d *CategoryDoc) HasQuery(query string) bool {
	for _, q := range d.UsedQueries {
		if q == query {
			return true
		}
	}
	return false
}

// AppendQuery records a query as exhausted, once.
func (d *CategoryDoc) AppendQuery(query string) {
	if !d.HasQuery(query) {
		d.UsedQueries = append(d.UsedQueries, query)
	}
}

// Count returns the total number of records across all buckets.
func (d *CategoryDoc) Count() int {
	n := 0
	for _, bucket := range d.Buckets {
		n += len(bucket)
	}
	return n
}

// RevisitDoc is the persisted container for one revisit timestamp:
// a flat id-to-record map, no bucket dimension.
type RevisitDoc struct {
	Records   map[string]Record `json:"records"`
	Completed bool              `json:"completed"`
}

// SearchQuery parameterizes one paginated search call.
type SearchQuery struct {
	Query          string
	PublishedAfter time.Time
	MaxResults     int64
	PageToken      string
}

// SearchPage is one page of search results plus its quota cost.
type SearchPage struct {
	IDs           []string
	NextPageToken string
	Cost          int
}

// Outcome is the typed result of a crawl pass, returned up the call
// chain instead of signalling phase transitions through panics.
type Outcome int

// Pass outcomes consumed by the top-level driver.
const (
	// OutcomePass means the current harvest or revisit generation
	// finished without error.
	OutcomePass Outcome = iota
	// OutcomeQuota means every credential is exhausted; the driver
	// must wait for the quota reset and retry the same generation.
	OutcomeQuota
	// OutcomeGlobal means the maximum snapshot generation count has
	// been reached and the whole crawl is complete.
	OutcomeGlobal
)

func (o Outcome) String() string {
	switch o {
	case OutcomePass:
		return "pass-complete"
	case OutcomeQuota:
		return "quota-exhausted"
	case OutcomeGlobal:
		return "globally-complete"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// APIError is the classifiable failure surfaced by API collaborators.
// Reason carries the structured machine-readable code when the upstream
// payload populated it; Message is the free-text fallback.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("api error: status %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}
