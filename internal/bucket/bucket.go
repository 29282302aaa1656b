// Package bucket classifies record age into fixed publish-age buckets
// and tracks per-bucket fill quotas.
package bucket

import (
	"fmt"
	"time"
)

// Bucket labels ordered youngest to oldest.
const (
	Less1Day     = "less-1day"
	Day1Week1    = "1day-1week"
	Week1Month1  = "1week-1month"
	Month1Month3 = "1month-3month"
	Month3Month6 = "3month-6month"
	Month6Year1  = "6month-1year"
	Year1Year3   = "1year-3year"
	Year3More    = "3year-more"
)

// Labels is the canonical bucket order.
var Labels = []string{
	Less1Day,
	Day1Week1,
	Week1Month1,
	Month1Month3,
	Month3Month6,
	Month6Year1,
	Year1Year3,
	Year3More,
}

// Upper age bound in days for each bucket except the unbounded last.
var dayThresholds = []int{1, 7, 30, 90, 180, 365, 1095}

// lowerBoundDays is how far back each bucket's oldest record can lie,
// used to derive published-after cursors. The last bucket is bounded
// at twenty years for search purposes.
var lowerBoundDays = []int{1, 7, 30, 90, 180, 365, 1095, 7300}

// Targets maps bucket label to the number of records a category needs
// in that bucket.
type Targets map[string]int

// Total returns the sum of all bucket targets.
func (t Targets) Total() int {
	n := 0
	for _, v := range t {
		n += v
	}
	return n
}

// Validate checks that every configured label is a known bucket.
func (t Targets) Validate() error {
	for label := range t {
		if indexOf(label) < 0 {
			return fmt.Errorf("unknown bucket label %q", label)
		}
	}
	return nil
}

// For returns the bucket for a publish timestamp: the first threshold
// the age is still strictly less than, smallest bucket winning.
func For(publishedAt, now time.Time) string {
	age := now.Sub(publishedAt)
	for i, days := range dayThresholds {
		if age < time.Duration(days)*24*time.Hour {
			return Labels[i]
		}
	}
	return Year3More
}

// Missing returns the per-bucket shortfall given current fill counts.
// Buckets at or above target report zero.
func Missing(targets Targets, counts map[string]int) map[string]int {
	missing := make(map[string]int, len(targets))
	for _, label := range Labels {
		target, ok := targets[label]
		if !ok {
			continue
		}
		remaining := target - counts[label]
		if remaining < 0 {
			remaining = 0
		}
		missing[label] = remaining
	}
	return missing
}

// Remaining returns the total shortfall across all buckets.
func Remaining(targets Targets, counts map[string]int) int {
	n := 0
	for _, remaining := range Missing(targets, counts) {
		n += remaining
	}
	return n
}

// PublishedAfter derives the search cursor from bucket shortfalls:
// the lower time bound of the oldest bucket still in need, so search
// focuses where the remaining gap is largest. With no shortfalls the
// oldest configured bucket's bound is returned.
func PublishedAfter(targets Targets, counts map[string]int, now time.Time) time.Time {
	missing := Missing(targets, counts)
	var label string
	for i := len(Labels) - 1; i >= 0; i-- {
		if missing[Labels[i]] > 0 {
			label = Labels[i]
			break
		}
	}
	if label == "" {
		for i := len(Labels) - 1; i >= 0; i-- {
			if _, ok := targets[Labels[i]]; ok {
				label = Labels[i]
				break
			}
		}
	}
	if label == "" {
		label = Year3More
	}
	return StartTime(label, now)
}

// StartTime returns the lower time bound of a bucket: the publish time
// of the oldest record that still belongs to it.
func StartTime(label string, now time.Time) time.Time {
	i := indexOf(label)
	if i < 0 {
		i = len(Labels) - 1
	}
	return now.Add(-time.Duration(lowerBoundDays[i]) * 24 * time.Hour)
}

func indexOf(label string) int {
	for i, l := range Labels {
		if l == label {
			return i
		}
	}
	return -1
}
