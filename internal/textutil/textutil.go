// Package textutil provides text helpers for record normalization:
// ISO-8601 duration parsing, hashtag extraction, and query language
// detection.
package textutil

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	durationRe = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)
	tagRe      = regexp.MustCompile(`#[\pL\pN_-]+`)
	tagStripRe = regexp.MustCompile(`#[\pL\pN_-]+\s*`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// ParseISODuration converts an ISO-8601 duration like PT3M34S into
// seconds. Returns false for empty or malformed input.
func ParseISODuration(iso string) (int64, bool) {
	if iso == "" {
		return 0, false
	}
	m := durationRe.FindStringSubmatch(iso)
	if m == nil {
		return 0, false
	}
	var total int64
	for i, mult := range []int64{3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		v, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, false
		}
		total += v * mult
	}
	return total, true
}

// ExtractTags returns the unique hashtags found in text, lowercased
// and without the leading #.
func ExtractTags(text string) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var tags []string
	for _, match := range tagRe.FindAllString(text, -1) {
		tag := strings.ToLower(match[1:])
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

// MergeTags combines platform-provided tags (case preserved) with tags
// extracted from free text, skipping case-insensitive duplicates.
func MergeTags(existing []string, extracted ...[]string) []string {
	merged := make([]string, 0, len(existing))
	seen := make(map[string]struct{}, len(existing))
	for _, tag := range existing {
		merged = append(merged, tag)
		seen[strings.ToLower(tag)] = struct{}{}
	}
	for _, group := range extracted {
		for _, tag := range group {
			if _, ok := seen[strings.ToLower(tag)]; ok {
				continue
			}
			seen[strings.ToLower(tag)] = struct{}{}
			merged = append(merged, tag)
		}
	}
	return merged
}

// StripTags removes hashtags from text and collapses the leftover
// whitespace.
func StripTags(text string) string {
	if text == "" {
		return text
	}
	cleaned := tagStripRe.ReplaceAllString(text, "")
	cleaned = spaceRe.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

// IsCyrillic reports whether the query contains Cyrillic characters,
// which drives the search region and relevance-language parameters.
func IsCyrillic(query string) bool {
	for _, r := range query {
		if r >= 0x0400 && r <= 0x04FF {
			return true
		}
	}
	return false
}
