// Package classify maps upstream API and downloader failures into the
// error taxonomy the orchestrator acts on.
package classify

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ilialebedev/metafetcher/internal/crawl"
)

// Kind is the classification of one remote API failure.
type Kind int

// Failure kinds, in rough order of severity.
const (
	// KindUnrelated is any failure not tied to the credential or the
	// requested entity; it is retryable within the local budget.
	KindUnrelated Kind = iota
	// KindNotFound means the requested entity does not exist.
	KindNotFound
	// KindPermanentlyDisabled means the entity exists but the feature
	// is off for it (comments disabled); never retried.
	KindPermanentlyDisabled
	// KindCredentialExhausted means the credential has no remaining
	// budget (quota, rate limit, suspension, API not enabled) and the
	// pool must rotate.
	KindCredentialExhausted
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindPermanentlyDisabled:
		return "permanently-disabled"
	case KindCredentialExhausted:
		return "credential-exhausted"
	default:
		return "unrelated"
	}
}

// Structured reason codes checked before any free-text matching.
// Upstream error payloads populate these inconsistently, hence the
// two-tier check.
var (
	quotaReasons     = []string{"quotaexceeded", "dailylimitexceeded", "userratelimitexceeded", "ratelimitexceeded"}
	accessReasons    = []string{"accessnotconfigured", "forbidden"}
	suspendedReasons = []string{"suspended", "accountdisabled"}
)

// Classify maps an HTTP-like status, a structured reason code, and a
// free-text message into a Kind. The structured reason wins when
// present; substring heuristics on the message apply only as fallback.
func Classify(status int, reason, message string) Kind {
	reason = strings.ToLower(strings.TrimSpace(reason))
	lower := strings.ToLower(message)

	if status == http.StatusNotFound {
		return KindNotFound
	}
	if status == http.StatusForbidden && reason == "commentsdisabled" {
		return KindPermanentlyDisabled
	}
	if status == http.StatusTooManyRequests {
		return KindCredentialExhausted
	}

	if status == http.StatusForbidden {
		if matchReason(reason, quotaReasons) || matchReason(reason, accessReasons) {
			return KindCredentialExhausted
		}
	}
	if matchReason(reason, suspendedReasons) {
		return KindCredentialExhausted
	}
	if reason != "" {
		return KindUnrelated
	}

	// No structured reason: fall back to message text.
	if status == http.StatusForbidden && (strings.Contains(lower, "quota") || strings.Contains(lower, "exceeded")) {
		return KindCredentialExhausted
	}
	if status == http.StatusForbidden &&
		(strings.Contains(lower, "has not been used") ||
			strings.Contains(lower, "is disabled") ||
			strings.Contains(lower, "accessnotconfigured")) {
		return KindCredentialExhausted
	}
	if strings.Contains(lower, "suspended") {
		return KindCredentialExhausted
	}
	return KindUnrelated
}

func matchReason(reason string, set []string) bool {
	for _, r := range set {
		if reason == r {
			return true
		}
	}
	return false
}

// ClassifyError unwraps an API collaborator error and classifies it.
// Non-API errors are KindUnrelated.
func ClassifyError(err error) Kind {
	var apiErr *crawl.APIError
	if errors.As(err, &apiErr) {
		return Classify(apiErr.StatusCode, apiErr.Reason, apiErr.Message)
	}
	return KindUnrelated
}

// DownloadKind classifies a video-download subprocess failure.
type DownloadKind int

// Download failure kinds driving cookie rotation.
const (
	DownloadOther DownloadKind = iota
	DownloadBlocked
	DownloadTimeout
)

func (k DownloadKind) String() string {
	switch k {
	case DownloadBlocked:
		return "blocked"
	case DownloadTimeout:
		return "timeout"
	default:
		return "other"
	}
}

var blockIndicators = []string{
	"429",
	"403",
	"blocked",
	"rate limit",
	"too many requests",
	"unable to extract",
	"sign in to confirm",
	"http error",
	"unable to download",
	"extractor error",
	"failed to resolve",
	"nodename nor servname provided",
}

var timeoutIndicators = []string{
	"timed out",
	"timeout",
	"connection timed out",
	"socket timeout",
}

// ClassifyDownload inspects downloader tool output. Timeout wins over
// blocked so the caller can distinguish slow hosts from hard blocks.
func ClassifyDownload(output string) DownloadKind {
	lower := strings.ToLower(output)
	for _, indicator := range timeoutIndicators {
		if strings.Contains(lower, indicator) {
			return DownloadTimeout
		}
	}
	for _, indicator := range blockIndicators {
		if strings.Contains(lower, indicator) {
			return DownloadBlocked
		}
	}
	return DownloadOther
}
