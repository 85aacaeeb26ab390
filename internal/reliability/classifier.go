package reliability

import (
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
// Attempt 0 yields base, attempt 1 yields 2*base, and so on.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// IssueKind classifies advisory conditions found in supervised CLI output.
type IssueKind string

const (
	IssueRateLimit IssueKind = "rate_limit"
	IssueAuth      IssueKind = "auth"
)

// Issue is an advisory warning extracted from process output. It signals
// degraded service, not a hard failure.
type Issue struct {
	Kind            IssueKind
	Title           string
	Message         string
	Recommendations []string
}

var rateLimitPhrases = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"quota exceeded",
	"usage limit",
	"resource_exhausted",
	"overloaded",
}

var authPhrases = []string{
	"not authenticated",
	"unauthenticated",
	"unauthorized",
	"invalid api key",
	"api key not found",
	"please log in",
	"login required",
	"authentication_error",
	"credit balance",
	"subscription expired",
}

// DetectSubscriptionIssue scans CLI stderr text for rate-limit/quota and
// authentication phrases. Returns nil when the text looks healthy.
func DetectSubscriptionIssue(text string) *Issue {
	lowered := strings.ToLower(text)
	if lowered == "" {
		return nil
	}

	for _, phrase := range rateLimitPhrases {
		if strings.Contains(lowered, phrase) {
			return &Issue{
				Kind:    IssueRateLimit,
				Title:   "Rate limit reached",
				Message: "The agent CLI reported a rate or usage limit.",
				Recommendations: []string{
					"Wait for the limit window to reset before retrying.",
					"Reduce concurrent execution sessions.",
					"Check your subscription plan's usage quota.",
				},
			}
		}
	}

	for _, phrase := range authPhrases {
		if strings.Contains(lowered, phrase) {
			return &Issue{
				Kind:    IssueAuth,
				Title:   "Authentication problem",
				Message: "The agent CLI reported an authentication or subscription problem.",
				Recommendations: []string{
					"Run the agent CLI login flow on this host.",
					"Verify the configured API key or subscription is active.",
				},
			}
		}
	}
	return nil
}
