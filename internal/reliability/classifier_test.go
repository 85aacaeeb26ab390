package reliability

import (
	"testing"
	"time"
)

func TestExponentialBackoffSequence(t *testing.T) {
	base := 1000 * time.Millisecond
	cap := 10 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 1000 * time.Millisecond},
		{attempt: 1, want: 2000 * time.Millisecond},
		{attempt: 2, want: 4000 * time.Millisecond},
		{attempt: 3, want: 8000 * time.Millisecond},
		{attempt: 4, want: 10 * time.Second},
		{attempt: 20, want: 10 * time.Second},
	}
	for _, tc := range tests {
		got := ExponentialBackoff(tc.attempt, base, cap)
		if got != tc.want {
			t.Fatalf("ExponentialBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDetectSubscriptionIssueRateLimit(t *testing.T) {
	issue := DetectSubscriptionIssue("Error: 429 Too Many Requests, quota exceeded")
	if issue == nil {
		t.Fatalf("DetectSubscriptionIssue() = nil, want rate limit issue")
	}
	if issue.Kind != IssueRateLimit {
		t.Fatalf("issue.Kind = %q, want %q", issue.Kind, IssueRateLimit)
	}
	if len(issue.Recommendations) == 0 {
		t.Fatalf("issue has no recommendations")
	}
}

func TestDetectSubscriptionIssueAuth(t *testing.T) {
	issue := DetectSubscriptionIssue("fatal: you are not authenticated. please log in")
	if issue == nil {
		t.Fatalf("DetectSubscriptionIssue() = nil, want auth issue")
	}
	if issue.Kind != IssueAuth {
		t.Fatalf("issue.Kind = %q, want %q", issue.Kind, IssueAuth)
	}
}

func TestDetectSubscriptionIssueCleanOutput(t *testing.T) {
	if issue := DetectSubscriptionIssue("wrote 3 files, all tests passing"); issue != nil {
		t.Fatalf("DetectSubscriptionIssue() = %+v, want nil", issue)
	}
	if issue := DetectSubscriptionIssue(""); issue != nil {
		t.Fatalf("DetectSubscriptionIssue(empty) = %+v, want nil", issue)
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = false, want true", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404} {
		if IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = true, want false", code)
		}
	}
}
