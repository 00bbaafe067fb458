package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestCategorizeOpenAIStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   Category
	}{
		{401, CategoryAuth},
		{403, CategoryPermission},
		{429, CategoryRateLimit},
		{408, CategoryTimeout},
		{504, CategoryTimeout},
		{500, CategoryConnection},
		{503, CategoryConnection},
	}

	for _, tc := range cases {
		err := &openai.APIError{HTTPStatusCode: tc.status, Message: "upstream says no"}
		got := Categorize(err)
		if got.Category != tc.want {
			t.Errorf("status %d: category = %q, want %q", tc.status, got.Category, tc.want)
		}
	}
}

func TestCategorizeWrappedSDKError(t *testing.T) {
	inner := &openai.APIError{HTTPStatusCode: 429}
	err := fmt.Errorf("chat completion failed: %w", inner)

	got := Categorize(err)
	if got.Category != CategoryRateLimit {
		t.Errorf("category = %q, want %q", got.Category, CategoryRateLimit)
	}
	var apiErr *openai.APIError
	if !errors.As(error(got), &apiErr) {
		t.Error("categorized error should preserve the SDK error in its chain")
	}
}

func TestCategorizeContextDeadline(t *testing.T) {
	err := fmt.Errorf("request: %w", context.DeadlineExceeded)
	if got := Categorize(err); got.Category != CategoryTimeout {
		t.Errorf("category = %q, want %q", got.Category, CategoryTimeout)
	}
}

func TestCategorizeMessageSniffing(t *testing.T) {
	cases := []struct {
		msg  string
		want Category
	}{
		{"Incorrect API key provided", CategoryAuth},
		{"401 Unauthorized", CategoryAuth},
		{"You exceeded your current quota", CategoryRateLimit},
		{"Rate limit reached for gpt-4o", CategoryRateLimit},
		{"dial tcp 203.0.113.1:443: i/o timeout", CategoryConnection},
		{"no such host", CategoryConnection},
		{"permission denied for model", CategoryPermission},
		{"request timed out", CategoryTimeout},
		{"the tokenizer exploded", CategoryUnknown},
	}

	for _, tc := range cases {
		got := Categorize(errors.New(tc.msg))
		if got.Category != tc.want {
			t.Errorf("%q: category = %q, want %q", tc.msg, got.Category, tc.want)
		}
	}
}

func TestCategorizeNil(t *testing.T) {
	if got := Categorize(nil); got != nil {
		t.Errorf("Categorize(nil) = %v, want nil", got)
	}
}

func TestCategorizeIdempotent(t *testing.T) {
	orig := &Error{Category: CategoryAuth, Message: "bad key"}
	wrapped := fmt.Errorf("turn failed: %w", orig)

	got := Categorize(wrapped)
	if got != orig {
		t.Error("expected the existing *Error to be returned unchanged")
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	cerr := Categorize(fmt.Errorf("outer: %w", inner))

	if !errors.Is(cerr, inner) {
		t.Error("expected Unwrap chain to reach the original error")
	}
}

func TestHumanizeNeverEmptyAndNeverRaw(t *testing.T) {
	raw := errors.New("Incorrect API key provided: sk-proj-abc123")
	msg := Humanize(raw)

	if msg == "" {
		t.Fatal("expected a non-empty message")
	}
	if strings.Contains(msg, "sk-proj-abc123") {
		t.Errorf("humanized message leaked raw detail: %q", msg)
	}
}

func TestHumanizeUnknownNamesErrorType(t *testing.T) {
	msg := Humanize(errors.New("the tokenizer exploded"))
	if !strings.Contains(msg, "Unexpected error") {
		t.Errorf("unknown category message = %q, want an 'Unexpected error' prefix", msg)
	}
}

func TestCategoryHTTPStatus(t *testing.T) {
	cases := []struct {
		category Category
		want     int
	}{
		{CategoryAuth, 401},
		{CategoryPermission, 403},
		{CategoryRateLimit, 429},
		{CategoryTimeout, 504},
		{CategoryConnection, 502},
		{CategoryUnknown, 500},
	}

	for _, tc := range cases {
		if got := tc.category.HTTPStatus(); got != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.category, got, tc.want)
		}
	}
}
