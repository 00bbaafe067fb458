// Error classification for model API failures.
//
// Information Hiding:
// - Which SDK error types map to which category
// - Status-code and message-substring heuristics
// - The wording shown to end users

package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// Category is a coarse classification of a model API failure, used to pick
// the message shown to the user and the HTTP status returned to clients.
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryRateLimit  Category = "rate_limit"
	CategoryPermission Category = "permission"
	CategoryTimeout    Category = "timeout"
	CategoryConnection Category = "connection"
	CategoryUnknown    Category = "unknown"
)

// HTTPStatus maps the category to the status code served to HTTP clients.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryAuth:
		return 401
	case CategoryPermission:
		return 403
	case CategoryRateLimit:
		return 429
	case CategoryTimeout:
		return 504
	case CategoryConnection:
		return 502
	default:
		return 500
	}
}

// Error is a model API failure with a category and a message safe to show
// to end users. The underlying SDK error is preserved for logs.
type Error struct {
	Category Category
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Message-substring indicators per category, checked in order. Providers
// not covered by a typed SDK error (DeepSeek via the OpenAI wire format,
// Gemini) still classify through these.
var indicators = []struct {
	category Category
	needles  []string
}{
	{CategoryAuth, []string{"api key", "api_key", "unauthorized", "authentication", "invalid x-api-key", "401"}},
	{CategoryRateLimit, []string{"rate limit", "rate-limit", "ratelimit", "too many requests", "quota", "429", "overloaded"}},
	{CategoryConnection, []string{"connection", "no such host", "dial tcp", "connrefused", "network is unreachable", "eof"}},
	{CategoryPermission, []string{"permission", "forbidden", "access denied", "403"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded", "504"}},
}

// Categorize inspects err and returns a typed *Error. SDK error types are
// checked first, then transport errors, then message sniffing. A nil err
// returns nil; an err that is already a *Error is returned unchanged.
func Categorize(err error) *Error {
	if err == nil {
		return nil
	}

	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}

	category := classify(err)
	return &Error{
		Category: category,
		Message:  messageFor(category, err),
		Err:      err,
	}
}

// Humanize returns a short human-readable message for err, never raw SDK
// detail. Safe to print directly to a terminal or API response.
func Humanize(err error) string {
	if err == nil {
		return ""
	}
	return Categorize(err).Message
}

func classify(err error) Category {
	// Typed SDK errors carry the HTTP status of the failed call.
	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) {
		return fromStatus(openaiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fromStatus(reqErr.HTTPStatusCode)
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return fromStatus(anthropicErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryConnection
	}

	msg := strings.ToLower(err.Error())
	for _, ind := range indicators {
		for _, needle := range ind.needles {
			if strings.Contains(msg, needle) {
				return ind.category
			}
		}
	}

	return CategoryUnknown
}

func fromStatus(code int) Category {
	switch {
	case code == 401:
		return CategoryAuth
	case code == 403:
		return CategoryPermission
	case code == 429:
		return CategoryRateLimit
	case code == 408 || code == 504:
		return CategoryTimeout
	case code >= 500:
		return CategoryConnection
	default:
		return CategoryUnknown
	}
}

func messageFor(category Category, err error) string {
	switch category {
	case CategoryAuth:
		return "The model API rejected the configured credentials. Check that your API key is valid and has credit."
	case CategoryRateLimit:
		return "The model API rate limit was hit. Wait a moment and try again."
	case CategoryPermission:
		return "The configured API key does not have permission for this model or resource."
	case CategoryTimeout:
		return "The model API took too long to respond. Try again, or with a shorter message."
	case CategoryConnection:
		return "Could not reach the model API. Check your network connection and try again."
	default:
		return fmt.Sprintf("Unexpected error (%T): %v", rootCause(err), err)
	}
}

// rootCause follows the Unwrap chain to the innermost error.
func rootCause(err error) error {
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			return err
		}
		err = inner
	}
}
