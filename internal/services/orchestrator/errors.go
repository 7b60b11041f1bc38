package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/amerfu/genmediator/internal/services/budget"
	"github.com/amerfu/genmediator/internal/services/providers"
	"github.com/amerfu/genmediator/internal/services/ratelimit"
)

// ErrorKind is a stable, user-presentable failure category.
type ErrorKind string

const (
	KindConfiguration  ErrorKind = "configuration"
	KindQuotaExceeded  ErrorKind = "quota_exceeded"
	KindRateExceeded   ErrorKind = "rate_exceeded"
	KindContentPolicy  ErrorKind = "content_policy"
	KindEmptyResponse  ErrorKind = "empty_response"
	KindTimeout        ErrorKind = "timeout"
	KindBudgetExceeded ErrorKind = "budget_exceeded"
	KindUnknown        ErrorKind = "unknown"
)

var kindMessages = map[ErrorKind]string{
	KindConfiguration:  "The generation service is not configured. Check the API key.",
	KindQuotaExceeded:  "The provider quota is exhausted. Try again later or raise the quota.",
	KindRateExceeded:   "Too many requests. Please wait a moment and try again.",
	KindContentPolicy:  "The request was blocked by the provider's content policy.",
	KindEmptyResponse:  "The provider returned no usable result.",
	KindTimeout:        "The request timed out.",
	KindBudgetExceeded: "The daily budget would be exceeded.",
	KindUnknown:        "Generation failed.",
}

// Error is what every Orchestrator operation returns on failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, orchestrator.ErrQuotaExceeded).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrConfiguration  = &Error{Kind: KindConfiguration, Message: kindMessages[KindConfiguration]}
	ErrQuotaExceeded  = &Error{Kind: KindQuotaExceeded, Message: kindMessages[KindQuotaExceeded]}
	ErrRateExceeded   = &Error{Kind: KindRateExceeded, Message: kindMessages[KindRateExceeded]}
	ErrContentPolicy  = &Error{Kind: KindContentPolicy, Message: kindMessages[KindContentPolicy]}
	ErrEmptyResponse  = &Error{Kind: KindEmptyResponse, Message: kindMessages[KindEmptyResponse]}
	ErrTimeout        = &Error{Kind: KindTimeout, Message: kindMessages[KindTimeout]}
	ErrBudgetExceeded = &Error{Kind: KindBudgetExceeded, Message: kindMessages[KindBudgetExceeded]}
	ErrUnknown        = &Error{Kind: KindUnknown, Message: kindMessages[KindUnknown]}
)

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Message: kindMessages[kind], Err: err}
}

// Patterns are checked in order; the first match wins. Status codes only
// match in the forms the SDKs print them ("Error 403:", "status code: 429").
var kindPatterns = []struct {
	kind     ErrorKind
	patterns []string
	codes    []int
}{
	{KindConfiguration, []string{"api key", "api_key", "apikey", "unauthenticated", "permission denied"}, []int{401, 403}},
	{KindQuotaExceeded, []string{"quota", "resource_exhausted", "resource exhausted", "billing"}, nil},
	{KindRateExceeded, []string{"rate limit", "rate_limit", "too many requests"}, []int{429}},
	{KindContentPolicy, []string{"safety", "blocked", "content policy", "content_policy", "content filter", "content_filter"}, nil},
	{KindTimeout, []string{"deadline exceeded", "timeout", "timed out"}, nil},
}

var statusCode = regexp.MustCompile(`\b(?:error|status code|status|http)[\s:]*(\d{3})\b`)

func statusCodes(msg string) map[int]bool {
	codes := make(map[int]bool)
	for _, m := range statusCode.FindAllStringSubmatch(msg, -1) {
		if code, err := strconv.Atoi(m[1]); err == nil {
			codes[code] = true
		}
	}
	return codes
}

// Classify maps any failure onto the error taxonomy.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}

	switch {
	case errors.Is(err, providers.ErrNotConfigured):
		return newError(KindConfiguration, err)
	case errors.Is(err, budget.ErrBudgetExceeded):
		return newError(KindBudgetExceeded, err)
	case errors.Is(err, ratelimit.ErrAcquireTimeout), errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, err)
	case errors.Is(err, ratelimit.ErrLimiterClosed), errors.Is(err, ratelimit.ErrLimiterReset):
		// The limiter was torn down or reset under the caller; not a rate condition.
		return newError(KindUnknown, err)
	case errors.Is(err, providers.ErrEmptyResponse):
		return newError(KindEmptyResponse, err)
	case errors.Is(err, providers.ErrContentBlocked):
		return newError(KindContentPolicy, err)
	}

	msg := strings.ToLower(err.Error())
	codes := statusCodes(msg)
	for _, kp := range kindPatterns {
		for _, p := range kp.patterns {
			if strings.Contains(msg, p) {
				return newError(kp.kind, err)
			}
		}
		for _, code := range kp.codes {
			if codes[code] {
				return newError(kp.kind, err)
			}
		}
	}
	return newError(KindUnknown, err)
}
