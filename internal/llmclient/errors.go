package llmclient

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// FailureClass categorizes an LLM backend error for retry-policy purposes.
// Grounded on internal/agent/providers/errors.go's FailoverReason taxonomy
// (FailoverRateLimit, FailoverAuth, FailoverTimeout, FailoverServerError,
// FailoverInvalidRequest, ...), narrowed from that file's multi-provider
// failover concern to the single-backend retry/fail-fast split spec.md
// section 7 names directly.
type FailureClass string

const (
	ClassBadRequest FailureClass = "bad_request"
	ClassAuth       FailureClass = "auth"
	ClassNotFound   FailureClass = "not_found"
	ClassRateLimit  FailureClass = "rate_limit"
	ClassTimeout    FailureClass = "timeout"
	ClassConnection FailureClass = "connection"
	ClassServerErr  FailureClass = "server_error"
	ClassJSONDecode FailureClass = "json_decode_error"
	ClassCancelled  FailureClass = "cancelled"
	ClassUnknown    FailureClass = "unknown"
)

// Retryable reports whether the retry loop should attempt another call for
// this class. BadRequest/Auth/NotFound fail fast; cancellation propagates
// without retry (checked separately by the caller via ctx.Err()).
func (c FailureClass) Retryable() bool {
	switch c {
	case ClassRateLimit, ClassTimeout, ClassConnection, ClassServerErr, ClassJSONDecode:
		return true
	default:
		return false
	}
}

// ClassifyError inspects err — a context error, a go-openai API/request
// error, or an arbitrary wrapped error — and assigns it a FailureClass.
func ClassifyError(err error) FailureClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatusCode(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatusCode(reqErr.HTTPStatusCode)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "json"):
		return ClassJSONDecode
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ClassTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "reset") || strings.Contains(msg, "eof"):
		return ClassConnection
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "auth"):
		return ClassAuth
	default:
		return ClassUnknown
	}
}

func classifyStatusCode(status int) FailureClass {
	switch status {
	case 400:
		return ClassBadRequest
	case 401, 403:
		return ClassAuth
	case 404:
		return ClassNotFound
	case 408:
		return ClassTimeout
	case 429:
		return ClassRateLimit
	}
	if status >= 500 {
		return ClassServerErr
	}
	return ClassUnknown
}
