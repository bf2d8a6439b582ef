package service

import (
	"fmt"
	"regexp"
	"strconv"
)

// LLMError classifies a raw provider error by HTTP status so the agent
// core can decide whether a retry is worthwhile.
type LLMError struct {
	StatusCode int
	Message    string
	Provider   string
	Model      string
	cause      error
}

func (e *LLMError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s/%s] %d: %s", e.Provider, e.Model, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Provider, e.Model, e.Message)
}

func (e *LLMError) Unwrap() error { return e.cause }

// IsRetryable reports whether the error is transient: rate limits,
// timeouts, and server-side failures are; client errors (bad request,
// auth, not found) are not.
func (e *LLMError) IsRetryable() bool {
	switch {
	case e.StatusCode == 429:
		return true
	case e.StatusCode >= 500 && e.StatusCode < 600:
		return true
	case e.StatusCode == 0:
		// No status code parsed out of the error — likely a network/timeout
		// failure rather than a rejection, so give it a retry.
		return true
	default:
		return false
	}
}

var statusCodePattern = regexp.MustCompile(`(?:status|code|error)\s*[: ]\s*(\d{3})`)

// ClassifyError wraps a raw provider error, extracting an HTTP status code
// from its message when the provider formats one (the convention every
// adapter in infrastructure/llm follows: "API error %d: %s").
func ClassifyError(err error, provider, model string) *LLMError {
	if err == nil {
		return nil
	}
	if le, ok := err.(*LLMError); ok {
		return le
	}

	msg := err.Error()
	statusCode := 0
	if m := statusCodePattern.FindStringSubmatch(msg); len(m) == 2 {
		if code, parseErr := strconv.Atoi(m[1]); parseErr == nil {
			statusCode = code
		}
	}

	return &LLMError{
		StatusCode: statusCode,
		Message:    msg,
		Provider:   provider,
		Model:      model,
		cause:      err,
	}
}
