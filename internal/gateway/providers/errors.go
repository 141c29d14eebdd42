package providers

import (
	"fmt"
	"io"
	"strings"
)

const maxErrorBody = 512

// StatusError is returned when the provider answers with a non-200 status
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// QuotaExhausted reports whether a 429 body describes a daily quota rather than
// a short-term rate limit
func (e *StatusError) QuotaExhausted() bool {
	body := strings.ToLower(e.Body)
	return strings.Contains(body, "perday") ||
		strings.Contains(body, "per day") ||
		strings.Contains(body, "daily quota") ||
		strings.Contains(body, "insufficient_quota")
}

// ParseError means the provider answered 200 but the payload did not have the
// expected shape. It is never the credential's fault.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to parse response: %s: %v", e.Reason, e.Err)
	}
	return "failed to parse response: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// readSnippet reads at most maxErrorBody bytes for error reporting
func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
