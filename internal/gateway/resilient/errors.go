package resilient

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted is matched by every error returned after the attempt bound
var ErrRetriesExhausted = errors.New("resilient: retries exhausted")

// ExhaustedError reports that no attempt succeeded within MaxRetries. It unwraps
// to ErrRetriesExhausted and to the cause of the last attempt, so
// errors.Is(err, keypool.ErrNoCredential) identifies an exhausted pool.
type ExhaustedError struct {
	Pool     string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s: all %d attempts failed", e.Pool, e.Attempts)
	}
	return fmt.Sprintf("%s: all %d attempts failed: %v", e.Pool, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrRetriesExhausted}
	}
	return []error{ErrRetriesExhausted, e.Last}
}
