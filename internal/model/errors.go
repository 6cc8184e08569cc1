package model

import "fmt"

// TransientFetchError marks a fetch failure worth retrying: network
// errors, timeouts, HTTP >= 500.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError marks a malformed response that retrying will not fix.
type PermanentFetchError struct {
	Op  string
	Err error
}

func (e *PermanentFetchError) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// RateLimitError signals HTTP 429 or an in-band rate-limit indication.
// Callers sleep and retry; it never counts as a reconnect.
type RateLimitError struct {
	Op         string
	RetryAfter int // seconds, 0 if unknown
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited (retry after %ds)", e.Op, e.RetryAfter)
}
