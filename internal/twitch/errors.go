package twitch

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when the retry budget for a request is exhausted.
var ErrTimeout = errors.New("request timed out")

// HTTPError is a non-retryable non-2xx response.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http request failed with code %d", e.Status)
}

// NotFoundError reports that a successful response did not contain the
// expected entity. Kind names the entity ("Game", "Video", ...), Query the
// lookup that missed.
type NotFoundError struct {
	Kind  string
	Query string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found for query %q", e.Kind, e.Query)
}

// DeserializeError reports a payload that did not match the expected shape.
type DeserializeError struct {
	Err error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("failed to deserialize response: %v", e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

// IsDataGap reports whether err is an expected upstream data gap (missing
// entity or unparsable payload) that callers degrade around with defaults
// instead of failing the whole transition.
func IsDataGap(err error) bool {
	var notFound *NotFoundError
	var deser *DeserializeError
	return errors.As(err, &notFound) || errors.As(err, &deser)
}

// rateLimitError is an internal retry trigger for 429 responses carrying the
// server-dictated wait.
type rateLimitError struct {
	wait int // seconds
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.wait)
}

// transportError marks connection-level failures as retryable.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }
