package request

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBodyTooLarge is wrapped in a TransportError when a response exceeds the
// executor's body limit.
var ErrBodyTooLarge = errors.New("response body too large")

// HTTPError is returned for a non-2xx response once retries are exhausted or
// the status is not retryable.
type HTTPError struct {
	Status int
	Body   string
	URL    string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("request: %s failed (%d): %s", e.URL, e.Status, body)
}

// TransportError wraps a failure to obtain any response: DNS, connect,
// timeout or a cancelled context.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request: %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError reports a response body that is not the expected JSON.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("request: decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
