package tail

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/api/googleapi"
)

// FetchError reports a failure talking to the message source. Transient
// errors are retried inside the pager; only exhausted retries or permanent
// failures surface to the poll loop, which aborts the cycle without
// advancing the checkpoint.
type FetchError struct {
	Transient bool
	Attempts  int
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("%s fetch error after %d attempts: %v", kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s fetch error: %v", kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SinkError reports a failed write of an output record. Fatal for the
// cycle: records emitted before the failure stay emitted, but the
// checkpoint is not advanced past anything unconfirmed.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string { return fmt.Sprintf("write output record: %v", e.Err) }

func (e *SinkError) Unwrap() error { return e.Err }

// classifyFetch decides retry vs abort. Rate limiting and server-side
// failures are worth retrying; auth and bad-query rejections are not, and
// neither is our own cancellation.
func classifyFetch(err error) *FetchError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Transient: false, Err: err}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		transient := apiErr.Code == 429 || apiErr.Code == 408 || apiErr.Code >= 500
		return &FetchError{Transient: transient, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &FetchError{Transient: true, Err: err}
	}
	// plain transport errors (connection reset, unexpected EOF) arrive
	// untyped; treat them as retryable
	return &FetchError{Transient: true, Err: err}
}
