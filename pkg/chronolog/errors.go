package chronolog

import "errors"

var (
	// ErrNoSigningKey means the signer was constructed without a key.
	// Fatal for Append and Initialize; Verify reports false instead.
	ErrNoSigningKey = errors.New("no signing key configured")

	// ErrStorage wraps failures to open, write or flush the log file.
	ErrStorage = errors.New("chronolog storage failure")

	// ErrBusUnavailable means the message broker could not be reached at
	// subscribe time. Capture is skipped; direct logging keeps working.
	ErrBusUnavailable = errors.New("event bus unavailable")

	// ErrInvalidPayload means an event payload contains a value outside
	// the JSON-compatible kinds accepted by the log.
	ErrInvalidPayload = errors.New("payload value is not JSON-compatible")

	// ErrLogClosed means an operation was attempted on a closed log.
	ErrLogClosed = errors.New("chronolog is closed")
)

func isBusUnavailable(err error) bool {
	return errors.Is(err, ErrBusUnavailable)
}
