package coordinator

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// ProtocolError means the stream carried something this worker cannot
// handle. It aborts the stream.
type ProtocolError struct {
	EventType string
	JobName   string
	Line      string
	Err       error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.JobName != "":
		return fmt.Sprintf("protocol error: event for unknown job %q", e.JobName)
	case e.Err != nil && e.EventType == "":
		return fmt.Sprintf("protocol error: malformed event %q: %v", e.Line, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("protocol error: %s event: %v", e.EventType, e.Err)
	default:
		return fmt.Sprintf("protocol error: unexpected event_type %q", e.EventType)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err contains a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// RegistrationError is a failed worker or job registration.
type RegistrationError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RegistrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	msg := fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *RegistrationError) Unwrap() error { return e.Err }
