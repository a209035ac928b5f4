package job

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInvalidResultType is returned when a job's return value cannot be
// classified into a result code.
var ErrInvalidResultType = errors.New("invalid result type")

// Status is the classified outcome of one execution.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusUnhandled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusUnhandled:
		return "unhandled_exception"
	default:
		return "unknown"
	}
}

// UnhandledCode is the result code of a run that ended in an error or panic.
const UnhandledCode = -1

// ResultCoder is implemented by structured job results that carry a code.
type ResultCoder interface {
	ResultCode() int
}

// Result is the classified outcome of one execution.
type Result struct {
	JobName    string
	RunID      string
	InstanceID int64
	Status     Status
	Code       int
	Output     string
	Started    time.Time
	Duration   time.Duration
	// Err is the job failure for StatusUnhandled.
	Err error
	// NotifyErr is set when reporting Err to the error notifier failed.
	NotifyErr error
}

// OK reports whether the run finished with code 0.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Classify maps a job's return value to a result code.
func Classify(v any) (int, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case ResultCoder:
		return x.ResultCode(), nil
	case int:
		return x, nil
	case int8:
		return int(x), nil
	case int16:
		return int(x), nil
	case int32:
		return int(x), nil
	case int64:
		return int(x), nil
	case uint8:
		return int(x), nil
	case uint16:
		return int(x), nil
	case uint32:
		return fromUnsigned(uint64(x), v)
	case uint:
		return fromUnsigned(uint64(x), v)
	case uint64:
		return fromUnsigned(x, v)
	default:
		return 0, errors.Wrapf(ErrInvalidResultType, "cannot classify %T", v)
	}
}

func fromUnsigned(u uint64, v any) (int, error) {
	if u > math.MaxInt {
		return 0, errors.Wrapf(ErrInvalidResultType, "%T %d overflows int", v, u)
	}
	return int(u), nil
}

// StatusForCode maps a classified code to a status.
func StatusForCode(code int) Status {
	if code == 0 {
		return StatusSuccess
	}
	return StatusFailure
}
