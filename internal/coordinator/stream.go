package coordinator

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
)

// EventNewJobInstance is the only event type this worker understands.
const EventNewJobInstance = "NewJobInstance"

const maxLineSize = 1 << 20

// DispatchEvent tells the worker to run one job instance now.
type DispatchEvent struct {
	Type       string
	JobName    string
	InstanceID int64
}

type wireEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type wireInstance struct {
	JobName string `json:"job_name"`
	ID      int64  `json:"id"`
}

// EventStream reads newline-delimited JSON events. It is not restartable
// and not safe for concurrent Next calls.
type EventStream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
	err  error

	closeOnce sync.Once
}

func newEventStream(body io.ReadCloser) *EventStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &EventStream{body: body, sc: sc}
}

// Next blocks for the next event. It returns io.EOF when the server closes the
// stream and a *ProtocolError for anything it cannot understand. After any
// error the stream is finished and every later call returns the same error.
func (s *EventStream) Next() (DispatchEvent, error) {
	if s.err != nil {
		return DispatchEvent{}, s.err
	}
	ev, err := s.next()
	if err != nil {
		s.err = err
		_ = s.Close()
	}
	return ev, err
}

func (s *EventStream) next() (DispatchEvent, error) {
	for s.sc.Scan() {
		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		return decodeEvent(line)
	}
	if err := s.sc.Err(); err != nil {
		return DispatchEvent{}, errors.Wrap(err, "read event stream")
	}
	return DispatchEvent{}, io.EOF
}

func decodeEvent(line []byte) (DispatchEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return DispatchEvent{}, &ProtocolError{Line: string(line), Err: err}
	}
	if w.EventType != EventNewJobInstance {
		return DispatchEvent{}, &ProtocolError{EventType: w.EventType, Line: string(line)}
	}
	var inst wireInstance
	if len(w.Data) == 0 {
		return DispatchEvent{}, &ProtocolError{EventType: w.EventType, Line: string(line), Err: errors.New("missing data")}
	}
	if err := json.Unmarshal(w.Data, &inst); err != nil {
		return DispatchEvent{}, &ProtocolError{EventType: w.EventType, Line: string(line), Err: err}
	}
	if inst.JobName == "" {
		return DispatchEvent{}, &ProtocolError{EventType: w.EventType, Line: string(line), Err: errors.New("missing job_name")}
	}
	return DispatchEvent{Type: w.EventType, JobName: inst.JobName, InstanceID: inst.ID}, nil
}

// Close releases the connection. It is safe to call more than once.
func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}
