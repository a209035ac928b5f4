// Package metrics records scheduler activity. Sink methods are
// fire-and-forget and never block the caller.
package metrics

import "time"

// Drop reasons reported to Sink.RunDropped.
const (
	DropQueueFull = "queue_full"
	DropMisfire   = "misfire"
	DropOverlap   = "overlap"
	DropStopped   = "stopped"
)

// Sink receives scheduler, runner and coordinator events.
type Sink interface {
	RunCompleted(job, status string, d time.Duration)
	RunDropped(job, reason string)
	NotifyFailed(notifierType string)
	DispatchReceived(job string)
	DispatchDuplicate(job string)
	StreamReconnect()
	QueueDepth(n int)
}

// Noop discards everything.
type Noop struct{}

func (Noop) RunCompleted(string, string, time.Duration) {}
func (Noop) RunDropped(string, string)                  {}
func (Noop) NotifyFailed(string)                        {}
func (Noop) DispatchReceived(string)                    {}
func (Noop) DispatchDuplicate(string)                   {}
func (Noop) StreamReconnect()                           {}
func (Noop) QueueDepth(int)                             {}

// OrNoop returns s, or Noop when s is nil.
func OrNoop(s Sink) Sink {
	if s == nil {
		return Noop{}
	}
	return s
}
