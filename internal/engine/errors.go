package engine

import "github.com/cockroachdb/errors"

var (
	ErrStopped     = errors.New("engine stopped")
	ErrStopping    = errors.New("engine stopping")
	ErrQueueFull   = errors.New("engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrAbandoned   = errors.New("shutdown grace exceeded; in-flight tasks abandoned")
)
