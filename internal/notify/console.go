package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Console writes failures to the process error stream.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Notify(_ context.Context, failure error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, "schd: job failure: %v\n", failure); err != nil {
		return notificationFailed(TypeConsole, err)
	}
	return nil
}
