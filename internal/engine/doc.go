// Package engine executes scheduled firings on a bounded worker pool.
//
// Firings are queued FIFO. A firing that waits longer than the misfire grace
// (Config.MaxQueueDelay) before a worker picks it up is dropped rather than
// run late. Per-name overlap gating is optional.
package engine
