// Package scheduler decides when jobs run.
//
// Local fires jobs from their cron expressions in-process. Remote registers
// the same cron metadata with a coordinator and runs jobs only when the
// coordinator's event stream says so. Both hand executions to the engine
// worker pool and classify them with the runner.
package scheduler
