// Package storage keeps dispatch dedup keys so a redelivered job instance
// is run once per dedup window, across restarts when backed by SQLite.
//
// It never stores job history.
package storage
