// Package cache implements a bounded LRU cache whose entries expire after an
// idle timeout.
//
// The structure is a map for O(1) lookup plus a doubly-linked list holding
// recency order (front = most recently used). Every entry owns exactly one
// pending expiry timer on an injected Scheduler; touching an entry cancels
// that timer and arms a fresh one for the full timeout.
//
// A Cache holds no lock. All calls, including the expiry callbacks delivered
// by the scheduler, must happen on one goroutine: use the cache from tasks
// run on a scheduler.Loop.
package cache
