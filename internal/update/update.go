// Package update implements the Update Feed (spec.md section 4.8): a
// bounded, monotonically-numbered buffer of client-facing update records
// with long-poll semantics, ported from the original's
// processor.UpdateManager with identical purge-on-overflow and
// wait/resync behavior.
package update

import (
	"context"
	"fmt"
	"sync"
)

// MaxBuffered is the cap before the oldest half of the buffer is purged,
// matching UpdateManager.java's hard-coded 10000.
const MaxBuffered = 10000

// Update is one client-facing record. Data mirrors the original's
// Object[]: callers interpret Data[0] as a string tag ("CONNECTED",
// "APPEND", "MARKREAD", ...) and the remaining elements per-tag.
type Update struct {
	ID   int64
	Data []interface{}
}

// Feed is the bounded update buffer plus its long-poll wait condition.
type Feed struct {
	mu     sync.Mutex
	cond   *sync.Cond
	recent []Update
	nextID int64
	closed bool
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	f := &Feed{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Add appends a new update built from tag and the given payload, assigns
// it the next id, purges the oldest half if the buffer has grown past
// MaxBuffered, and wakes any waiters.
func (f *Feed) Add(tag string, payload ...interface{}) Update {
	f.mu.Lock()
	defer f.mu.Unlock()

	data := make([]interface{}, 0, len(payload)+1)
	data = append(data, tag)
	data = append(data, payload...)

	u := Update{ID: f.nextID, Data: data}
	f.nextID++
	f.recent = append(f.recent, u)
	if len(f.recent) > MaxBuffered {
		half := len(f.recent) / 2
		f.recent = append([]Update(nil), f.recent[half:]...)
	}
	f.cond.Broadcast()
	return u
}

// NextID reports the id the next Add call will assign.
func (f *Feed) NextID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

// ErrOutOfRange is returned by GetUpdates when startID falls outside the
// buffered window, signaling that the caller must resynchronize via
// get-state rather than trust a partial update list.
var ErrOutOfRange = fmt.Errorf("update: startID outside buffered window, resync required")

// GetUpdates implements UpdateManager.getUpdates: if startID == nextID and
// maxWaitMs > 0, it blocks (respecting ctx) until a new update arrives or
// the wait elapses, then evaluates once more with maxWait treated as
// already-elapsed (mirroring the original's single-retry-after-wait
// behavior, not an unbounded loop). It returns ErrOutOfRange if startID is
// not within [nextID-len(recent), nextID].
func (f *Feed) GetUpdates(ctx context.Context, startID int64, maxWaitMs int) ([]Update, error) {
	if startID < 0 {
		return nil, fmt.Errorf("update: startID must be non-negative, got %d", startID)
	}
	if maxWaitMs < 0 {
		return nil, fmt.Errorf("update: maxWaitMs must be non-negative, got %d", maxWaitMs)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if maxWaitMs > 0 && startID == f.nextID {
		f.waitLocked(ctx, maxWaitMs)
	}

	return f.snapshotLocked(startID)
}

func (f *Feed) snapshotLocked(startID int64) ([]Update, error) {
	oldest := f.nextID - int64(len(f.recent))
	if startID < oldest || startID > f.nextID {
		return nil, ErrOutOfRange
	}
	offset := startID - oldest
	out := make([]Update, len(f.recent)-int(offset))
	copy(out, f.recent[offset:])
	return out, nil
}

// waitLocked blocks on f.cond for a single wait, woken by Add, ctx being
// done, maxWaitMs elapsing, or Close. f.mu must be held on entry and is
// held on return. A single wait (rather than a retry loop) mirrors
// UpdateManager.getUpdates, which re-checks its condition exactly once
// after the wait and returns either way.
func (f *Feed) waitLocked(ctx context.Context, maxWaitMs int) {
	if f.closed {
		return
	}
	timer := newCondTimer(f, ctx, maxWaitMs)
	defer timer.stop()
	f.cond.Wait()
}

// Close wakes every waiter permanently (used on processor shutdown).
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}
