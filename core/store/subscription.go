package store

import "sync"

// Feed is a helper for store implementations. It is a Subscription with latest-value
// semantics: a reader that falls behind only ever sees the newest snapshot, writers never
// block.
type Feed struct {
	c        chan Snapshot
	mutex    sync.Mutex
	closed   bool
	onCancel func()
}

// NewFeed returns a new feed. onCancel is called once when the feed is cancelled
// by the reader.
func NewFeed(onCancel func()) *Feed {
	return &Feed{c: make(chan Snapshot, 1), onCancel: onCancel}
}

// C implements Subscription
func (f *Feed) C() <-chan Snapshot {
	return f.c
}

// Push replaces any undelivered snapshot with s. It returns false if the feed is closed.
// An error snapshot closes the feed.
func (f *Feed) Push(s Snapshot) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.closed {
		return false
	}
	select {
	case <-f.c:
	default:
	}
	f.c <- s
	if s.Err != nil {
		f.closed = true
		close(f.c)
	}
	return true
}

// Close closes the feed without calling onCancel
func (f *Feed) Close() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.closed {
		f.closed = true
		close(f.c)
	}
}

// Closed returns true if the feed is closed
func (f *Feed) Closed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.closed
}

// Cancel implements Subscription
func (f *Feed) Cancel() {
	f.mutex.Lock()
	wasClosed := f.closed
	if !f.closed {
		f.closed = true
		close(f.c)
	}
	f.mutex.Unlock()
	if !wasClosed && f.onCancel != nil {
		f.onCancel()
	}
}
