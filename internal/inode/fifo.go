package inode

import "sync"

// Ticket is a single waiter's wake-up channel, posted exactly once by
// whichever fsync call is ahead of it in the FIFO. The sync pipeline
// (internal/syncpipeline) owns the actual sync context (replica
// context + vacuum context); the inode only owns the ordering
// primitive.
type Ticket struct {
	ch chan struct{}
}

// NewTicket returns an un-posted ticket with a zero-valued semaphore.
func NewTicket() *Ticket {
	return &Ticket{ch: make(chan struct{}, 1)}
}

// Wait blocks until Post is called.
func (t *Ticket) Wait() { <-t.ch }

// Post wakes the waiter. Safe to call at most once per ticket.
func (t *Ticket) Post() { t.ch <- struct{}{} }

// SyncFIFO is the per-inode FIFO of pending fsync tickets.
// PushAndCheckFirst and WakeNext are the only mutating operations, and
// the sync pipeline calls both with the inode lock held; SyncFIFO also
// guards its queue with its own mutex, so every method, Len included,
// is safe without the inode lock.
type SyncFIFO struct {
	mu    sync.Mutex
	queue []*Ticket
}

func NewSyncFIFO() *SyncFIFO {
	return &SyncFIFO{}
}

// PushAndCheckFirst appends t to the queue and reports whether it is
// the sole entry — i.e. whether the caller is "first in line" and may
// proceed without waiting.
func (f *SyncFIFO) PushAndCheckFirst(t *Ticket) (firstInLine bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, t)
	return len(f.queue) == 1
}

// WakeNext pops the head of the queue (the ticket the caller itself
// pushed) and posts the new head's semaphore, if any.
func (f *SyncFIFO) WakeNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return
	}
	f.queue = f.queue[1:]
	if len(f.queue) > 0 {
		f.queue[0].Post()
	}
}

// Len reports the current queue depth, for tests and metrics.
func (f *SyncFIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}
