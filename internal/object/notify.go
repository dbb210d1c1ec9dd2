package object

import (
	"context"
	"sync"

	"github.com/kilnworks/kiln/internal/value"
)

// Change is one mutation notification: the object edited and the path the
// edit applied to. Deletions notify with the root path.
type Change struct {
	Object value.ObjectID
	Path   value.FieldPath
}

// Subscription is one consumer's ordered view of the change stream.
//
// The queue is unbounded so a slow consumer never blocks edits; staleness
// trackers must observe every change or they under-invalidate.
//
// The signal channel (buffered, size 1) coalesces wakeups so Wait can block
// without busy-polling.
type Subscription struct {
	mu      sync.Mutex
	changes []Change
	closed  bool
	signal  chan struct{}
}

// Poll removes and returns the oldest pending change without blocking.
func (s *Subscription) Poll() (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.changes) == 0 {
		return Change{}, false
	}
	c := s.changes[0]
	s.changes = s.changes[1:]
	return c, true
}

// Wait blocks until a change is available, the subscription is closed, or
// the context is cancelled. Returns false when no further changes will
// arrive.
func (s *Subscription) Wait(ctx context.Context) (Change, bool) {
	for {
		if c, ok := s.Poll(); ok {
			return c, true
		}

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Change{}, false
		}

		select {
		case <-ctx.Done():
			return Change{}, false
		case <-s.signal:
		}
	}
}

// Close detaches the subscription from the stream. Pending changes remain
// pollable.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) push(c Change) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.changes = append(s.changes, c)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// notifier broadcasts changes to all live subscriptions. It is owned by a
// Store instance and handed to consumers at subscription time - there is no
// process-wide stream.
type notifier struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[*Subscription]struct{})}
}

func (n *notifier) subscribe() *Subscription {
	sub := &Subscription{signal: make(chan struct{}, 1)}
	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()
	return sub
}

func (n *notifier) publish(c Change) {
	n.mu.Lock()
	for sub := range n.subs {
		sub.mu.Lock()
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			delete(n.subs, sub)
			continue
		}
		sub.push(c)
	}
	n.mu.Unlock()
}
