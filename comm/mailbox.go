package comm

import (
	"context"
	"sync"
)

type mailKey struct {
	src int
	tag int
}

// mailbox is the receive side of one rank: an unbounded FIFO per (src, tag).
type mailbox struct {
	mu     sync.Mutex
	queues map[mailKey][]any
	notify chan struct{}
	err    error
}

func newMailbox() *mailbox {
	return &mailbox{
		queues: make(map[mailKey][]any),
		notify: make(chan struct{}),
	}
}

func (mb *mailbox) push(src, tag int, payload any) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.err != nil {
		return mb.err
	}
	k := mailKey{src, tag}
	mb.queues[k] = append(mb.queues[k], payload)
	mb.wakeLocked()
	return nil
}

func (mb *mailbox) pop(ctx context.Context, src, tag int) (any, error) {
	k := mailKey{src, tag}
	for {
		mb.mu.Lock()
		if q := mb.queues[k]; len(q) > 0 {
			payload := q[0]
			q[0] = nil
			if len(q) == 1 {
				delete(mb.queues, k)
			} else {
				mb.queues[k] = q[1:]
			}
			mb.mu.Unlock()
			return payload, nil
		}
		if mb.err != nil {
			err := mb.err
			mb.mu.Unlock()
			return nil, err
		}
		wait := mb.notify
		mb.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// fail stops the mailbox. Queued messages can still be received; once the
// queue for a (src, tag) pair drains, pop returns err.
func (mb *mailbox) fail(err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.err == nil {
		mb.err = err
		mb.wakeLocked()
	}
}

func (mb *mailbox) wakeLocked() {
	close(mb.notify)
	mb.notify = make(chan struct{})
}
