// Package comm provides the process-group handle used by every collective in
// ghostmap. A Comm is always passed explicitly; nothing in this module looks a
// communicator up from ambient state.
//
// Two transports are provided: an in-process group where every rank is a
// goroutine sharing mailboxes (NewLocalGroup, RunLocal), and a TCP group where
// every rank is a separate OS process (DialTCP).
package comm

import (
	"context"
	"errors"
)

// Comm is a handle on a fixed group of ranks.
//
// Send never waits for the receiver: messages are queued at the destination.
// Messages from one source with one tag are delivered in the order they were
// sent. Ownership of a payload passes to the receiver, so callers must not
// modify a slice after sending it.
type Comm interface {
	Rank() int
	Size() int
	Send(ctx context.Context, dest, tag int, payload any) error
	Recv(ctx context.Context, src, tag int) (any, error)
	Close() error
}

var (
	ErrRankOutOfRange = errors.New("rank out of range")
	ErrPayloadType    = errors.New("unexpected payload type")
	ErrClosed         = errors.New("communicator closed")
)

// Tags below zero are reserved for the collectives in this package.
const (
	tagBarrier   = -1
	tagAllgather = -2
	tagAlltoall  = -3
)

func checkRank(c Comm, r int) error {
	if r < 0 || r >= c.Size() {
		return ErrRankOutOfRange
	}
	return nil
}
