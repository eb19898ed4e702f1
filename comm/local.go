package comm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// LocalComm is one rank of an in-process group. All ranks of the group share
// the same set of mailboxes, so a Send is a queue append.
type LocalComm struct {
	rank  int
	boxes []*mailbox
}

// NewLocalGroup creates n ranks connected to each other.
func NewLocalGroup(n int) []*LocalComm {
	if n < 1 {
		panic(fmt.Sprintf("local group needs at least one rank, got %d", n))
	}
	boxes := make([]*mailbox, n)
	for i := range boxes {
		boxes[i] = newMailbox()
	}
	group := make([]*LocalComm, n)
	for i := range group {
		group[i] = &LocalComm{rank: i, boxes: boxes}
	}
	return group
}

func (c *LocalComm) Rank() int { return c.rank }

func (c *LocalComm) Size() int { return len(c.boxes) }

func (c *LocalComm) Send(ctx context.Context, dest, tag int, payload any) error {
	if err := checkRank(c, dest); err != nil {
		return fmt.Errorf("send to %d: %w", dest, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.boxes[dest].push(c.rank, tag, payload)
}

func (c *LocalComm) Recv(ctx context.Context, src, tag int) (any, error) {
	if err := checkRank(c, src); err != nil {
		return nil, fmt.Errorf("recv from %d: %w", src, err)
	}
	return c.boxes[c.rank].pop(ctx, src, tag)
}

// Close stops this rank's mailbox. Pending receives return ErrClosed.
func (c *LocalComm) Close() error {
	c.boxes[c.rank].fail(ErrClosed)
	return nil
}

// RunLocal runs fn once per rank of a fresh n-rank in-process group, each on
// its own goroutine, and waits for all of them. The first error cancels the
// context seen by the other ranks, so a rank that fails locally does not leave
// its peers blocked in a collective forever.
func RunLocal(ctx context.Context, n int, fn func(ctx context.Context, c Comm) error) error {
	group := NewLocalGroup(n)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range group {
		g.Go(func() error {
			if err := fn(gctx, c); err != nil {
				return fmt.Errorf("rank %d: %w", c.rank, err)
			}
			return nil
		})
	}
	err := g.Wait()
	for _, c := range group {
		c.Close()
	}
	return err
}
