package comm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Op selects the reduction applied by Allreduce.
type Op int

const (
	Sum Op = iota
	Min
	Max
)

func (op Op) String() string {
	switch op {
	case Sum:
		return "sum"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

// Real is the set of element types Allreduce can combine.
type Real interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Barrier returns once every rank of the group has entered it.
func Barrier(ctx context.Context, c Comm) error {
	_, err := allgather(ctx, c, tagBarrier, true)
	return err
}

// Allgather returns v from every rank, indexed by rank. The value is shared
// with the receivers, so slices must be treated as read-only afterwards.
func Allgather[T any](ctx context.Context, c Comm, v T) ([]T, error) {
	return allgather(ctx, c, tagAllgather, v)
}

func allgather[T any](ctx context.Context, c Comm, tag int, v T) ([]T, error) {
	me := c.Rank()
	out := make([]T, c.Size())
	out[me] = v
	for r := range out {
		if r == me {
			continue
		}
		if err := c.Send(ctx, r, tag, v); err != nil {
			return nil, fmt.Errorf("allgather send to %d: %w", r, err)
		}
	}
	for r := range out {
		if r == me {
			continue
		}
		val, err := recvAs[T](ctx, c, r, tag)
		if err != nil {
			return nil, fmt.Errorf("allgather: %w", err)
		}
		out[r] = val
	}
	return out, nil
}

// Allreduce combines v across all ranks with op and returns the result on
// every rank.
func Allreduce[T Real](ctx context.Context, c Comm, v T, op Op) (T, error) {
	all, err := Allgather(ctx, c, v)
	if err != nil {
		var zero T
		return zero, err
	}
	return reduce(all, op)
}

// Exscan returns the sum of v over all ranks lower than the caller. Rank 0
// receives zero.
func Exscan[T Real](ctx context.Context, c Comm, v T) (T, error) {
	all, err := Allgather(ctx, c, v)
	if err != nil {
		var zero T
		return zero, err
	}
	var sum T
	for _, x := range all[:c.Rank()] {
		sum += x
	}
	return sum, nil
}

func reduce[T Real](vals []T, op Op) (T, error) {
	acc := vals[0]
	for _, x := range vals[1:] {
		switch op {
		case Sum:
			acc += x
		case Min:
			acc = min(acc, x)
		case Max:
			acc = max(acc, x)
		default:
			var zero T
			return zero, fmt.Errorf("unknown reduction %v", op)
		}
	}
	return acc, nil
}

// Alltoall sends send[r] to every rank r and returns the slice each rank sent
// to the caller, indexed by source rank. Every rank sends to every other rank,
// including empty slices, so no rank needs to know in advance who will
// contact it.
func Alltoall[T any](ctx context.Context, c Comm, send [][]T) ([][]T, error) {
	if len(send) != c.Size() {
		return nil, fmt.Errorf("alltoall: %d send slices for %d ranks", len(send), c.Size())
	}
	me := c.Rank()
	for r, data := range send {
		if r == me {
			continue
		}
		if data == nil {
			data = []T{}
		}
		if err := c.Send(ctx, r, tagAlltoall, data); err != nil {
			return nil, fmt.Errorf("alltoall send to %d: %w", r, err)
		}
	}
	recv := make([][]T, len(send))
	recv[me] = send[me]
	for r := range recv {
		if r == me {
			continue
		}
		data, err := recvAs[[]T](ctx, c, r, tagAlltoall)
		if err != nil {
			return nil, fmt.Errorf("alltoall: %w", err)
		}
		recv[r] = data
	}
	return recv, nil
}

// NeighborExchange sends send[i] to dests[i] and receives one slice from each
// rank in sources, returned in the order of sources. Receives run
// concurrently. Both sides must agree on the graph: every dest must list the
// caller as a source with the same tag.
func NeighborExchange[T any](ctx context.Context, c Comm, tag int, dests []int, send [][]T, sources []int) ([][]T, error) {
	if len(dests) != len(send) {
		return nil, fmt.Errorf("neighbor exchange: %d payloads for %d destinations", len(send), len(dests))
	}
	for i, d := range dests {
		data := send[i]
		if data == nil {
			data = []T{}
		}
		if err := c.Send(ctx, d, tag, data); err != nil {
			return nil, fmt.Errorf("neighbor exchange send to %d: %w", d, err)
		}
	}

	recv := make([][]T, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sources {
		g.Go(func() error {
			data, err := recvAs[[]T](gctx, c, s, tag)
			if err != nil {
				return err
			}
			recv[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("neighbor exchange: %w", err)
	}
	return recv, nil
}

func recvAs[T any](ctx context.Context, c Comm, src, tag int) (T, error) {
	var zero T
	payload, err := c.Recv(ctx, src, tag)
	if err != nil {
		return zero, fmt.Errorf("recv from %d (tag %d): %w", src, tag, err)
	}
	if payload == nil {
		return zero, nil
	}
	v, ok := payload.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T from rank %d (tag %d), want %T",
			ErrPayloadType, payload, src, tag, zero)
	}
	return v, nil
}
