package indexmap

import (
	"context"
	"fmt"
	"time"

	"github.com/notargets/ghostmap/comm"
)

// Mode selects how ScatterReverse combines ghost contributions with the
// owned value.
type Mode int

const (
	// Insert overwrites the owned value with a contribution. When several
	// ranks ghost the same index the surviving value is deterministic but
	// unspecified; make ghost copies equal first if it matters.
	Insert Mode = iota
	// Add adds every contribution onto the owned value. Zero the owned
	// slots first for a pure sum of contributions.
	Add
)

func (md Mode) String() string {
	switch md {
	case Insert:
		return "insert"
	case Add:
		return "add"
	default:
		return fmt.Sprintf("Mode(%d)", int(md))
	}
}

// Number is the set of element types ScatterReverse can add.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 | ~complex64 | ~complex128
}

// ScatterForward copies every owned value to the ghost slots that mirror it
// on other ranks. buf holds bs values per local index, owned first. After
// the call every ghost block equals its owner's block. Collective.
func ScatterForward[T any](ctx context.Context, m *IndexMap, buf []T, bs int) error {
	if err := m.checkBuffer(len(buf), bs); err != nil {
		return err
	}
	nb, err := m.Neighborhood(ctx)
	if err != nil {
		return err
	}
	began := time.Now()

	send := make([][]T, len(nb.Dests))
	for i, pick := range nb.Pick {
		send[i] = pack(buf, pick, 0, bs)
	}
	recv, err := comm.NeighborExchange(ctx, m.comm, tagScatterForward, nb.Dests, send, nb.Sources)
	if err != nil {
		return fmt.Errorf("scatter forward: %w", err)
	}
	if err := checkPayloads(recv, nb.Place, nb.Sources, bs); err != nil {
		return fmt.Errorf("scatter forward: %w", err)
	}
	for i, place := range nb.Place {
		unpack(buf, recv[i], place, m.sizeLocal, bs, func(_, in T) T { return in })
	}

	m.opts.observer.ObserveExchange("scatter_forward", nb.SendCount()*bs, time.Since(began))
	return nil
}

// ScatterReverse sends every ghost value back to its owner and folds the
// contributions into the owned slots according to mode. Ghost slots are left
// unchanged. Collective.
func ScatterReverse[T Number](ctx context.Context, m *IndexMap, buf []T, bs int, mode Mode) error {
	var combine func(owned, in T) T
	switch mode {
	case Insert:
		combine = func(_, in T) T { return in }
	case Add:
		combine = func(owned, in T) T { return owned + in }
	default:
		return fmt.Errorf("scatter reverse: unknown mode %v", mode)
	}
	return scatterReverse(ctx, m, buf, bs, "scatter_reverse_"+mode.String(), combine)
}

// ScatterReverseFunc is ScatterReverse for any element type, with the
// combination rule supplied by the caller. combine receives the current
// owned value and one contribution and returns the new owned value.
// Contributions are applied in ascending order of the sending rank.
func ScatterReverseFunc[T any](ctx context.Context, m *IndexMap, buf []T, bs int, combine func(owned, in T) T) error {
	return scatterReverse(ctx, m, buf, bs, "scatter_reverse_func", combine)
}

func scatterReverse[T any](ctx context.Context, m *IndexMap, buf []T, bs int, op string, combine func(owned, in T) T) error {
	if err := m.checkBuffer(len(buf), bs); err != nil {
		return err
	}
	nb, err := m.Neighborhood(ctx)
	if err != nil {
		return err
	}
	began := time.Now()

	send := make([][]T, len(nb.Sources))
	for i, place := range nb.Place {
		send[i] = pack(buf, place, m.sizeLocal, bs)
	}
	recv, err := comm.NeighborExchange(ctx, m.comm, tagScatterReverse, nb.Sources, send, nb.Dests)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := checkPayloads(recv, nb.Pick, nb.Dests, bs); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	// Several dests may contribute to one owned index, so the fold is
	// sequential in dest order.
	for i, pick := range nb.Pick {
		unpack(buf, recv[i], pick, 0, bs, combine)
	}

	m.opts.observer.ObserveExchange(op, nb.RecvCount()*bs, time.Since(began))
	return nil
}

func (m *IndexMap) checkBuffer(n, bs int) error {
	if bs < 1 {
		return fmt.Errorf("%w: block size %d", ErrShapeMismatch, bs)
	}
	if want := (m.sizeLocal + len(m.ghosts)) * bs; n != want {
		return fmt.Errorf("%w: buffer length %d, want (%d+%d)*%d = %d",
			ErrShapeMismatch, n, m.sizeLocal, len(m.ghosts), bs, want)
	}
	return nil
}

// checkPayloads verifies every received payload before anything is written,
// so a block size disagreement leaves the buffer untouched.
func checkPayloads[T any](recv [][]T, lists [][]int32, ranks []int, bs int) error {
	for i, idx := range lists {
		if len(recv[i]) != len(idx)*bs {
			return fmt.Errorf("%w: rank %d sent %d values, want %d*%d",
				ErrShapeMismatch, ranks[i], len(recv[i]), len(idx), bs)
		}
	}
	return nil
}

// pack gathers the blocks at offset+idx[k] into a fresh payload.
func pack[T any](buf []T, idx []int32, offset, bs int) []T {
	out := make([]T, len(idx)*bs)
	for k, l := range idx {
		src := (offset + int(l)) * bs
		copy(out[k*bs:(k+1)*bs], buf[src:src+bs])
	}
	return out
}

// unpack folds payload block k into the block at offset+idx[k].
func unpack[T any](buf, payload []T, idx []int32, offset, bs int, combine func(owned, in T) T) {
	for k, l := range idx {
		dst := (offset + int(l)) * bs
		for j := 0; j < bs; j++ {
			buf[dst+j] = combine(buf[dst+j], payload[k*bs+j])
		}
	}
}
