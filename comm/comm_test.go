package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_FIFOPerSourceAndTag(t *testing.T) {
	mb := newMailbox()
	ctx := context.Background()

	require.NoError(t, mb.push(1, 7, "a"))
	require.NoError(t, mb.push(2, 7, "x"))
	require.NoError(t, mb.push(1, 7, "b"))
	require.NoError(t, mb.push(1, 8, "other-tag"))

	for _, want := range []string{"a", "b"} {
		got, err := mb.pop(ctx, 1, 7)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := mb.pop(ctx, 2, 7)
	require.NoError(t, err)
	assert.Equal(t, "x", got)
	got, err = mb.pop(ctx, 1, 8)
	require.NoError(t, err)
	assert.Equal(t, "other-tag", got)
}

func TestMailbox_PopHonoursContext(t *testing.T) {
	mb := newMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := mb.pop(ctx, 0, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMailbox_FailDrainsQueueFirst(t *testing.T) {
	mb := newMailbox()
	require.NoError(t, mb.push(0, 0, 42))
	mb.fail(ErrClosed)

	got, err := mb.pop(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = mb.pop(context.Background(), 0, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, mb.push(0, 0, 1), ErrClosed)
}

func TestLocalComm_RankChecks(t *testing.T) {
	group := NewLocalGroup(2)
	ctx := context.Background()

	assert.ErrorIs(t, group[0].Send(ctx, 2, 0, 1), ErrRankOutOfRange)
	_, err := group[0].Recv(ctx, -1, 0)
	assert.ErrorIs(t, err, ErrRankOutOfRange)

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for empty group")
		}
	}()
	NewLocalGroup(0)
}

func TestCollectives_Local(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("ranks=%d", n), func(t *testing.T) {
			err := RunLocal(context.Background(), n, func(ctx context.Context, c Comm) error {
				return checkCollectives(ctx, c)
			})
			require.NoError(t, err)
		})
	}
}

// checkCollectives exercises every collective and reports the first
// disagreement with the closed-form answer.
func checkCollectives(ctx context.Context, c Comm) error {
	me, n := c.Rank(), c.Size()

	if err := Barrier(ctx, c); err != nil {
		return err
	}

	all, err := Allgather(ctx, c, int64(10*me))
	if err != nil {
		return err
	}
	for r, v := range all {
		if v != int64(10*r) {
			return fmt.Errorf("allgather[%d] = %d", r, v)
		}
	}

	sum, err := Allreduce(ctx, c, me+1, Sum)
	if err != nil {
		return err
	}
	if sum != n*(n+1)/2 {
		return fmt.Errorf("allreduce sum = %d", sum)
	}
	lo, err := Allreduce(ctx, c, float64(me), Min)
	if err != nil {
		return err
	}
	hi, err := Allreduce(ctx, c, float64(me), Max)
	if err != nil {
		return err
	}
	if lo != 0 || hi != float64(n-1) {
		return fmt.Errorf("allreduce min/max = %v/%v", lo, hi)
	}

	off, err := Exscan(ctx, c, int64(me+1))
	if err != nil {
		return err
	}
	if want := int64(me * (me + 1) / 2); off != want {
		return fmt.Errorf("exscan = %d, want %d", off, want)
	}

	// Rank r sends r+1 copies of its rank to rank (r+1)%n and nothing to
	// anyone else.
	send := make([][]int64, n)
	next := (me + 1) % n
	for i := 0; i <= me; i++ {
		send[next] = append(send[next], int64(me))
	}
	recv, err := Alltoall(ctx, c, send)
	if err != nil {
		return err
	}
	prev := (me - 1 + n) % n
	for r, data := range recv {
		want := 0
		if r == prev {
			want = prev + 1
		}
		if len(data) != want {
			return fmt.Errorf("alltoall from %d: %d values, want %d", r, len(data), want)
		}
	}

	if n > 1 {
		got, err := NeighborExchange(ctx, c, 99, []int{next}, [][]float64{{float64(me)}}, []int{prev})
		if err != nil {
			return err
		}
		if len(got) != 1 || len(got[0]) != 1 || got[0][0] != float64(prev) {
			return fmt.Errorf("neighbor exchange got %v", got)
		}
	}
	return nil
}

func TestRunLocal_ErrorCancelsPeers(t *testing.T) {
	boom := errors.New("boom")
	err := RunLocal(context.Background(), 3, func(ctx context.Context, c Comm) error {
		if c.Rank() == 1 {
			return boom
		}
		// The remaining ranks would wait for rank 1 forever.
		return Barrier(ctx, c)
	})
	assert.ErrorIs(t, err, boom)
}

func TestRecvAs_TypeMismatch(t *testing.T) {
	err := RunLocal(context.Background(), 2, func(ctx context.Context, c Comm) error {
		if c.Rank() == 0 {
			return c.Send(ctx, 1, 5, "not a slice")
		}
		_, err := recvAs[[]int64](ctx, c, 0, 5)
		if !errors.Is(err, ErrPayloadType) {
			return fmt.Errorf("expected ErrPayloadType, got %v", err)
		}
		return nil
	})
	require.NoError(t, err)
}

func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = ln.Addr().String()
		ln.Close()
	}
	return addrs
}

func TestTCPComm_Collectives(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			const n = 3
			addrs := freeAddrs(t, n)
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			var wg sync.WaitGroup
			errs := make([]error, n)
			for r := 0; r < n; r++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c, err := DialTCP(ctx, TCPConfig{
						Rank:        r,
						Addrs:       addrs,
						DialTimeout: 10 * time.Second,
						Compress:    compress,
						Logger:      zerolog.Nop(),
					})
					if err != nil {
						errs[r] = err
						return
					}
					errs[r] = checkCollectives(ctx, c)
					if err := Barrier(ctx, c); err != nil && errs[r] == nil {
						errs[r] = err
					}
					c.Close()
				}()
			}
			wg.Wait()
			for r, err := range errs {
				assert.NoError(t, err, "rank %d", r)
			}
		})
	}
}

func TestDialTCP_RejectsBadRank(t *testing.T) {
	_, err := DialTCP(context.Background(), TCPConfig{Rank: 2, Addrs: []string{"127.0.0.1:0"}})
	assert.ErrorIs(t, err, ErrRankOutOfRange)
}
