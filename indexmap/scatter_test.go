package indexmap

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/notargets/ghostmap/comm"
)

type recordingObserver struct {
	mu       sync.Mutex
	ops      []string
	elements map[string]int
}

func (o *recordingObserver) ObserveExchange(op string, elements int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.elements == nil {
		o.elements = make(map[string]int)
	}
	o.ops = append(o.ops, op)
	o.elements[op] += elements
}

// fillOwned sets every owned block to its global index and every ghost block
// to -1.
func fillOwned(m *IndexMap, bs int) []float64 {
	buf := make([]float64, (m.SizeLocal()+m.NumGhosts())*bs)
	for i := range buf {
		buf[i] = -1
	}
	for l := 0; l < m.SizeLocal(); l++ {
		for j := 0; j < bs; j++ {
			buf[l*bs+j] = float64(m.GlobalOffset()+int64(l)) + float64(j)/10
		}
	}
	return buf
}

func TestScatterForward_TwoRankScenario(t *testing.T) {
	runRanks(t, 2, func(ctx context.Context, c comm.Comm) error {
		m, err := newScenarioMap(ctx, c)
		if err != nil {
			return err
		}
		buf := fillOwned(m, 1)
		if err := ScatterForward(ctx, m, buf, 1); err != nil {
			return err
		}
		want := map[int]float64{0: 3, 1: 2}[c.Rank()]
		if buf[3] != want {
			return fmt.Errorf("rank %d ghost holds %v, want %v", c.Rank(), buf[3], want)
		}
		return nil
	})
}

func TestScatterReverse_TwoRankScenarioAdd(t *testing.T) {
	runRanks(t, 2, func(ctx context.Context, c comm.Comm) error {
		m, err := newScenarioMap(ctx, c)
		if err != nil {
			return err
		}
		buf := []float64{0, 0, 0, 1}
		if err := ScatterReverse(ctx, m, buf, 1, Add); err != nil {
			return err
		}
		// rank 0 receives into global 2 (local 2), rank 1 into global 3 (local 0).
		want := map[int][]float64{0: {0, 0, 1, 1}, 1: {1, 0, 0, 1}}[c.Rank()]
		if !slices.Equal(buf, want) {
			return fmt.Errorf("rank %d buffer %v, want %v", c.Rank(), buf, want)
		}
		return nil
	})
}

func TestScatterForward_BlockedRing(t *testing.T) {
	for _, bs := range []int{1, 3} {
		for _, n := range []int{1, 2, 4} {
			t.Run(fmt.Sprintf("bs=%d/ranks=%d", bs, n), func(t *testing.T) {
				runRanks(t, n, func(ctx context.Context, c comm.Comm) error {
					m, err := newRingMap(ctx, c)
					if err != nil {
						return err
					}
					buf := fillOwned(m, bs)
					if err := ScatterForward(ctx, m, buf, bs); err != nil {
						return err
					}
					for i, g := range m.GhostIndices() {
						for j := 0; j < bs; j++ {
							got := buf[(m.SizeLocal()+i)*bs+j]
							if want := float64(g) + float64(j)/10; got != want {
								return fmt.Errorf("ghost %d component %d: %v, want %v", i, j, got, want)
							}
						}
					}

					// A second forward scatter changes nothing.
					again := slices.Clone(buf)
					if err := ScatterForward(ctx, m, again, bs); err != nil {
						return err
					}
					if !slices.Equal(buf, again) {
						return errors.New("forward scatter is not idempotent")
					}

					// Inserting consistent ghosts back leaves owned values alone.
					if err := ScatterReverse(ctx, m, again, bs, Insert); err != nil {
						return err
					}
					if !slices.Equal(buf, again) {
						return errors.New("reverse insert after forward changed the buffer")
					}
					return nil
				})
			})
		}
	}
}

func TestScatterReverse_AddCountsGhostingRanks(t *testing.T) {
	const n, bs = 4, 2
	runRanks(t, n, func(ctx context.Context, c comm.Comm) error {
		m, err := newRingMap(ctx, c)
		if err != nil {
			return err
		}
		buf := make([]int64, (m.SizeLocal()+m.NumGhosts())*bs)
		for i := m.SizeLocal() * bs; i < len(buf); i++ {
			buf[i] = 1
		}
		if err := ScatterReverse(ctx, m, buf, bs, Add); err != nil {
			return err
		}
		for l := 0; l < m.SizeLocal(); l++ {
			want := int64(ringGhostCount(n, c.Rank(), l))
			for j := 0; j < bs; j++ {
				if buf[l*bs+j] != want {
					return fmt.Errorf("owned %d component %d: %d, want %d", l, j, buf[l*bs+j], want)
				}
			}
		}
		for i := m.SizeLocal() * bs; i < len(buf); i++ {
			if buf[i] != 1 {
				return fmt.Errorf("ghost slot %d changed to %d", i, buf[i])
			}
		}
		return nil
	})
}

func TestScatterReverseFunc_AppliesContributionsInRankOrder(t *testing.T) {
	const n = 3
	runRanks(t, n, func(ctx context.Context, c comm.Comm) error {
		m, err := newRingMap(ctx, c)
		if err != nil {
			return err
		}
		buf := make([]string, m.SizeLocal()+m.NumGhosts())
		for i := m.SizeLocal(); i < len(buf); i++ {
			buf[i] = strconv.Itoa(c.Rank())
		}
		concat := func(owned, in string) string { return owned + in }
		if err := ScatterReverseFunc(ctx, m, buf, 1, concat); err != nil {
			return err
		}
		var others []string
		for r := 0; r < n; r++ {
			if r != c.Rank() {
				others = append(others, strconv.Itoa(r))
			}
		}
		if want := strings.Join(others, ""); buf[0] != want {
			return fmt.Errorf("first owned value %q, want %q", buf[0], want)
		}
		prev := strconv.Itoa((c.Rank() - 1 + n) % n)
		if last := buf[m.SizeLocal()-1]; last != prev {
			return fmt.Errorf("last owned value %q, want %q", last, prev)
		}
		return nil
	})
}

func TestScatterForward_StructPayload(t *testing.T) {
	type cell struct {
		ID    int64
		Label string
	}
	runRanks(t, 3, func(ctx context.Context, c comm.Comm) error {
		m, err := newRingMap(ctx, c)
		if err != nil {
			return err
		}
		buf := make([]cell, m.SizeLocal()+m.NumGhosts())
		for l := 0; l < m.SizeLocal(); l++ {
			g := m.GlobalOffset() + int64(l)
			buf[l] = cell{ID: g, Label: fmt.Sprintf("r%d", c.Rank())}
		}
		if err := ScatterForward(ctx, m, buf, 1); err != nil {
			return err
		}
		for i, gh := range m.Ghosts() {
			want := cell{ID: gh.Global, Label: fmt.Sprintf("r%d", gh.Owner)}
			if got := buf[m.SizeLocal()+i]; got != want {
				return fmt.Errorf("ghost %d: %+v, want %+v", i, got, want)
			}
		}
		return nil
	})
}

func TestScatter_ShapeErrors(t *testing.T) {
	runRanks(t, 2, func(ctx context.Context, c comm.Comm) error {
		m, err := newScenarioMap(ctx, c)
		if err != nil {
			return err
		}
		if err := ScatterForward(ctx, m, make([]float64, 3), 1); !errors.Is(err, ErrShapeMismatch) {
			return fmt.Errorf("short buffer: %v", err)
		}
		if err := ScatterReverse(ctx, m, make([]float64, 4), 0, Add); !errors.Is(err, ErrShapeMismatch) {
			return fmt.Errorf("zero block size: %v", err)
		}
		if err := ScatterReverse(ctx, m, make([]float64, 4), 1, Mode(7)); err == nil {
			return errors.New("unknown mode accepted")
		}

		// Ranks disagreeing on the block size both detect the mismatch and
		// leave their buffers untouched.
		bs := c.Rank() + 1
		buf := make([]float64, 4*bs)
		err = ScatterForward(ctx, m, buf, bs)
		if !errors.Is(err, ErrShapeMismatch) {
			return fmt.Errorf("block size disagreement: %v", err)
		}
		for _, v := range buf {
			if v != 0 {
				return fmt.Errorf("buffer modified after mismatch: %v", buf)
			}
		}
		return nil
	})
}

func TestScatter_ReportsToObserver(t *testing.T) {
	observers := make([]*recordingObserver, 2)
	for i := range observers {
		observers[i] = &recordingObserver{}
	}
	runRanks(t, 2, func(ctx context.Context, c comm.Comm) error {
		obs := observers[c.Rank()]
		var m *IndexMap
		var err error
		if c.Rank() == 0 {
			m, err = New(ctx, c, 3, []int64{3}, []int{1}, WithObserver(obs))
		} else {
			m, err = New(ctx, c, 3, []int64{2}, []int{0}, WithObserver(obs))
		}
		if err != nil {
			return err
		}
		buf := make([]float32, 8)
		if err := ScatterForward(ctx, m, buf, 2); err != nil {
			return err
		}
		return ScatterReverse(ctx, m, buf, 2, Add)
	})
	for r, obs := range observers {
		assert.Equal(t, []string{"neighborhood", "scatter_forward", "scatter_reverse_add"}, obs.ops, "rank %d", r)
		assert.Equal(t, 2, obs.elements["scatter_forward"], "rank %d", r)
	}
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "insert", Insert.String())
	assert.Equal(t, "add", Add.String())
	assert.Equal(t, "Mode(9)", Mode(9).String())
}

func TestObservers_FanOut(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	Observers(a, nil, b).ObserveExchange("compress", 3, time.Millisecond)
	assert.Equal(t, []string{"compress"}, a.ops)
	assert.Equal(t, 3, b.elements["compress"])
}

func TestNeighborhood_FailedDerivationIsRetried(t *testing.T) {
	runRanks(t, 2, func(ctx context.Context, c comm.Comm) error {
		m, err := newScenarioMap(ctx, c)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			dead, cancel := context.WithCancel(ctx)
			cancel()
			if _, err := m.Neighborhood(dead); !errors.Is(err, context.Canceled) {
				return fmt.Errorf("cancelled derivation: %v", err)
			}
		}
		buf := fillOwned(m, 1)
		if err := ScatterForward(ctx, m, buf, 1); err != nil {
			return err
		}
		want := map[int]float64{0: 3, 1: 2}[c.Rank()]
		if buf[3] != want {
			return fmt.Errorf("rank %d ghost holds %v, want %v", c.Rank(), buf[3], want)
		}
		return nil
	})
}

func TestScatterReverse_InsertIsDeterministic(t *testing.T) {
	const n = 3
	runRanks(t, n, func(ctx context.Context, c comm.Comm) error {
		m, err := newRingMap(ctx, c)
		if err != nil {
			return err
		}
		var results []int64
		for run := 0; run < 2; run++ {
			buf := make([]int64, m.SizeLocal()+m.NumGhosts())
			for i := m.SizeLocal(); i < len(buf); i++ {
				buf[i] = int64(100*(c.Rank()+1) + i)
			}
			if err := ScatterReverse(ctx, m, buf, 1, Insert); err != nil {
				return err
			}
			results = append(results, buf[0])
		}
		if results[0] != results[1] {
			return fmt.Errorf("rank %d owned 0: %d then %d", c.Rank(), results[0], results[1])
		}

		// Every other rank ghosts owned index 0; the highest one is folded last.
		last := n - 1
		if c.Rank() == last {
			last = n - 2
		}
		pos := c.Rank()
		if c.Rank() > last {
			pos--
		}
		if want := int64(100*(last+1) + ringSize(last) + pos); results[0] != want {
			return fmt.Errorf("rank %d owned 0 = %d, want %d from rank %d", c.Rank(), results[0], want, last)
		}
		return nil
	})
}
