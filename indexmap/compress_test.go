package indexmap

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/notargets/ghostmap/comm"
)

func TestCompress_TwoRankScenario(t *testing.T) {
	runRanks(t, 2, func(ctx context.Context, c comm.Comm) error {
		m, err := newScenarioMap(ctx, c)
		if err != nil {
			return err
		}
		// Both ranks keep global 3: rank 0 through its ghost, rank 1 directly.
		selected := map[int][]int32{0: {3}, 1: {0}}[c.Rank()]
		sub, original, err := Compress(ctx, m, selected)
		if err != nil {
			return err
		}
		if !slices.Equal(original, []int64{3}) {
			return fmt.Errorf("rank %d translation %v", c.Rank(), original)
		}
		switch c.Rank() {
		case 0:
			if sub.SizeLocal() != 0 || sub.NumGhosts() != 1 {
				return fmt.Errorf("rank 0 owns %d with %d ghosts", sub.SizeLocal(), sub.NumGhosts())
			}
			if g := sub.Ghosts()[0]; g.Owner != 1 || g.Global != 0 {
				return fmt.Errorf("rank 0 ghost %+v", g)
			}
		case 1:
			if sub.SizeLocal() != 1 || sub.NumGhosts() != 0 {
				return fmt.Errorf("rank 1 owns %d with %d ghosts", sub.SizeLocal(), sub.NumGhosts())
			}
		}
		if sub.SizeGlobal() != 1 {
			return fmt.Errorf("compressed global size %d", sub.SizeGlobal())
		}
		return nil
	})
}

func TestCompress_OwnerKeepsIndexSelectedOnlyElsewhere(t *testing.T) {
	runRanks(t, 2, func(ctx context.Context, c comm.Comm) error {
		m, err := newScenarioMap(ctx, c)
		if err != nil {
			return err
		}
		// Rank 1 never selects global 3 itself.
		selected := map[int][]int32{0: {0, 3}, 1: {1}}[c.Rank()]
		sub, original, err := Compress(ctx, m, selected)
		if err != nil {
			return err
		}
		want := map[int][]int64{0: {0, 3}, 1: {3, 4}}[c.Rank()]
		if !slices.Equal(original, want) {
			return fmt.Errorf("rank %d translation %v, want %v", c.Rank(), original, want)
		}

		buf := make([]int64, sub.SizeLocal()+sub.NumGhosts())
		copy(buf, original[:sub.SizeLocal()])
		if err := ScatterForward(ctx, sub, buf, 1); err != nil {
			return err
		}
		if !slices.Equal(buf, original) {
			return fmt.Errorf("rank %d scattered %v, want %v", c.Rank(), buf, original)
		}
		return nil
	})
}

func TestCompress_RingTranslationIsConsistent(t *testing.T) {
	for _, n := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("ranks=%d", n), func(t *testing.T) {
			runRanks(t, n, func(ctx context.Context, c comm.Comm) error {
				m, err := newRingMap(ctx, c)
				if err != nil {
					return err
				}
				// Keep owned index 1 and every ghost, listed in reverse.
				selected := []int32{1}
				for i := m.NumGhosts() - 1; i >= 0; i-- {
					selected = append(selected, int32(m.SizeLocal()+i))
				}
				sub, original, err := Compress(ctx, m, selected)
				if err != nil {
					return err
				}
				if len(original) != sub.SizeLocal()+sub.NumGhosts() {
					return fmt.Errorf("translation has %d entries for %d slots",
						len(original), sub.SizeLocal()+sub.NumGhosts())
				}
				// Owned 1 plus the first index (ghosted by others) plus the
				// last index (ghosted by the previous rank).
				wantOwned := 1
				if n > 1 {
					wantOwned = 3
				}
				if sub.SizeLocal() != wantOwned || sub.NumGhosts() != m.NumGhosts() {
					return fmt.Errorf("compressed to %d owned, %d ghosts", sub.SizeLocal(), sub.NumGhosts())
				}
				if !slices.IsSorted(original[:sub.SizeLocal()]) {
					return fmt.Errorf("owned translation not ascending: %v", original[:sub.SizeLocal()])
				}
				for k, p := range selected[1:] {
					if original[sub.SizeLocal()+k] != m.ghosts[int(p)-m.SizeLocal()] {
						return fmt.Errorf("ghost %d out of selection order", k)
					}
				}

				// Scattering translated values forward reproduces the ghost
				// part of the translation on every rank.
				buf := make([]int64, len(original))
				copy(buf, original[:sub.SizeLocal()])
				if err := ScatterForward(ctx, sub, buf, 1); err != nil {
					return err
				}
				if !slices.Equal(buf, original) {
					return fmt.Errorf("scattered %v, want %v", buf, original)
				}
				return nil
			})
		})
	}
}

func TestCompress_InheritsOptions(t *testing.T) {
	obs := &recordingObserver{}
	runRanks(t, 1, func(ctx context.Context, c comm.Comm) error {
		m, err := NewOwned(ctx, c, 4, WithObserver(obs))
		if err != nil {
			return err
		}
		sub, _, err := Compress(ctx, m, []int32{2, 0})
		if err != nil {
			return err
		}
		if sub.opts.observer != Observer(obs) {
			return errors.New("compressed map lost the observer")
		}
		if sub.SizeLocal() != 2 {
			return fmt.Errorf("compressed size %d", sub.SizeLocal())
		}
		return nil
	})
	if !slices.Contains(obs.ops, "compress") {
		t.Errorf("Expected a compress observation, got %v", obs.ops)
	}
}

func TestCompress_SelectionErrors(t *testing.T) {
	testCases := []struct {
		name     string
		selected []int32
		wantErr  error
	}{
		{"empty", nil, ErrEmptyOrDuplicateSelection},
		{"duplicate", []int32{1, 1}, ErrEmptyOrDuplicateSelection},
		{"negative", []int32{-1}, ErrNotLocal},
		{"past_ghosts", []int32{4}, ErrNotLocal},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			runRanks(t, 2, func(ctx context.Context, c comm.Comm) error {
				m, err := newScenarioMap(ctx, c)
				if err != nil {
					return err
				}
				// Every rank fails locally, so nobody enters the exchange.
				if _, _, err := Compress(ctx, m, tc.selected); !errors.Is(err, tc.wantErr) {
					return fmt.Errorf("got %v, want %v", err, tc.wantErr)
				}
				return nil
			})
		})
	}
}

func TestOwnedIndices_UnionAcrossRanks(t *testing.T) {
	runRanks(t, 2, func(ctx context.Context, c comm.Comm) error {
		m, err := newScenarioMap(ctx, c)
		if err != nil {
			return err
		}
		selected := map[int][]int32{0: {3, 1, 3}, 1: nil}[c.Rank()]
		owned, err := OwnedIndices(ctx, m, selected)
		if err != nil {
			return err
		}
		want := map[int][]int32{0: {1}, 1: {0}}[c.Rank()]
		if !slices.Equal(owned, want) {
			return fmt.Errorf("rank %d owned %v, want %v", c.Rank(), owned, want)
		}
		return nil
	})
}
