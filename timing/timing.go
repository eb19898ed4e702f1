// Package timing keeps named wall-clock timers and reduces them across a
// process group.
package timing

import (
	"context"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/notargets/ghostmap/comm"
)

// Entry is the accumulated time of one named task.
type Entry struct {
	Name  string
	Calls int
	Wall  time.Duration
}

// Mean is the average wall time per call.
func (e Entry) Mean() time.Duration {
	if e.Calls == 0 {
		return 0
	}
	return e.Wall / time.Duration(e.Calls)
}

// Table accumulates timings by name. It is safe for concurrent use and
// satisfies indexmap.Observer, so exchanges can be timed directly.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Timer measures one interval for a Table.
type Timer struct {
	table *Table
	name  string
	began time.Time
	once  sync.Once
	wall  time.Duration
}

// Start begins timing name. Call Stop on the returned Timer.
func (t *Table) Start(name string) *Timer {
	return &Timer{table: t, name: name, began: time.Now()}
}

// Stop records the elapsed time once; later calls return the same value.
func (tm *Timer) Stop() time.Duration {
	tm.once.Do(func() {
		tm.wall = time.Since(tm.began)
		tm.table.Add(tm.name, tm.wall)
	})
	return tm.wall
}

// Add records one call of name taking d.
func (t *Table) Add(name string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if !ok {
		e = &Entry{Name: name}
		t.entries[name] = e
	}
	e.Calls++
	e.Wall += d
}

// Time runs fn under the timer name and returns its error.
func (t *Table) Time(name string, fn func() error) error {
	tm := t.Start(name)
	defer tm.Stop()
	return fn()
}

func (t *Table) ObserveExchange(op string, _ int, elapsed time.Duration) {
	t.Add(op, elapsed)
}

// Entries returns a snapshot sorted by name.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Write prints entries as an aligned table.
func Write(w io.Writer, title string, entries []Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "%s\t\t\t\t\n", title)
	fmt.Fprintf(tw, "task\tcalls\twall [s]\tmean [s]\t\n")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%.6f\t%.6f\t\n", e.Name, e.Calls, e.Wall.Seconds(), e.Mean().Seconds())
	}
	return tw.Flush()
}

// Reduce combines the tables of every rank entry by entry with op. A task
// missing on some ranks is reduced over the ranks that have it. The result
// is the same on every rank. Collective.
func Reduce(ctx context.Context, c comm.Comm, t *Table, op comm.Op) ([]Entry, error) {
	local := t.Entries()
	names := make([]string, len(local))
	for i, e := range local {
		names[i] = e.Name
	}
	allNames, err := comm.Allgather(ctx, c, names)
	if err != nil {
		return nil, fmt.Errorf("gather timer names: %w", err)
	}
	var union []string
	for _, ns := range allNames {
		union = append(union, ns...)
	}
	slices.Sort(union)
	union = slices.Compact(union)

	byName := make(map[string]Entry, len(local))
	for _, e := range local {
		byName[e.Name] = e
	}
	// Wall seconds followed by call counts; NaN marks a missing task.
	vec := make([]float64, 2*len(union))
	for i, name := range union {
		e, ok := byName[name]
		if !ok {
			vec[i], vec[len(union)+i] = math.NaN(), math.NaN()
			continue
		}
		vec[i], vec[len(union)+i] = e.Wall.Seconds(), float64(e.Calls)
	}
	all, err := comm.Allgather(ctx, c, vec)
	if err != nil {
		return nil, fmt.Errorf("gather timings: %w", err)
	}

	out := make([]Entry, len(union))
	for i, name := range union {
		wall := reduceIgnoringNaN(all, i, op)
		calls := reduceIgnoringNaN(all, len(union)+i, op)
		out[i] = Entry{
			Name:  name,
			Calls: int(math.Round(calls)),
			Wall:  time.Duration(wall * float64(time.Second)),
		}
	}
	return out, nil
}

func reduceIgnoringNaN(all [][]float64, k int, op comm.Op) float64 {
	acc, seen := 0.0, false
	for _, v := range all {
		x := v[k]
		if math.IsNaN(x) {
			continue
		}
		if !seen {
			acc, seen = x, true
			continue
		}
		switch op {
		case comm.Min:
			acc = math.Min(acc, x)
		case comm.Max:
			acc = math.Max(acc, x)
		default:
			acc += x
		}
	}
	return acc
}
