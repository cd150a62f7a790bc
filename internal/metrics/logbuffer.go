package metrics

import (
	"fmt"
	"strings"
	"sync"

	"github.com/realmhq/realm-agent/internal/clock"
)

// ringCapacity bounds memory per label: the newest ringCapacity lines
// survive, older ones are evicted.
const ringCapacity = 1000

// allLabel is a synthetic label that aggregates lines from every real
// label, in submission order, for a combined tail view.
const allLabel = "__all__"

type ring struct {
	lines []string
	next  int
	full  bool
}

func (r *ring) push(line string) {
	if len(r.lines) < ringCapacity {
		r.lines = append(r.lines, line)
		return
	}
	r.lines[r.next] = line
	r.next = (r.next + 1) % ringCapacity
	r.full = true
}

func (r *ring) tail(n int) []string {
	var ordered []string
	if r.full {
		ordered = append(ordered, r.lines[r.next:]...)
		ordered = append(ordered, r.lines[:r.next]...)
	} else {
		ordered = r.lines
	}
	if n <= 0 || n >= len(ordered) {
		return ordered
	}
	return ordered[len(ordered)-n:]
}

// LogBuffer is a bounded, per-label ring buffer of log lines. It
// implements the jobs.LogBuffer and supervisor.LogSink interfaces so
// job and component stdout/stderr land somewhere the operator can
// retrieve it over HTTP.
type LogBuffer struct {
	clk clock.Clock

	mu     sync.Mutex
	rings  map[string]*ring
	allBuf *ring
}

// NewLogBuffer constructs an empty LogBuffer. A nil clk defaults to the
// real system clock.
func NewLogBuffer(clk clock.Clock) *LogBuffer {
	if clk == nil {
		clk = clock.Real()
	}
	return &LogBuffer{
		clk:    clk,
		rings:  map[string]*ring{},
		allBuf: &ring{},
	}
}

// Write appends line, prefixed with its unix-seconds timestamp, to
// label's ring and to the combined __all__ ring.
func (b *LogBuffer) Write(label, line string) {
	if strings.TrimRight(line, "\n") == "" {
		return
	}
	stamped := fmt.Sprintf("%d %s", b.clk.Now().Unix(), line)

	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rings[label]
	if !ok {
		r = &ring{}
		b.rings[label] = r
	}
	r.push(stamped)
	b.allBuf.push(label + ": " + stamped)
}

// Tail returns the most recent n lines for label (0 or negative means
// all retained lines). label == "" returns the merged __all__ view.
func (b *LogBuffer) Tail(label string, n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if label == "" || label == allLabel {
		return b.allBuf.tail(n)
	}
	r, ok := b.rings[label]
	if !ok {
		return nil
	}
	return r.tail(n)
}

// Labels returns the set of labels with retained log lines.
func (b *LogBuffer) Labels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.rings))
	for label := range b.rings {
		out = append(out, label)
	}
	return out
}
