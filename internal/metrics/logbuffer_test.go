package metrics

import (
	"fmt"
	"testing"

	"github.com/realmhq/realm-agent/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestLogBufferTailOrdersOldestToNewest(t *testing.T) {
	clk := clock.NewFake()
	b := NewLogBuffer(clk)
	b.Write("wasm-1", "line1")
	b.Write("wasm-1", "line2")
	b.Write("wasm-1", "line3")

	ts := clk.Now().Unix()
	require.Equal(t, []string{
		fmt.Sprintf("%d line1", ts),
		fmt.Sprintf("%d line2", ts),
		fmt.Sprintf("%d line3", ts),
	}, b.Tail("wasm-1", 0))
	require.Equal(t, []string{
		fmt.Sprintf("%d line2", ts),
		fmt.Sprintf("%d line3", ts),
	}, b.Tail("wasm-1", 2))
}

func TestLogBufferEvictsOldestBeyondCapacity(t *testing.T) {
	b := NewLogBuffer(clock.NewFake())
	for i := 0; i < ringCapacity+10; i++ {
		b.Write("job-1", fmt.Sprintf("line-%d", i))
	}

	got := b.Tail("job-1", 0)
	require.Len(t, got, ringCapacity)
	require.Contains(t, got[0], "line-10")
	require.Contains(t, got[len(got)-1], fmt.Sprintf("line-%d", ringCapacity+9))
}

func TestLogBufferBlankLinesIgnored(t *testing.T) {
	b := NewLogBuffer(clock.NewFake())
	b.Write("job-1", "")
	b.Write("job-1", "\n")
	b.Write("job-1", "real line")

	got := b.Tail("job-1", 0)
	require.Len(t, got, 1)
	require.Contains(t, got[0], "real line")
}

func TestLogBufferAllLabelMergesAcrossComponents(t *testing.T) {
	b := NewLogBuffer(clock.NewFake())
	b.Write("comp-a", "hello")
	b.Write("comp-b", "world")

	merged := b.Tail("", 0)
	require.Len(t, merged, 2)
	require.Contains(t, merged[0], "comp-a: ")
	require.Contains(t, merged[0], "hello")
	require.Contains(t, merged[1], "comp-b: ")
	require.Contains(t, merged[1], "world")

	require.ElementsMatch(t, []string{"comp-a", "comp-b"}, b.Labels())
}

func TestLogBufferUnknownLabelReturnsNil(t *testing.T) {
	b := NewLogBuffer(clock.NewFake())
	require.Nil(t, b.Tail("nonexistent", 0))
}

func TestLogBufferWritePrefixesUnixSeconds(t *testing.T) {
	clk := clock.NewFake()
	b := NewLogBuffer(clk)
	b.Write("job-1", "hello")

	got := b.Tail("job-1", 0)
	require.Equal(t, []string{fmt.Sprintf("%d hello", clk.Now().Unix())}, got)
}
