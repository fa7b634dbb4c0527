package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/sphtasks/telemetry"
)

func TestTimeline(t *testing.T) {
	rows := []telemetry.TaskRow{
		{Rank: 0, Step: 1, Runner: 1, Type: "kick", Subtype: "none", Tic: 5_000_000, Toc: 6_000_000},
		{Rank: 0, Step: 1, Runner: 0, Type: "self", Subtype: "density", Tic: 2_000_000, Toc: 4_000_000},
		{Rank: 0, Step: 0, Runner: 0, Type: "sort", Subtype: "none", Tic: 1_000, Toc: 501_000},
		{Rank: 1, Step: 1, Runner: 0, Type: "recv", Subtype: "xv", Tic: 9_000_000, Toc: 8_000_000},
	}
	tl := Timeline(rows)
	require.Len(t, tl, 4)

	assert.Equal(t, TimelineRow{Rank: 0, Step: 0, Runner: 0, Task: "sort", StartMS: 0, EndMS: 0.5}, tl[0])
	assert.Equal(t, TimelineRow{Rank: 0, Step: 1, Runner: 0, Task: "self/density", StartMS: 0, EndMS: 2}, tl[1])
	assert.Equal(t, TimelineRow{Rank: 0, Step: 1, Runner: 1, Task: "kick", StartMS: 3, EndMS: 4}, tl[2])
	// A toc before its tic is clamped to a zero-length task.
	assert.Equal(t, TimelineRow{Rank: 1, Step: 1, Runner: 0, Task: "recv/xv", StartMS: 0, EndMS: 0}, tl[3])
}

func TestUtilisation(t *testing.T) {
	tl := []TimelineRow{
		{Rank: 0, Step: 0, Runner: 0, StartMS: 0, EndMS: 3},
		{Rank: 0, Step: 0, Runner: 0, StartMS: 3, EndMS: 4},
		{Rank: 0, Step: 0, Runner: 1, StartMS: 1, EndMS: 2},
		{Rank: 0, Step: 1, Runner: 1, StartMS: 0, EndMS: 4},
	}
	loads := Utilisation(tl)
	require.Len(t, loads, 2)

	assert.Equal(t, 0, loads[0].Runner)
	assert.Equal(t, 2, loads[0].Tasks)
	assert.InDelta(t, 8.0, loads[0].SpanMS, 1e-12)
	assert.InDelta(t, 0.5, loads[0].Busy, 1e-12)

	assert.Equal(t, 1, loads[1].Runner)
	assert.Equal(t, 2, loads[1].Tasks)
	assert.InDelta(t, 5.0/8.0, loads[1].Busy, 1e-12)
}
