package scheduler

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/task"
)

// hydroStep builds the graph of one hydro step on a single cell pair.
func hydroStep(t *testing.T) *Scheduler {
	t.Helper()
	s := New(nil, testParams(1), 16, nil)
	ci, cj := &cell.Cell{ID: 1}, &cell.Cell{ID: 2}
	add := func(typ task.Type, sub task.Subtype, flags int, a, b *cell.Cell) int32 {
		tid, err := s.AddTask(typ, sub, flags, a, b, false)
		require.NoError(t, err)
		return tid
	}
	initTask := add(task.TypeInit, task.SubtypeNone, 0, ci, nil)
	sortTask := add(task.TypeSort, task.SubtypeNone, 1<<4, ci, nil)
	selfRho := add(task.TypeSelf, task.SubtypeDensity, 0, ci, nil)
	pairRho := add(task.TypePair, task.SubtypeDensity, 4, ci, cj)
	ghost := add(task.TypeGhost, task.SubtypeNone, 0, ci, nil)
	selfForce := add(task.TypeSelf, task.SubtypeForce, 0, ci, nil)
	pairForce := add(task.TypePair, task.SubtypeForce, 4, ci, cj)
	kick := add(task.TypeKick, task.SubtypeNone, 0, ci, nil)
	dropped := add(task.TypeNone, task.SubtypeNone, 0, ci, nil)
	s.Task(dropped).Skip = true

	for _, e := range [][2]int32{
		{initTask, sortTask}, {initTask, selfRho}, {sortTask, pairRho}, {selfRho, ghost}, {pairRho, ghost},
		{ghost, selfForce}, {ghost, pairForce}, {selfForce, kick}, {pairForce, kick}, {initTask, dropped},
	} {
		s.AddUnlock(e[0], e[1])
	}
	s.SetUnlocks()
	require.NoError(t, s.RankTasks())
	return s
}

func TestWriteDot(t *testing.T) {
	s := hydroStep(t)
	var buf bytes.Buffer
	require.NoError(t, s.WriteDot(&buf))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "hydro_step", buf.Bytes())
}

func TestWriteTasksCSV(t *testing.T) {
	s := hydroStep(t)
	var buf bytes.Buffer
	require.NoError(t, s.WriteTasksCSV(&buf, 7, true))
	require.NoError(t, s.WriteTasksCSV(&buf, 8, false))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1+2*s.NrTasks())
	assert.True(t, strings.HasPrefix(lines[0], "step,index,rank,type,subtype,flags,ci,cj"))
	assert.True(t, strings.HasPrefix(lines[1], "7,0,0,init,none,0,1,-1,3,"), lines[1])
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "8,"))
}

func TestCounts(t *testing.T) {
	s := hydroStep(t)
	counts := s.Counts()
	assert.Equal(t, 2, counts[task.TypeSelf])
	assert.Equal(t, 2, counts[task.TypePair])
	assert.Equal(t, 1, counts[task.TypeSort])
	assert.Equal(t, 1, counts[task.TypeCount], "skipped tasks")
	assert.Zero(t, counts[task.TypeNone])
}
