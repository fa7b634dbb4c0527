package telemetry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/sphtasks/scheduler"
)

func TestTaskLog_RecordAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	log, err := OpenTaskLog(path, 2)
	require.NoError(t, err)

	require.NoError(t, log.Record(0, 1, []scheduler.TaskRecord{
		{Index: 0, Type: "sort", Subtype: "none", Runner: 1, Tic: 10, Toc: 20},
		{Index: 1, Type: "self", Subtype: "density", Runner: 0, Tic: 5, Toc: 30},
		{Index: 2, Type: "pair", Subtype: "density", Runner: -1},
	}))
	require.NoError(t, log.Record(1, 2, []scheduler.TaskRecord{
		{Index: 0, Type: "kick", Subtype: "none", Runner: 0, Tic: 1, Toc: 2},
	}))
	runID := log.RunID()
	require.NoError(t, log.Close())

	r, err := OpenTaskLogReader(path)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	latest, err := r.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, runID, latest)

	all, err := r.Tasks(ctx, runID, -1)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "self", all[0].Type)
	assert.Equal(t, "sort", all[1].Type)
	assert.Equal(t, 1, all[2].Rank)

	step1, err := r.Tasks(ctx, runID, 1)
	require.NoError(t, err)
	assert.Len(t, step1, 2)
}
