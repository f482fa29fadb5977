package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houriganUCSC/ACFModeler/internal/fit"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "sub", "cal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func record(label string, tau float64) Record {
	return Record{
		Label:     label,
		Mass:      238.05,
		TauSource: fit.Self,
		ACFSource: fit.Internal,
		Tau:       fit.Param{Value: tau, SE: tau / 100},
		A1:        fit.Param{Value: 7.8e-4, SE: 1e-7},
		A2:        fit.NaN(),
	}
}

func TestCommitHistory(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	id1, err := st.Commit(ctx, Run{Name: "SEQ1", Committed: t0, Samples: 2, Cycles: 10, DeadTime: 5e-9},
		[]Record{record("U238", 18e-9), record("Th232", 17e-9)})
	require.NoError(t, err)
	_, err = uuid.Parse(id1)
	require.NoError(t, err)

	id2, err := st.Commit(ctx, Run{Name: "SEQ2", Committed: t0.Add(time.Hour), DeadTime: math.NaN()},
		[]Record{record("U238", 19e-9)})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	hist, err := st.History(ctx, "U238", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, id2, hist[0].RunID)
	assert.Equal(t, 19e-9, hist[0].Tau.Value)
	assert.True(t, hist[0].Committed.Equal(t0.Add(time.Hour)))
	assert.Equal(t, fit.Self, hist[1].TauSource)
	assert.Equal(t, fit.Internal, hist[1].ACFSource)
	assert.True(t, math.IsNaN(hist[1].A2.Value))
	assert.True(t, math.IsNaN(hist[1].A2.SE))

	hist, err = st.History(ctx, "U238", 1)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	hist, err = st.History(ctx, "Pb206", 0)
	require.NoError(t, err)
	assert.Empty(t, hist)

	runs, err := st.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "SEQ2", runs[0].Name)
	assert.True(t, math.IsNaN(runs[0].DeadTime))
	assert.Equal(t, 5e-9, runs[1].DeadTime)
	assert.Equal(t, 10, runs[1].Cycles)
}

func TestExternalLatest(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := st.Commit(ctx, Run{Name: "new", Committed: t0.Add(time.Minute)}, []Record{record("U238", 19e-9)})
	require.NoError(t, err)
	_, err = st.Commit(ctx, Run{Name: "old", Committed: t0}, []Record{record("U238", 18e-9), record("Th232", 17e-9)})
	require.NoError(t, err)

	ext, err := st.External(ctx)
	require.NoError(t, err)
	require.Len(t, ext, 2)
	assert.Equal(t, 19e-9, ext["U238"].Tau.Value)
	assert.Equal(t, 17e-9, ext["Th232"].Tau.Value)
	assert.True(t, math.IsNaN(ext["U238"].A2.Value))
}

func TestCommitEmpty(t *testing.T) {
	st := openTemp(t)
	_, err := st.Commit(context.Background(), Run{Name: "x"}, nil)
	assert.ErrorIs(t, err, ErrNoFits)
}

func TestCommitDuplicateLabelRollsBack(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)
	_, err := st.Commit(ctx, Run{Name: "dup"}, []Record{record("U238", 1e-8), record("U238", 2e-8)})
	require.Error(t, err)

	runs, err := st.Runs(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
