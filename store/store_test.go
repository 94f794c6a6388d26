package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/batterydata/cellpipe/timeseries"
)

func sampleState() *CellState {
	tbl := timeseries.NewSampleTable(3)
	tbl.TimeMS = []int64{1000, 2000, 3000}
	tbl.Current = []float64{2, 0, -2}
	tbl.AhThroughput = []float64{0, 0.001, 0.002}
	tbl.ChargeStart[0] = true

	m := timeseries.NewCycleMetric()
	m.TimeMS = 1000
	m.ChargeStart = true
	m.ChargeCapacity = 0.002

	return &CellState{
		Samples:   tbl,
		Metrics:   timeseries.CycleMetricsTable{m},
		Expansion: timeseries.NewExpansionTable(0),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := Store{Dir: t.TempDir()}
	assert.NoError(t, s.Save("cell01", sampleState()))

	got, err := s.Load("cell01")
	assert.NoError(t, err)
	assert.Equal(t, 3, got.Samples.Len())
	assert.True(t, got.Samples.ChargeStart[0])
	assert.Len(t, got.Metrics, 1)
	assert.InDelta(t, 0.002, got.Metrics[0].ChargeCapacity, 1e-12)
}

func TestLoadMissingState(t *testing.T) {
	s := Store{Dir: t.TempDir()}
	_, err := s.Load("nobody")
	assert.ErrorIs(t, err, ErrNoState)
}

func TestLoadCorruptStateFallsBack(t *testing.T) {
	dir := t.TempDir()
	s := Store{Dir: dir}
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "cell01.state"), []byte("not gob"), 0o644))

	_, err := s.Load("cell01")
	assert.ErrorIs(t, err, ErrNoState)
}

func TestCacheHitAvoidsFile(t *testing.T) {
	dir := t.TempDir()
	cache := NewMemCache()
	s := Store{Dir: dir, Cache: cache}
	assert.NoError(t, s.Save("cell01", sampleState()))

	// Remove the file: the cached copy must still satisfy the load.
	assert.NoError(t, os.Remove(filepath.Join(dir, "cell01.state")))
	got, err := s.Load("cell01")
	assert.NoError(t, err)
	assert.Equal(t, 3, got.Samples.Len())
}

func TestCacheMissFallsThroughToFile(t *testing.T) {
	dir := t.TempDir()
	s := Store{Dir: dir}
	assert.NoError(t, s.Save("cell01", sampleState()))

	cached := Store{Dir: dir, Cache: NewMemCache()}
	got, err := cached.Load("cell01")
	assert.NoError(t, err)
	assert.Equal(t, 3, got.Samples.Len())
}
