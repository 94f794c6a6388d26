package timeseries

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrapz(t *testing.T) {
	tMS := []int64{0, 1000, 2000, 3000}
	y := []float64{0, 2, 2, 0}
	assert.InDelta(t, 5.0, Trapz(tMS, y, 0, 3), 1e-12)
	assert.InDelta(t, 1.0, Trapz(tMS, y, 0, 1), 1e-12)
	assert.InDelta(t, 0.0, Trapz(tMS, y, 2, 2), 1e-12)
}

func TestCumTrapzAbsSkipsLongGaps(t *testing.T) {
	tMS := []int64{0, 1000, 2_000_000, 2_001_000}
	y := []float64{2, 2, 2, -2}
	out := CumTrapzAbs(tMS, y, 1000)
	assert.InDelta(t, 0, out[0], 1e-12)
	assert.InDelta(t, 2, out[1], 1e-12)
	// the ~33 minute outage contributes nothing
	assert.InDelta(t, 2, out[2], 1e-12)
	assert.InDelta(t, 4, out[3], 1e-12)
}

func TestCumTrapzSigned(t *testing.T) {
	tMS := []int64{0, 1000, 2000}
	y := []float64{2, 2, -2}
	out := CumTrapz(tMS, y, 0)
	assert.InDelta(t, 2, out[1], 1e-12)
	assert.InDelta(t, 2, out[2], 1e-12) // charge and discharge cancel
}

func TestNearestIndex(t *testing.T) {
	ts := []int64{0, 1000, 5000}

	i, d := NearestIndex(ts, 900)
	assert.Equal(t, 1, i)
	assert.Equal(t, int64(100), d)

	i, _ = NearestIndex(ts, -50)
	assert.Equal(t, 0, i)

	i, d = NearestIndex(ts, 9000)
	assert.Equal(t, 2, i)
	assert.Equal(t, int64(4000), d)

	i, _ = NearestIndex(nil, 0)
	assert.Equal(t, -1, i)
}

func TestMinMaxSkipsNaN(t *testing.T) {
	data := []float64{3, math.NaN(), 1, 5}
	lo, hi := MinMax(data, 0, 4)
	assert.InDelta(t, 1, lo, 1e-12)
	assert.InDelta(t, 5, hi, 1e-12)

	// degenerate interval falls back to the bounding sample
	lo, hi = MinMax(data, 2, 2)
	assert.InDelta(t, 1, lo, 1e-12)
	assert.InDelta(t, 1, hi, 1e-12)
}

func TestTimeWeightedMean(t *testing.T) {
	// irregular sampling: the long-held value dominates
	tMS := []int64{0, 1000, 10_000}
	y := []float64{0, 0, 9}
	m := TimeWeightedMean(tMS, y, 0, 2)
	assert.InDelta(t, 4.05, m, 1e-12)

	// zero duration falls back to the arithmetic mean
	same := TimeWeightedMean([]int64{5000, 5000}, []float64{2, 4}, 0, 1)
	assert.InDelta(t, 3, same, 1e-12)
}

func TestSignChanges(t *testing.T) {
	y := []float64{1, 1, 0, -1, -1, 0, 1, -1}
	assert.Equal(t, 3, SignChanges(y, 0, len(y)))
	assert.Equal(t, 0, SignChanges(y, 0, 3))
}

func TestSampleTableSliceAndAppend(t *testing.T) {
	tbl := NewSampleTable(4)
	for i := 0; i < 4; i++ {
		tbl.TimeMS[i] = int64(i)
		tbl.AhThroughput[i] = float64(i)
	}
	tbl.ChargeStart[1] = true

	cut := tbl.Slice(1, 3)
	assert.Equal(t, 2, cut.Len())
	assert.True(t, cut.ChargeStart[0])

	// the copy is deep
	cut.AhThroughput[0] = 99
	assert.InDelta(t, 1, tbl.AhThroughput[1], 1e-12)

	cut.Append(tbl.Slice(3, 4))
	assert.Equal(t, 3, cut.Len())
	assert.Equal(t, int64(3), cut.TimeMS[2])
}

func TestBoundaryIndices(t *testing.T) {
	tbl := NewSampleTable(5)
	tbl.ChargeStart[1] = true
	tbl.DischargeStart[3] = true
	assert.Equal(t, []int{1, 3}, tbl.BoundaryIndices())
}
