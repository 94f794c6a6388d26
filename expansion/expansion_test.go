package expansion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/batterydata/cellpipe/timeseries"
)

func TestCalibratePicksWindow(t *testing.T) {
	tbl := timeseries.NewExpansionTable(3)
	tbl.TimeMS = []int64{500, 1500, 2500}
	tbl.RawCounts = []float64{1000, 1000, 1000}

	windows := []Window{
		{StartMS: 1000, EndMS: 2000, Cal: Calibration{X1: 0.002, C: 1}},
	}
	def := Calibration{X1: 0.001}
	Calibrate(tbl, windows, def)

	assert.InDelta(t, 1.0, tbl.ExpansionUM[0], 1e-12) // default
	assert.InDelta(t, 3.0, tbl.ExpansionUM[1], 1e-12) // windowed
	assert.InDelta(t, 1.0, tbl.ExpansionUM[2], 1e-12) // default again
}

func TestCalibrateQuadraticTerm(t *testing.T) {
	tbl := timeseries.NewExpansionTable(1)
	tbl.TimeMS = []int64{0}
	tbl.RawCounts = []float64{100}
	Calibrate(tbl, nil, Calibration{X1: 0.5, X2: 0.01, C: 2})
	assert.InDelta(t, 0.01*10000+0.5*100+2, tbl.ExpansionUM[0], 1e-12)
}

func TestAlignMatchesWithinTolerance(t *testing.T) {
	exp := timeseries.NewExpansionTable(5)
	exp.TimeMS = []int64{0, 60_000, 120_000, 180_000, 240_000}
	exp.ExpansionUM = []float64{10, 12, 15, 11, 13}

	mts := timeseries.CycleMetricsTable{
		timeseries.NewCycleMetric(),
		timeseries.NewCycleMetric(),
		timeseries.NewCycleMetric(),
	}
	mts[0].TimeMS = 3000    // 3 s from sample 0: matched
	mts[1].TimeMS = 121_000 // 1 s from sample 2: matched
	mts[2].TimeMS = 500_000 // nothing near: unmatched

	Align(exp, mts)

	assert.True(t, exp.CycleIndicator[0])
	assert.True(t, exp.CycleIndicator[2])
	assert.InDelta(t, 0, mts[0].ExpansionTimeMS, 1e-12)

	// Interval for the first match runs to the second matched sample.
	assert.InDelta(t, 10, mts[0].MinExpansion, 1e-12)
	assert.InDelta(t, 12, mts[0].MaxExpansion, 1e-12)
	assert.InDelta(t, 2, mts[0].ReversibleExpansion, 1e-12)

	// The second match's interval extends to the stream's end.
	assert.InDelta(t, 11, mts[1].MinExpansion, 1e-12)
	assert.InDelta(t, 15, mts[1].MaxExpansion, 1e-12)

	assert.True(t, math.IsNaN(mts[2].ExpansionTimeMS))
	assert.True(t, math.IsNaN(mts[2].MinExpansion))
}

func TestAlignToleranceBoundary(t *testing.T) {
	exp := timeseries.NewExpansionTable(1)
	exp.TimeMS = []int64{0}
	exp.ExpansionUM = []float64{10}

	mts := timeseries.CycleMetricsTable{timeseries.NewCycleMetric()}
	mts[0].TimeMS = 11_000 // 11 s away, past the 10 s tolerance

	Align(exp, mts)
	assert.False(t, exp.CycleIndicator[0])
	assert.True(t, math.IsNaN(mts[0].MinExpansion))
}
