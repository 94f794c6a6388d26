package esoh

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOCPFunctionsPlausible(t *testing.T) {
	// Graphite potential falls with lithiation, NMC potential falls as
	// it fills.
	assert.Greater(t, UNeg(0.02), UNeg(0.5))
	assert.Greater(t, UNeg(0.5), UNeg(0.95))
	assert.Greater(t, UPos(0.3), UPos(0.9))

	p := Params{Cn: 3.2, X100: 0.9, Cp: 3.6, Y100: 0.05}
	v0 := p.Voltage(0)
	v1 := p.Voltage(2.8)
	assert.Greater(t, v0, v1, "cell voltage must fall as capacity is withdrawn")
	assert.Greater(t, v0, 3.5)
	assert.Less(t, v1, 3.7)
}

func TestFitRoundTrip(t *testing.T) {
	truth := Params{Cn: 3.2, X100: 0.90, Cp: 3.6, Y100: 0.05}

	var q, v []float64
	for x := 0.0; x <= 2.8; x += 0.01 {
		q = append(q, x)
		v = append(v, truth.Voltage(x))
	}

	got, err := Fit(q, v, q, v, Config{})
	assert.NoError(t, err)
	assert.True(t, got.Valid)
	assert.Less(t, got.RMSVoltageError, 2e-3)
	assert.InDelta(t, truth.Cn, got.Cn, 0.02)
	assert.InDelta(t, truth.Cp, got.Cp, 0.02)
	assert.InDelta(t, truth.X100, got.X100, 0.01)
	assert.InDelta(t, truth.Y100, got.Y100, 0.01)

	qTot := q[len(q)-1] - q[0]
	assert.InDelta(t, got.X100-qTot/got.Cn, got.X0, 1e-9)
	assert.InDelta(t, got.Y100+qTot/got.Cp, got.Y0, 1e-9)
	assert.GreaterOrEqual(t, got.X0, -0.01)
	assert.LessOrEqual(t, got.Y0, 1.01)
}

func TestFitRejectsBarelyOverlappingBranches(t *testing.T) {
	truth := Params{Cn: 3.2, X100: 0.90, Cp: 3.6, Y100: 0.05}
	var q1, v1, q2, v2 []float64
	for x := 0.0; x <= 0.5; x += 0.01 {
		q1 = append(q1, x)
		v1 = append(v1, truth.Voltage(x))
	}
	for x := 0.49; x <= 1.0; x += 0.01 {
		q2 = append(q2, x)
		v2 = append(v2, truth.Voltage(x))
	}
	_, err := Fit(q1, v1, q2, v2, Config{})
	assert.Error(t, err)
}

func TestExtractCurveFiltersAndIntegrates(t *testing.T) {
	truth := Params{Cn: 3.2, X100: 0.90, Cp: 3.6, Y100: 0.05}
	cfg := Config{IC20: 0.177}

	// Slow discharge at IC20, 60 s samples, with a constant-voltage
	// tail at reduced current that must be excluded.
	var blk CurveBlock
	for i := 0; i < 800; i++ {
		blk.TimeMS = append(blk.TimeMS, int64(i*60_000))
		q := 0.177 * float64(i) / 60.0
		blk.Current = append(blk.Current, -0.177)
		blk.Voltage = append(blk.Voltage, truth.Voltage(q))
	}
	for i := 800; i < 850; i++ {
		blk.TimeMS = append(blk.TimeMS, int64(i*60_000))
		blk.Current = append(blk.Current, -0.02)
		blk.Voltage = append(blk.Voltage, 3.0)
	}

	q, v, err := ExtractCurve(blk, false, cfg)
	assert.NoError(t, err)
	assert.Equal(t, len(q), len(v))
	assert.LessOrEqual(t, len(q), 800, "constant-voltage tail must be dropped")
	for i := 1; i < len(q); i++ {
		assert.Greater(t, q[i], q[i-1])
	}
	// about 2.36 A·h passed over 799 minutes at 0.177 A
	assert.InDelta(t, 0.177*799.0/60.0, q[len(q)-1], 0.01)
}

func TestExtractCurveChargeReversesAxis(t *testing.T) {
	cfg := Config{IC20: 0.177}
	var blk CurveBlock
	for i := 0; i < 200; i++ {
		blk.TimeMS = append(blk.TimeMS, int64(i*60_000))
		blk.Current = append(blk.Current, 0.177)
		blk.Voltage = append(blk.Voltage, 3.0+float64(i)*0.005)
	}
	q, v, err := ExtractCurve(blk, true, cfg)
	assert.NoError(t, err)
	// Charging ends at 100% SOC: the highest voltage sits at Q=0.
	assert.InDelta(t, 0, q[0], 1e-9)
	assert.Greater(t, v[0], v[len(v)-1])
}

func TestExtractCurveTooFewPoints(t *testing.T) {
	blk := CurveBlock{
		TimeMS:  []int64{0, 60_000},
		Current: []float64{-0.177, -0.177},
		Voltage: []float64{3.8, 3.79},
	}
	_, _, err := ExtractCurve(blk, false, Config{IC20: 0.177})
	assert.ErrorIs(t, err, ErrTooFewPoints)
}

func TestSavgolSmoothingPreservesPolynomial(t *testing.T) {
	// A cubic passes through an order-3 filter unchanged away from the
	// edges.
	n := 101
	y := make([]float64, n)
	for i := range y {
		x := float64(i) * 0.1
		y[i] = 1 + 2*x - 0.3*x*x + 0.01*x*x*x
	}
	sm, err := savgolFilter(y, 11, 3, 0, 1)
	assert.NoError(t, err)
	for i := 10; i < n-10; i++ {
		assert.InDelta(t, y[i], sm[i], 1e-9)
	}
}

func TestSavgolDerivative(t *testing.T) {
	// d/dx of 3x + 2 sampled at dx=0.5
	n := 41
	y := make([]float64, n)
	for i := range y {
		y[i] = 3*float64(i)*0.5 + 2
	}
	d, err := savgolFilter(y, 9, 2, 1, 0.5)
	assert.NoError(t, err)
	for i := 5; i < n-5; i++ {
		assert.InDelta(t, 3.0, d[i], 1e-9)
	}
}

func TestSavgolRejectsBadWindow(t *testing.T) {
	_, err := savgolWeights(10, 3, 0)
	assert.Error(t, err)
	_, err = savgolWeights(5, 7, 0)
	assert.Error(t, err)
}

func TestFitDiagnosticsOnDistortedCurve(t *testing.T) {
	truth := Params{Cn: 3.2, X100: 0.90, Cp: 3.6, Y100: 0.05}
	var q, v []float64
	for x := 0.0; x <= 2.8; x += 0.01 {
		q = append(q, x)
		// 80 mV of structure the model cannot express
		v = append(v, truth.Voltage(x)+0.08*math.Sin(x*4))
	}
	got, err := Fit(q, v, q, v, Config{})
	assert.NoError(t, err)
	assert.False(t, got.Valid, "fit above the RMS threshold must be invalidated")
	assert.Greater(t, got.RMSVoltageError, 0.020)

	// The rejected parameters are nulled, not merely flagged.
	assert.True(t, math.IsNaN(got.Cn))
	assert.True(t, math.IsNaN(got.Cp))
	assert.True(t, math.IsNaN(got.X100))
	assert.True(t, math.IsNaN(got.Y100))
	assert.True(t, math.IsNaN(got.X0))
	assert.True(t, math.IsNaN(got.Y0))
}
