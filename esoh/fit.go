package esoh

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/optimize"

	"github.com/batterydata/cellpipe/timeseries"
)

var log = logrus.New()

// SetLogger routes this package's logging to a shared logger.
func SetLogger(l *logrus.Logger) { log = l }

// ErrTooFewPoints reports a slow-rate block too short to build a
// usable V(Q) curve from.
var ErrTooFewPoints = errors.New("too few usable samples in slow-rate block")

// Config tunes curve extraction and the fit. Zero values select the
// defaults.
type Config struct {
	IC20            float64 // configured slow-rate current magnitude, A
	CurrentBandFrac float64 // accepted |I| band around IC20, fractional
	VMin, VMax      float64 // accepted voltage window, V
	GridStepAh      float64 // common capacity grid step
	SmoothSpanS     float64 // Savitzky-Golay window span in seconds
	RMSThresholdV   float64 // voltage RMS above this invalidates the fit
	KneeWindowFrac  float64 // half-width of knee up-weighting, fraction of Qtot
	KneeWeight      float64 // extra weight applied inside a knee window
}

func (c Config) withDefaults() Config {
	if c.CurrentBandFrac == 0 {
		c.CurrentBandFrac = 0.3
	}
	if c.VMin == 0 {
		c.VMin = 2.7
	}
	if c.VMax == 0 {
		c.VMax = 4.2
	}
	if c.GridStepAh == 0 {
		c.GridStepAh = 0.01
	}
	if c.SmoothSpanS == 0 {
		c.SmoothSpanS = 3000
	}
	if c.RMSThresholdV == 0 {
		c.RMSThresholdV = 0.020
	}
	if c.KneeWindowFrac == 0 {
		c.KneeWindowFrac = 0.05
	}
	if c.KneeWeight == 0 {
		c.KneeWeight = 5
	}
	return c
}

// CurveBlock is one slow-rate sub-cycle's raw samples.
type CurveBlock struct {
	TimeMS  []int64
	Current []float64
	Voltage []float64
}

// ExtractCurve turns a slow-rate block into a monotone V(Q) branch on
// the capacity-remaining axis (Q=0 at 100% SOC). Samples outside the
// slow-rate current band (the constant-voltage tail) or the voltage
// window are discarded; the charge branch is reversed so both branches
// run in the same direction.
func ExtractCurve(blk CurveBlock, charge bool, cfg Config) (q, v []float64, err error) {
	cfg = cfg.withDefaults()
	if cfg.IC20 <= 0 {
		return nil, nil, fmt.Errorf("slow-rate current not configured")
	}
	lo := (1 - cfg.CurrentBandFrac) * cfg.IC20
	hi := (1 + cfg.CurrentBandFrac) * cfg.IC20

	var ts []int64
	var is, vs []float64
	for i := range blk.TimeMS {
		a := math.Abs(blk.Current[i])
		if a < lo || a > hi {
			continue
		}
		if blk.Voltage[i] < cfg.VMin || blk.Voltage[i] > cfg.VMax {
			continue
		}
		ts = append(ts, blk.TimeMS[i])
		is = append(is, a)
		vs = append(vs, blk.Voltage[i])
	}
	if len(ts) < 10 {
		return nil, nil, ErrTooFewPoints
	}

	cum := timeseries.CumTrapzAbs(ts, is, 0)
	q = make([]float64, len(cum))
	for i := range cum {
		q[i] = cum[i] / 3600.0
	}
	if charge {
		// Charge runs toward 100% SOC: express as capacity remaining
		// and reverse so Q increases along the branch.
		total := q[len(q)-1]
		rq := make([]float64, len(q))
		rv := make([]float64, len(q))
		for i := range q {
			rq[len(q)-1-i] = total - q[i]
			rv[len(q)-1-i] = vs[i]
		}
		q, vs = rq, rv
	}

	window := smoothWindow(ts, cfg.SmoothSpanS)
	sm, err := savgolFilter(vs, window, 3, 0, 1)
	if err != nil {
		return nil, nil, err
	}
	q, sm = dedupeByQ(q, sm)
	if len(q) < 4 {
		return nil, nil, ErrTooFewPoints
	}
	return q, sm, nil
}

// smoothWindow converts the time span to an odd sample count.
func smoothWindow(ts []int64, spanS float64) int {
	dts := make([]float64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		dts = append(dts, timeseries.Seconds(ts[i-1], ts[i]))
	}
	sort.Float64s(dts)
	med := dts[len(dts)/2]
	if med <= 0 {
		med = 1
	}
	w := int(spanS / med)
	if w%2 == 0 {
		w++
	}
	if w < 5 {
		w = 5
	}
	return w
}

// dedupeByQ keeps the first sample at each strictly-increasing Q value
// so the spline fit sees a valid abscissa.
func dedupeByQ(q, v []float64) ([]float64, []float64) {
	outQ := q[:1]
	outV := v[:1]
	for i := 1; i < len(q); i++ {
		if q[i] > outQ[len(outQ)-1] {
			outQ = append(outQ, q[i])
			outV = append(outV, v[i])
		}
	}
	return outQ, outV
}

// Fit averages the two branches on a common capacity grid and fits the
// four-parameter electrode model by weighted least squares. The
// returned parameters are marked invalid (but still carry diagnostics)
// when the voltage RMS exceeds the acceptance threshold.
func Fit(chargeQ, chargeV, dischargeQ, dischargeV []float64, cfg Config) (timeseries.ESOHParams, error) {
	cfg = cfg.withDefaults()
	var out timeseries.ESOHParams

	grid, target, err := averageBranches(chargeQ, chargeV, dischargeQ, dischargeV, cfg.GridStepAh)
	if err != nil {
		return out, err
	}
	qTot := grid[len(grid)-1] - grid[0]
	if qTot <= 0 {
		return out, ErrTooFewPoints
	}

	weights := kneeWeights(grid, target, qTot, cfg)

	best, bestF := fitMultiStart(grid, target, weights, qTot)
	if math.IsInf(bestF, 1) {
		return out, errors.New("optimization did not converge from any start")
	}

	out.Cn, out.X100 = best.Cn, best.X100
	out.Cp, out.Y100 = best.Cp, best.Y100
	out.X0 = best.X100 - qTot/best.Cn
	out.Y0 = best.Y100 + qTot/best.Cp
	out.FullCapacity = qTot
	out.RMSVoltageError = rmsError(grid, target, nil, best)
	out.RMSDVDQError = rmsDVDQError(grid, target, best)
	out.Valid = out.RMSVoltageError <= cfg.RMSThresholdV
	if !out.Valid {
		log.WithFields(logrus.Fields{"rms_v": out.RMSVoltageError, "threshold": cfg.RMSThresholdV}).
			Warn("electrode fit rejected on voltage residual")
		// A rejected parameter set is nulled; only the residuals stay
		// visible for diagnosis.
		nan := math.NaN()
		out.Cn, out.X0, out.X100 = nan, nan, nan
		out.Cp, out.Y0, out.Y100 = nan, nan, nan
	}
	return out, nil
}

// averageBranches interpolates both branches with a monotone cubic
// spline and averages them on a shared grid, cancelling the
// polarization hysteresis between charge and discharge.
func averageBranches(cq, cv, dq, dv []float64, step float64) (grid, avg []float64, err error) {
	if len(cq) < 4 || len(dq) < 4 {
		return nil, nil, ErrTooFewPoints
	}
	var chg, dis interp.FritschButland
	if err := chg.Fit(cq, cv); err != nil {
		return nil, nil, fmt.Errorf("charge spline: %w", err)
	}
	if err := dis.Fit(dq, dv); err != nil {
		return nil, nil, fmt.Errorf("discharge spline: %w", err)
	}

	lo := math.Max(cq[0], dq[0])
	hi := math.Min(cq[len(cq)-1], dq[len(dq)-1])
	if hi-lo < 4*step {
		return nil, nil, errors.New("charge and discharge branches barely overlap")
	}
	for x := lo; x <= hi; x += step {
		grid = append(grid, x)
		avg = append(avg, 0.5*(chg.Predict(x)+dis.Predict(x)))
	}
	return grid, avg, nil
}

// kneeWeights up-weights samples near the measured dV/dQ peaks inside
// the interior 10-90% capacity band, falling back to the band edges
// themselves when no clean peak exists.
func kneeWeights(grid, target []float64, qTot float64, cfg Config) []float64 {
	n := len(grid)
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}

	dvdq, err := savgolFilter(target, 25, 3, 1, cfg.GridStepAh)
	if err != nil {
		return w
	}
	loI, hiI := n/10, n*9/10
	mid := (loI + hiI) / 2

	knees := make([]float64, 0, 2)
	for _, span := range [][2]int{{loI, mid}, {mid, hiI}} {
		peak, peakV := -1, 0.0
		for i := span[0] + 1; i+1 < span[1]; i++ {
			a := math.Abs(dvdq[i])
			if a > math.Abs(dvdq[i-1]) && a >= math.Abs(dvdq[i+1]) && a > peakV {
				peak, peakV = i, a
			}
		}
		if peak != -1 {
			knees = append(knees, grid[peak])
		}
	}
	if len(knees) == 0 {
		knees = []float64{grid[loI], grid[hiI]}
	}

	half := cfg.KneeWindowFrac * qTot
	for i, q := range grid {
		for _, k := range knees {
			if math.Abs(q-k) <= half {
				w[i] = cfg.KneeWeight
				break
			}
		}
	}
	return w
}

// Parameter bounds relative to the observed total capacity.
func bounds(qTot float64) (lo, hi [4]float64) {
	lo = [4]float64{qTot, 0.5, qTot, 0.0}
	hi = [4]float64{3 * qTot, 1.0, 3 * qTot, 0.5}
	return lo, hi
}

func fitMultiStart(grid, target, weights []float64, qTot float64) (Params, float64) {
	obj := func(x []float64) float64 {
		p := Params{Cn: x[0], X100: x[1], Cp: x[2], Y100: x[3]}
		return objective(grid, target, weights, qTot, p)
	}
	problem := optimize.Problem{Func: obj}
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{Absolute: 1e-12, Iterations: 100},
	}

	var best Params
	bestF := math.Inf(1)
	for _, cn := range []float64{1.02 * qTot, 1.3 * qTot} {
		for _, x100 := range []float64{0.85, 0.95} {
			for _, y100 := range []float64{0.02, 0.1} {
				x0 := []float64{cn, x100, cn, y100}
				res, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
				if err != nil || res == nil {
					continue
				}
				if res.F < bestF {
					bestF = res.F
					best = Params{Cn: res.X[0], X100: res.X[1], Cp: res.X[2], Y100: res.X[3]}
				}
			}
		}
	}
	if !math.IsInf(bestF, 1) {
		// Polish from the best start.
		x0 := []float64{best.Cn, best.X100, best.Cp, best.Y100}
		if res, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{}); err == nil && res != nil && res.F < bestF {
			bestF = res.F
			best = Params{Cn: res.X[0], X100: res.X[1], Cp: res.X[2], Y100: res.X[3]}
		}
	}
	return best, bestF
}

// objective is the weighted RMS voltage error plus quadratic penalties
// keeping the parameters inside their bounds and both stoichiometry
// windows inside [0, 1] across the observed capacity.
func objective(grid, target, weights []float64, qTot float64, p Params) float64 {
	const penaltyScale = 1e3
	lo, hi := bounds(qTot)
	x := [4]float64{p.Cn, p.X100, p.Cp, p.Y100}
	var penalty float64
	for i := range x {
		if x[i] < lo[i] {
			d := lo[i] - x[i]
			penalty += penaltyScale * d * d
			x[i] = lo[i]
		} else if x[i] > hi[i] {
			d := x[i] - hi[i]
			penalty += penaltyScale * d * d
			x[i] = hi[i]
		}
	}
	p = Params{Cn: x[0], X100: x[1], Cp: x[2], Y100: x[3]}

	if x0 := p.X100 - qTot/p.Cn; x0 < 0 {
		penalty += penaltyScale * x0 * x0
	}
	if y0 := p.Y100 + qTot/p.Cp; y0 > 1 {
		d := y0 - 1
		penalty += penaltyScale * d * d
	}
	return rmsError(grid, target, weights, p) + penalty
}

// rmsError is the (optionally weighted) RMS voltage error of the model
// against the averaged measured curve.
func rmsError(grid, target, weights []float64, p Params) float64 {
	var num, den float64
	for i, q := range grid {
		d := p.Voltage(q) - target[i]
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		num += w * d * d
		den += w
	}
	return math.Sqrt(num / den)
}

// rmsDVDQError compares measured and model dV/dQ over the interior
// 10-90% band, where the differential curve is not dominated by the
// voltage-limit tails.
func rmsDVDQError(grid, target []float64, p Params) float64 {
	n := len(grid)
	if n < 3 {
		return math.NaN()
	}
	loI, hiI := n/10, n*9/10
	var num float64
	var cnt int
	for i := loI + 1; i < hiI-1; i++ {
		h := grid[i+1] - grid[i-1]
		measured := (target[i+1] - target[i-1]) / h
		model := (p.Voltage(grid[i+1]) - p.Voltage(grid[i-1])) / h
		d := model - measured
		num += d * d
		cnt++
	}
	if cnt == 0 {
		return math.NaN()
	}
	return math.Sqrt(num / float64(cnt))
}
