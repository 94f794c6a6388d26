package cycle

import (
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/batterydata/cellpipe/timeseries"
)

var log = logrus.New()

// SetLogger routes this package's logging to a shared logger.
func SetLogger(l *logrus.Logger) { log = l }

// Test-type labels assigned from file-name tokens.
const (
	TestTypeRPT         = "RPT"
	TestTypeCycling     = "CYC"
	TestTypeFormation   = "F"
	TestTypeCalibration = "CAL"
)

// ClassifyTest resolves the test type from the file name. EIS files are
// RPT aliases (they bracket the same characterization block). Returns
// the type plus whether the file is a capacity-check file (RPT or
// formation), whose cycler-reported cumulative capacity is unreliable
// for formation and whose boundaries are flagged for capacity analysis.
func ClassifyTest(name string) (testType string, capacityCheck bool) {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "rpt"), strings.Contains(n, "eis"):
		return TestTypeRPT, true
	case strings.Contains(n, "cal"):
		return TestTypeCalibration, false
	case strings.Contains(n, "_f") && !strings.Contains(n, "_formtap"):
		// Formation-tap files carry the _F token but are ordinary
		// cycling, with trustworthy reported throughput.
		return TestTypeFormation, true
	}
	return TestTypeCycling, false
}

// Thresholds gate boundary acceptance. Zero values disable a check.
type Thresholds struct {
	VMaxCycle float64 // discharge start requires voltage >= this
	VMinCycle float64 // charge start requires voltage <= this
	DAhMin    float64 // minimum Ah between consecutive boundaries
	DtMinS    float64 // minimum seconds between consecutive boundaries
}

// Config tunes the detector. Zero values select the defaults.
type Config struct {
	ClassWidthFrac   float64 // hysteresis band as fraction of net-charge range
	ChargeCurrentMin float64 // A; current crossing threshold for candidates
	GapSeconds       float64 // time gaps above this contribute no throughput
	HPPCSignChanges  int     // current sign reversals above this label HPPC
	SlowMinHours     float64 // minimum interval duration for a slow segment
	SlowRateDivisor  float64 // slow segment mean |I| < capacity/this
}

func (c Config) withDefaults() Config {
	if c.ClassWidthFrac == 0 {
		c.ClassWidthFrac = 0.10
	}
	if c.ChargeCurrentMin == 0 {
		c.ChargeCurrentMin = 1e-5
	}
	if c.GapSeconds == 0 {
		c.GapSeconds = 1000
	}
	if c.HPPCSignChanges == 0 {
		c.HPPCSignChanges = 10
	}
	if c.SlowMinHours == 0 {
		c.SlowMinHours = 8
	}
	if c.SlowRateDivisor == 0 {
		c.SlowRateDivisor = 18
	}
	return c
}

// FileContext is the per-file information the detector needs beyond the
// sample table itself.
type FileContext struct {
	Name             string
	TestType         string
	CapacityCheck    bool
	Formation        bool    // integrate |I| instead of trusting reported throughput
	LastAhThroughput float64 // final throughput of the previous file
	NominalCapacity  float64 // A·h, for the slow-rate test
	Thresholds       Thresholds
}

// Result reports the detection outcome for one file.
type Result struct {
	ChargeStarts     []int
	DischargeStarts  []int
	LastAhThroughput float64
	// FirstBoundaryAmbiguous marks files whose leading boundary
	// classification could not be resolved cleanly (partial leading
	// cycle vs mid-cycle start); flagged for manual review.
	FirstBoundaryAmbiguous bool
}

// Detect rebases the table's Ah-throughput onto the previous file's
// final value, locates charge/discharge boundaries and writes the
// boundary annotations in place. A decomposition failure yields empty
// index lists, not an error: the file simply contributes no cycles.
func Detect(tbl *timeseries.SampleTable, fc FileContext, cfg Config) Result {
	cfg = cfg.withDefaults()
	n := tbl.Len()
	res := Result{LastAhThroughput: fc.LastAhThroughput}
	if n == 0 {
		return res
	}

	rebaseThroughput(tbl, fc, cfg)
	res.LastAhThroughput = tbl.AhThroughput[n-1]

	// Turning points of the signed net-charge curve: a local maximum is
	// a charge-to-discharge reversal, a local minimum the opposite.
	net := timeseries.CumTrapz(tbl.TimeMS, tbl.Current, cfg.GapSeconds)
	for i := range net {
		net[i] /= 3600.0
	}
	lo, hi := minMaxAll(net)
	classWidth := cfg.ClassWidthFrac * (hi - lo)

	tps, err := turningPoints(net, classWidth)
	if err != nil {
		log.WithFields(logrus.Fields{"file": fc.Name, "rows": n}).Warnf("cycle detection skipped: %v", err)
		return res
	}

	chargeCands, dischargeCands := crossingCandidates(tbl.Current, cfg.ChargeCurrentMin)

	// A file that opens already discharging anchors its first boundary
	// at row 0 through the crossing candidates. When current at row 0
	// is not actually flowing, that anchor is a guess: flag the cell
	// for manual review instead of silently committing to it.
	if tps[0].kind == tpMax && (len(dischargeCands) == 0 || dischargeCands[0] != 0) {
		res.FirstBoundaryAmbiguous = true
	}

	boundaries := snapToCandidates(tps, chargeCands, dischargeCands)
	boundaries = enforceAlternation(boundaries)
	boundaries = applyThresholds(boundaries, tbl, fc.Thresholds)

	for _, b := range boundaries {
		if b.kind == tpMin {
			tbl.ChargeStart[b.index] = true
			res.ChargeStarts = append(res.ChargeStarts, b.index)
		} else {
			tbl.DischargeStart[b.index] = true
			res.DischargeStarts = append(res.DischargeStarts, b.index)
		}
		tbl.TestType[b.index] = fc.TestType
		tbl.TestName[b.index] = fc.Name
		tbl.CapacityCheck[b.index] = fc.CapacityCheck
	}

	labelProtocols(tbl, boundaries, fc, cfg)
	return res
}

// rebaseThroughput makes the file's Ah-throughput continue from the
// previous file's final value. Formation-type files integrate |current|
// because their cycler-reported cumulative capacity is known unreliable.
func rebaseThroughput(tbl *timeseries.SampleTable, fc FileContext, cfg Config) {
	if fc.Formation {
		cum := timeseries.CumTrapzAbs(tbl.TimeMS, tbl.Current, cfg.GapSeconds)
		for i := range cum {
			tbl.AhThroughput[i] = fc.LastAhThroughput + cum[i]/3600.0
		}
		return
	}
	for i := range tbl.AhThroughput {
		tbl.AhThroughput[i] += fc.LastAhThroughput
	}
}

// crossingCandidates finds rows where current crosses the small
// threshold from at-or-below it: above +eps for charge starts, below
// -eps for discharge starts. Row 0 counts as a crossing when it is
// already past the threshold.
func crossingCandidates(current []float64, eps float64) (charge, discharge []int) {
	for i, v := range current {
		prevLE := i == 0 || current[i-1] <= eps
		prevGE := i == 0 || current[i-1] >= -eps
		if v > eps && prevLE {
			charge = append(charge, i)
		}
		if v < -eps && prevGE {
			discharge = append(discharge, i)
		}
	}
	return charge, discharge
}

// snapToCandidates moves each turning point to the nearest current
// crossing of the matching polarity, dropping turning points with no
// candidate and collapsing duplicates.
func snapToCandidates(tps []turningPoint, chargeCands, dischargeCands []int) []turningPoint {
	var out []turningPoint
	seen := make(map[int]bool)
	for _, tp := range tps {
		cands := chargeCands
		if tp.kind == tpMax {
			cands = dischargeCands
		}
		best, bestD := -1, 0
		for _, c := range cands {
			d := c - tp.index
			if d < 0 {
				d = -d
			}
			if best == -1 || d < bestD {
				best, bestD = c, d
			}
		}
		if best == -1 || seen[best] {
			continue
		}
		seen[best] = true
		out = append(out, turningPoint{index: best, kind: tp.kind})
	}
	return out
}

// enforceAlternation sorts boundaries by row and keeps the last of any
// same-polarity run, so the surviving sequence strictly alternates.
func enforceAlternation(bs []turningPoint) []turningPoint {
	for i := 0; i < len(bs); i++ {
		for j := i + 1; j < len(bs); j++ {
			if bs[j].index < bs[i].index {
				bs[i], bs[j] = bs[j], bs[i]
			}
		}
	}
	var out []turningPoint
	for _, b := range bs {
		if len(out) > 0 && out[len(out)-1].kind == b.kind {
			out[len(out)-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

// applyThresholds drops boundaries failing the voltage gates and
// removes cycles smaller than the minimum duration/throughput, then
// re-enforces alternation.
func applyThresholds(bs []turningPoint, tbl *timeseries.SampleTable, th Thresholds) []turningPoint {
	var kept []turningPoint
	for _, b := range bs {
		if b.kind == tpMax && th.VMaxCycle > 0 && tbl.Voltage[b.index] < th.VMaxCycle {
			continue
		}
		if b.kind == tpMin && th.VMinCycle > 0 && tbl.Voltage[b.index] > th.VMinCycle {
			continue
		}
		kept = append(kept, b)
	}
	kept = enforceAlternation(kept)

	if th.DAhMin <= 0 && th.DtMinS <= 0 {
		return kept
	}
	var out []turningPoint
	for _, b := range kept {
		if len(out) > 0 {
			prev := out[len(out)-1]
			dAh := tbl.AhThroughput[b.index] - tbl.AhThroughput[prev.index]
			dt := timeseries.Seconds(tbl.TimeMS[prev.index], tbl.TimeMS[b.index])
			if (th.DAhMin > 0 && dAh < th.DAhMin) || (th.DtMinS > 0 && dt < th.DtMinS) {
				continue
			}
		}
		out = append(out, b)
	}
	return enforceAlternation(out)
}

// labelProtocols classifies each inter-boundary interval (including the
// tail interval to end of file) and writes the protocol at the
// interval's opening boundary row. HPPC takes precedence over a slow
// segment.
func labelProtocols(tbl *timeseries.SampleTable, bs []turningPoint, fc FileContext, cfg Config) {
	for k, b := range bs {
		end := tbl.Len() - 1
		if k+1 < len(bs) {
			end = bs[k+1].index
		}
		if end <= b.index {
			continue
		}
		if timeseries.SignChanges(tbl.Current, b.index, end+1) > cfg.HPPCSignChanges {
			tbl.Protocol[b.index] = timeseries.ProtocolHPPC
			continue
		}
		dur := timeseries.Seconds(tbl.TimeMS[b.index], tbl.TimeMS[end])
		if dur <= cfg.SlowMinHours*3600 || fc.NominalCapacity <= 0 {
			continue
		}
		mean := timeseries.TimeWeightedMean(tbl.TimeMS, tbl.Current, b.index, end)
		if math.Abs(mean) >= fc.NominalCapacity/cfg.SlowRateDivisor || mean == 0 {
			continue
		}
		if mean > 0 {
			tbl.Protocol[b.index] = timeseries.ProtocolSlowCharge
		} else {
			tbl.Protocol[b.index] = timeseries.ProtocolSlowDischarge
		}
	}
}

func minMaxAll(y []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range y {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
