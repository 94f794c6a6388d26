// Package metrics derives the per-cycle summary table from a merged,
// boundary-annotated sample table.
package metrics

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/batterydata/cellpipe/timeseries"
)

var log = logrus.New()

// SetLogger routes this package's logging to a shared logger.
func SetLogger(l *logrus.Logger) { log = l }

// Config tunes the aggregation. Zero values select the defaults.
type Config struct {
	QMax          float64 // A·h; computed capacities above this are invalid
	PulseEdgeA    float64 // minimum |ΔI| that counts as a pulse edge
	PulseWindow   int     // samples averaged on each side of an edge
	ShortRelaxS   float64 // seconds after the voltage minimum for R_10s
	LongRelaxS    float64 // seconds after the voltage minimum for R_480s
	GapTolerance  float64 // max seconds a relaxation sample may miss by
	MinPulseRestA float64 // |I| at or below this counts as rest
}

func (c Config) withDefaults() Config {
	if c.PulseEdgeA == 0 {
		c.PulseEdgeA = 0.1
	}
	if c.PulseWindow == 0 {
		c.PulseWindow = 4
	}
	if c.ShortRelaxS == 0 {
		c.ShortRelaxS = 10
	}
	if c.LongRelaxS == 0 {
		c.LongRelaxS = 480
	}
	if c.GapTolerance == 0 {
		c.GapTolerance = 5
	}
	if c.MinPulseRestA == 0 {
		c.MinPulseRestA = 1e-3
	}
	return c
}

// Compute builds one metric row per boundary. The interval for row k
// spans from its boundary to the next boundary, or to the end of the
// table for the final one.
func Compute(tbl *timeseries.SampleTable, cfg Config) timeseries.CycleMetricsTable {
	cfg = cfg.withDefaults()
	idx := tbl.BoundaryIndices()
	out := make(timeseries.CycleMetricsTable, 0, len(idx))

	for k, b := range idx {
		end := tbl.Len() - 1
		if k+1 < len(idx) {
			end = idx[k+1]
		}
		m := timeseries.NewCycleMetric()
		m.TimeMS = tbl.TimeMS[b]
		m.AhThroughput = tbl.AhThroughput[b]
		m.ChargeStart = tbl.ChargeStart[b]
		m.DischargeStart = tbl.DischargeStart[b]
		m.CapacityCheck = tbl.CapacityCheck[b]
		m.TestType = tbl.TestType[b]
		m.Protocol = tbl.Protocol[b]
		m.TestName = tbl.TestName[b]

		cap := tbl.AhThroughput[end] - tbl.AhThroughput[b]
		if cfg.QMax > 0 && cap > cfg.QMax {
			log.WithFields(logrus.Fields{"file": tbl.TestName[b], "capacity": cap, "qmax": cfg.QMax}).
				Warn("capacity exceeds cell maximum, discarding")
			cap = math.NaN()
		}
		avg := math.NaN()
		if end > b {
			avg = timeseries.TimeWeightedMean(tbl.TimeMS, tbl.Current, b, end)
		}
		if m.ChargeStart {
			m.ChargeCapacity = cap
			m.AvgChargeCurrent = avg
		} else {
			m.DischargeCapacity = cap
			m.AvgDischargeCurrent = avg
		}
		m.MinVoltage, m.MaxVoltage = timeseries.MinMax(tbl.Voltage, b, end+1)
		m.MinTemperature, m.MaxTemperature = timeseries.MinMax(tbl.Temperature, b, end+1)

		if m.Protocol == timeseries.ProtocolHPPC {
			computePulses(tbl, b, end, cfg, &m)
		}
		out = append(out, m)
	}

	computeDischargeResistance(tbl, cfg, out)
	return out
}

// computePulses finds pulse start/end transitions inside an HPPC
// interval and computes the short/long relaxation resistances at each.
func computePulses(tbl *timeseries.SampleTable, start, end int, cfg Config, m *timeseries.CycleMetric) {
	type edge struct {
		index  int
		rising bool // |I| increased across the edge
	}
	var edges []edge
	for i := start + 1; i <= end; i++ {
		d := tbl.Current[i] - tbl.Current[i-1]
		if math.Abs(d) <= cfg.PulseEdgeA {
			continue
		}
		edges = append(edges, edge{index: i, rising: math.Abs(tbl.Current[i]) > math.Abs(tbl.Current[i-1])})
	}

	for k := 0; k+1 < len(edges); k++ {
		if !edges[k].rising || edges[k+1].rising {
			continue
		}
		ps, pe := edges[k].index, edges[k+1].index
		rShort := edgeResistance(tbl, ps, cfg.PulseWindow)
		rLong := edgeResistance(tbl, pe, cfg.PulseWindow)

		m.PulseQ = append(m.PulseQ, tbl.AhThroughput[ps])
		m.PulseDurationS = append(m.PulseDurationS, timeseries.Seconds(tbl.TimeMS[ps], tbl.TimeMS[pe]))
		m.PulseCurrent = append(m.PulseCurrent, timeseries.Mean(tbl.Current, ps, pe))
		m.RShort = append(m.RShort, rShort)
		m.RLong = append(m.RLong, rLong)
		k++ // the falling edge is consumed
	}
}

// edgeResistance computes |ΔV/ΔI| across the transition at row i using
// a small window on each side.
func edgeResistance(tbl *timeseries.SampleTable, i, window int) float64 {
	lo := i - window
	if lo < 0 {
		lo = 0
	}
	hi := i + window
	if hi > tbl.Len() {
		hi = tbl.Len()
	}
	vBefore := timeseries.Mean(tbl.Voltage, lo, i)
	vAfter := timeseries.Mean(tbl.Voltage, i, hi)
	iBefore := timeseries.Mean(tbl.Current, lo, i)
	iAfter := timeseries.Mean(tbl.Current, i, hi)
	dI := iAfter - iBefore
	if dI == 0 || math.IsNaN(dI) {
		return math.NaN()
	}
	return math.Abs((vAfter - vBefore) / dI)
}

// computeDischargeResistance derives the 10-second and 8-minute
// relaxation resistances per cycler-native cycle index: locate the
// voltage minimum of the cycle, the last flowing current before it, and
// the recovered voltage at the two offsets after it. Results attach to
// the metric row whose interval contains the minimum.
func computeDischargeResistance(tbl *timeseries.SampleTable, cfg Config, mts timeseries.CycleMetricsTable) {
	if tbl.Len() == 0 || len(mts) == 0 {
		return
	}
	idx := tbl.BoundaryIndices()

	segStart := 0
	for i := 1; i <= tbl.Len(); i++ {
		if i < tbl.Len() && tbl.CycleIndex[i] == tbl.CycleIndex[segStart] {
			continue
		}
		if tbl.CycleIndex[segStart] >= 0 {
			resolveSegment(tbl, segStart, i, cfg, idx, mts)
		}
		segStart = i
	}
}

func resolveSegment(tbl *timeseries.SampleTable, start, end int, cfg Config, boundaries []int, mts timeseries.CycleMetricsTable) {
	vMinIdx := start
	for i := start; i < end; i++ {
		if tbl.Voltage[i] < tbl.Voltage[vMinIdx] {
			vMinIdx = i
		}
	}
	before := -1
	for i := vMinIdx; i >= start; i-- {
		if math.Abs(tbl.Current[i]) > cfg.MinPulseRestA {
			before = i
			break
		}
	}
	if before == -1 || tbl.Current[before] >= 0 {
		return
	}

	r10 := relaxResistance(tbl, vMinIdx, before, cfg.ShortRelaxS, cfg.GapTolerance)
	r480 := relaxResistance(tbl, vMinIdx, before, cfg.LongRelaxS, cfg.GapTolerance)
	if math.IsNaN(r10) && math.IsNaN(r480) {
		return
	}

	// The owning metric row is the last boundary at or before vMinIdx.
	row := -1
	for k, b := range boundaries {
		if b <= vMinIdx {
			row = k
		}
	}
	if row == -1 {
		return
	}
	mts[row].R10s = r10
	mts[row].R480s = r480
}

func relaxResistance(tbl *timeseries.SampleTable, vMinIdx, beforeIdx int, offsetS, tolS float64) float64 {
	target := tbl.TimeMS[vMinIdx] + int64(offsetS*1000)
	k, dist := timeseries.NearestIndex(tbl.TimeMS, target)
	if k == -1 || float64(dist)/1000.0 > tolS {
		return math.NaN()
	}
	return (tbl.Voltage[k] - tbl.Voltage[vMinIdx]) / (-tbl.Current[beforeIdx])
}
