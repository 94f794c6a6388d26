// Package pipeline wires the processing stages together: per-file
// normalization and boundary detection, cross-file merge, metric
// aggregation, expansion alignment and electrode-model fitting, with
// per-cell persisted state.
package pipeline

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/batterydata/cellpipe/cycle"
	"github.com/batterydata/cellpipe/esoh"
	"github.com/batterydata/cellpipe/expansion"
	"github.com/batterydata/cellpipe/fetch"
	"github.com/batterydata/cellpipe/merge"
	"github.com/batterydata/cellpipe/metrics"
	"github.com/batterydata/cellpipe/projconfig"
	"github.com/batterydata/cellpipe/store"
	"github.com/batterydata/cellpipe/timeseries"
	"github.com/batterydata/cellpipe/trace"
)

var log = logrus.New()

// SetLogger routes this package's and all stage packages' logging to a
// shared logger.
func SetLogger(l *logrus.Logger) {
	log = l
	cycle.SetLogger(l)
	merge.SetLogger(l)
	metrics.SetLogger(l)
	esoh.SetLogger(l)
	projconfig.SetLogger(l)
	store.SetLogger(l)
}

// minimum gap between two electrode fits; closer reference boundaries
// are near-duplicate slow segments around the same characterization
const esohDuplicateGuardHours = 10

// Pipeline holds the per-run services. Construct explicitly; there is
// no ambient global state.
type Pipeline struct {
	Registry    *projconfig.Registry
	Store       store.Store
	Calibration map[string][]expansion.Window

	TraceOpts   trace.Options
	DetectorCfg cycle.Config
	Thresholds  map[string]cycle.Thresholds // keyed by test type
}

// CellResult reports one cell's processing outcome.
type CellResult struct {
	State    *store.CellState
	Changed  bool
	Outcomes []merge.FileOutcome
}

// ProcessCell runs the full pipeline for one device: merge any new
// cycler files into the persisted sample table, recompute cycle
// metrics, align expansion data and fit electrode parameters over
// reference-test groups, then persist. One bad file never aborts the
// cell; the result reports what changed.
func (p *Pipeline) ProcessCell(device, project string, recs []fetch.TestRecord) (*CellResult, error) {
	proj := p.Registry.Lookup(project)

	var cyclerRecs, vdfRecs []fetch.TestRecord
	for _, r := range recs {
		switch {
		case r.IsCycler():
			cyclerRecs = append(cyclerRecs, r)
		case r.HasTag(fetch.TagVDF):
			vdfRecs = append(vdfRecs, r)
		default:
			log.WithField("file", r.Name).Warn("record has no recognised hardware tag, ignoring")
		}
	}

	persisted, err := p.Store.Load(device)
	if err != nil && err != store.ErrNoState {
		return nil, fmt.Errorf("load state for %s: %w", device, err)
	}

	detect := p.detector(proj)
	var (
		table    *timeseries.SampleTable
		changed  bool
		outcomes []merge.FileOutcome
	)
	if persisted == nil {
		table, outcomes = merge.ColdStart(cyclerRecs, detect)
		changed = table.Len() > 0
	} else {
		var times []int64
		for _, m := range persisted.Metrics {
			times = append(times, m.TimeMS)
		}
		table, changed, outcomes = merge.Merge(persisted.Samples, times, cyclerRecs, detect)
	}

	mts := metrics.Compute(table, metrics.Config{QMax: proj.QMax})

	exp := p.expansionTable(device, project, vdfRecs)
	expansion.Align(exp, mts)

	p.fitElectrodes(table, mts, proj)

	state := &store.CellState{Samples: table, Metrics: mts, Expansion: exp}
	if changed {
		if err := p.Store.Save(device, state); err != nil {
			return nil, fmt.Errorf("persist state for %s: %w", device, err)
		}
	}
	return &CellResult{State: state, Changed: changed, Outcomes: outcomes}, nil
}

// detector builds the per-file detection closure the merge engine
// drives: normalize, classify from the file name, detect boundaries.
func (p *Pipeline) detector(proj projconfig.Project) merge.Detector {
	return func(rec fetch.TestRecord, lastAh float64) (*timeseries.SampleTable, error) {
		tbl, err := trace.Normalize(rec, trace.CyclerKeys, p.TraceOpts)
		if err != nil {
			return nil, err
		}
		testType, capCheck := cycle.ClassifyTest(rec.Name)
		fc := cycle.FileContext{
			Name:             rec.Name,
			TestType:         testType,
			CapacityCheck:    capCheck,
			Formation:        testType == cycle.TestTypeFormation,
			LastAhThroughput: lastAh,
			NominalCapacity:  proj.NominalCapacity,
			Thresholds:       p.Thresholds[testType],
		}
		res := cycle.Detect(tbl, fc, p.DetectorCfg)
		if res.FirstBoundaryAmbiguous {
			log.WithField("file", rec.Name).Warn("leading boundary classification ambiguous, review cell manually")
		}
		return tbl, nil
	}
}

// expansionTable normalizes and concatenates the strain-sensor records
// and applies the device's calibration windows.
func (p *Pipeline) expansionTable(device, project string, recs []fetch.TestRecord) *timeseries.ExpansionTable {
	fetch.SortRecords(recs)
	combined := timeseries.NewExpansionTable(0)
	for _, rec := range recs {
		tbl, err := trace.NormalizeExpansion(rec, p.TraceOpts)
		if err != nil {
			log.WithField("file", rec.Name).Warnf("skipping expansion file: %v", err)
			continue
		}
		combined.Append(tbl)
	}
	windows := p.Calibration[project+","+device]
	if windows == nil {
		windows = p.Calibration[device]
	}
	expansion.Calibrate(combined, windows, expansion.DefaultCalibration)
	return combined
}

// fitElectrodes pairs the slow-rate charge and discharge segments of
// each reference-test file group and fits the two-electrode model,
// attaching the parameters at the group's slow-charge boundary row.
// Formation files are excluded, and a group within the duplicate guard
// of the previous fit is skipped.
func (p *Pipeline) fitElectrodes(tbl *timeseries.SampleTable, mts timeseries.CycleMetricsTable, proj projconfig.Project) {
	idx := tbl.BoundaryIndices()
	if len(idx) != len(mts) {
		log.Warnf("metric rows (%d) out of step with boundaries (%d), skipping electrode fits", len(mts), len(idx))
		return
	}

	type group struct {
		chargeRow, dischargeRow int
	}
	groups := make(map[string]*group)
	var order []string
	for k := range mts {
		if mts[k].TestType != cycle.TestTypeRPT {
			continue
		}
		g, ok := groups[mts[k].TestName]
		if !ok {
			g = &group{chargeRow: -1, dischargeRow: -1}
			groups[mts[k].TestName] = g
			order = append(order, mts[k].TestName)
		}
		switch mts[k].Protocol {
		case timeseries.ProtocolSlowCharge:
			g.chargeRow = k
		case timeseries.ProtocolSlowDischarge:
			g.dischargeRow = k
		}
	}

	var lastFitMS int64 = math.MinInt64 / 2 // far past, without overflowing the subtraction below
	for _, name := range order {
		g := groups[name]
		if g.chargeRow == -1 || g.dischargeRow == -1 {
			continue
		}
		anchor := &mts[g.chargeRow]
		if float64(anchor.TimeMS-lastFitMS)/3600000.0 < esohDuplicateGuardHours {
			log.WithField("file", name).Debug("slow segment too close to previous fit, skipping")
			continue
		}
		lastFitMS = anchor.TimeMS

		chargeBlk := p.curveBlock(tbl, idx, g.chargeRow)
		dischargeBlk := p.curveBlock(tbl, idx, g.dischargeRow)
		cfg := esoh.Config{IC20: proj.IC20}

		params, err := fitPair(chargeBlk, dischargeBlk, cfg)
		if err != nil {
			log.WithField("file", name).Warnf("electrode fit failed: %v", err)
			continue
		}
		anchor.ESOH = &params
	}
}

// curveBlock slices the samples of the interval opening at metric row
// k, up to the next boundary or end of table.
func (p *Pipeline) curveBlock(tbl *timeseries.SampleTable, idx []int, k int) esoh.CurveBlock {
	start := idx[k]
	end := tbl.Len()
	if k+1 < len(idx) {
		end = idx[k+1] + 1
	}
	return esoh.CurveBlock{
		TimeMS:  tbl.TimeMS[start:end],
		Current: tbl.Current[start:end],
		Voltage: tbl.Voltage[start:end],
	}
}

func fitPair(chargeBlk, dischargeBlk esoh.CurveBlock, cfg esoh.Config) (timeseries.ESOHParams, error) {
	cq, cv, err := esoh.ExtractCurve(chargeBlk, true, cfg)
	if err != nil {
		return timeseries.ESOHParams{}, fmt.Errorf("charge branch: %w", err)
	}
	dq, dv, err := esoh.ExtractCurve(dischargeBlk, false, cfg)
	if err != nil {
		return timeseries.ESOHParams{}, fmt.Errorf("discharge branch: %w", err)
	}
	return esoh.Fit(cq, cv, dq, dv, cfg)
}

// RPTSummaryRow condenses one capacity-check boundary for reporting.
// StartTimeMS/EndTimeMS bracket the sub-cycle's sample and expansion
// blocks; EndTimeMS is zero for the final boundary, whose block runs to
// the end of the recorded data.
type RPTSummaryRow struct {
	StartTimeMS         int64
	EndTimeMS           int64
	TestName            string
	DischargeCapacity   float64
	R10s                float64
	ReversibleExpansion float64
	ESOH                *timeseries.ESOHParams
}

// RPTSummary extracts one row per capacity-check discharge boundary,
// the usual health-over-life view of a cell.
func RPTSummary(mts timeseries.CycleMetricsTable) []RPTSummaryRow {
	var out []RPTSummaryRow
	for k := range mts {
		m := &mts[k]
		if !m.CapacityCheck || !m.DischargeStart {
			continue
		}
		row := RPTSummaryRow{
			StartTimeMS:         m.TimeMS,
			TestName:            m.TestName,
			DischargeCapacity:   m.DischargeCapacity,
			R10s:                m.R10s,
			ReversibleExpansion: m.ReversibleExpansion,
			ESOH:                m.ESOH,
		}
		if k+1 < len(mts) {
			row.EndTimeMS = mts[k+1].TimeMS
		}
		out = append(out, row)
	}
	return out
}
