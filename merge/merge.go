// Package merge concatenates per-file sample tables into one persisted
// per-cell table and splices newly arrived files into existing history
// without reprocessing it or double-counting Ah-throughput.
package merge

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/batterydata/cellpipe/fetch"
	"github.com/batterydata/cellpipe/timeseries"
)

var log = logrus.New()

// SetLogger routes this package's logging to a shared logger.
func SetLogger(l *logrus.Logger) { log = l }

// Detector runs normalization plus boundary detection on one record,
// seeding its Ah-throughput from lastAh. Supplied by the pipeline so
// this package stays independent of vendor specifics.
type Detector func(rec fetch.TestRecord, lastAh float64) (*timeseries.SampleTable, error)

// FileOutcome records what one file contributed. A failed file is
// logged and skipped; it never aborts the batch.
type FileOutcome struct {
	Name    string
	Rows    int
	Skipped bool
	Err     error
}

// matching tolerance for "is this file's cycle already recorded",
// in milliseconds
const cycleTimeToleranceMS = 1000

// ColdStart processes every record in time order into a fresh table,
// threading Ah-throughput file to file, then re-matches boundaries
// globally.
func ColdStart(recs []fetch.TestRecord, detect Detector) (*timeseries.SampleTable, []FileOutcome) {
	fetch.SortRecords(recs)
	combined := timeseries.NewSampleTable(0)
	outcomes := make([]FileOutcome, 0, len(recs))
	lastAh := 0.0
	for _, rec := range recs {
		tbl, err := detect(rec, lastAh)
		if err != nil {
			log.WithField("file", rec.Name).Warnf("skipping file: %v", err)
			outcomes = append(outcomes, FileOutcome{Name: rec.Name, Skipped: true, Err: err})
			continue
		}
		if tbl.Len() > 0 {
			lastAh = tbl.AhThroughput[tbl.Len()-1]
		}
		combined.Append(tbl)
		outcomes = append(outcomes, FileOutcome{Name: rec.Name, Rows: tbl.Len()})
	}
	Rematch(combined)
	return combined, outcomes
}

// Merge splices new files into a persisted table. Records already
// represented in the persisted cycle timestamps are skipped. Returns
// the updated table and whether anything changed. An empty persisted
// table degrades to a cold start.
func Merge(persisted *timeseries.SampleTable, cycleTimesMS []int64, recs []fetch.TestRecord, detect Detector) (*timeseries.SampleTable, bool, []FileOutcome) {
	if persisted.Len() == 0 {
		tbl, outcomes := ColdStart(recs, detect)
		return tbl, tbl.Len() > 0, outcomes
	}
	fetch.SortRecords(recs)
	sorted := append([]int64(nil), cycleTimesMS...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	changed := false
	var outcomes []FileOutcome
	for _, rec := range recs {
		if !isNewFile(rec, sorted, persisted.TimeMS[persisted.Len()-1]) {
			continue
		}
		start, end := rec.StartTimeMS, rec.LastDPTimeMS
		i := sort.Search(persisted.Len(), func(k int) bool { return persisted.TimeMS[k] >= start })
		j := sort.Search(persisted.Len(), func(k int) bool { return persisted.TimeMS[k] > end })

		lastAh := 0.0
		if i > 0 {
			lastAh = persisted.AhThroughput[i-1]
		}
		tbl, err := detect(rec, lastAh)
		if err != nil {
			log.WithField("file", rec.Name).Warnf("skipping file: %v", err)
			outcomes = append(outcomes, FileOutcome{Name: rec.Name, Skipped: true, Err: err})
			continue
		}
		if tbl.Len() == 0 {
			outcomes = append(outcomes, FileOutcome{Name: rec.Name})
			continue
		}
		persisted = splice(persisted, tbl, i, j)
		changed = true
		outcomes = append(outcomes, FileOutcome{Name: rec.Name, Rows: tbl.Len()})
	}
	if changed {
		Rematch(persisted)
	}
	return persisted, changed, outcomes
}

// isNewFile reports whether the record carries data not yet merged. A
// file listing native cycle-end timestamps is new when any of them has
// no recorded cycle within tolerance; a file without them is new when
// it extends past the persisted table's end.
func isNewFile(rec fetch.TestRecord, sortedCycleTimesMS []int64, persistedLastMS int64) bool {
	if len(rec.CycleEndTimesMS) == 0 {
		return rec.LastDPTimeMS > persistedLastMS
	}
	for _, t := range rec.CycleEndTimesMS {
		k := sort.Search(len(sortedCycleTimesMS), func(i int) bool { return sortedCycleTimesMS[i] >= t-cycleTimeToleranceMS })
		if k >= len(sortedCycleTimesMS) || sortedCycleTimesMS[k] > t+cycleTimeToleranceMS {
			return true
		}
	}
	return false
}

// splice replaces persisted rows [i, j) with rows, shifting the
// following retained segment's Ah-throughput so the running total stays
// continuous: the following segment previously continued from the last
// dropped row's value and now continues from the inserted rows' final
// value.
func splice(persisted, rows *timeseries.SampleTable, i, j int) *timeseries.SampleTable {
	oldPrev := 0.0
	if j > 0 {
		oldPrev = persisted.AhThroughput[j-1]
	}
	delta := rows.AhThroughput[rows.Len()-1] - oldPrev

	out := persisted.Slice(0, i)
	out.Append(rows)
	tail := persisted.Slice(j, persisted.Len())
	for k := range tail.AhThroughput {
		tail.AhThroughput[k] += delta
	}
	out.Append(tail)
	return out
}

// Rematch resolves boundaries globally across file joins. Per-file
// detection can leave dangling same-polarity boundaries at file edges;
// this pass keeps the last boundary of each same-polarity run, then
// pairs the survivors in time order. The leading boundary opens the
// first pair whatever its polarity (a history may begin mid-discharge),
// so only a trailing boundary left without a partner of the other
// polarity is dropped. Dropped boundaries have their annotations
// cleared in place; rows are never deleted.
func Rematch(tbl *timeseries.SampleTable) {
	idx := tbl.BoundaryIndices()
	var kept []int
	for _, b := range idx {
		charge := tbl.ChargeStart[b]
		if len(kept) > 0 && tbl.ChargeStart[kept[len(kept)-1]] == charge {
			clearBoundary(tbl, kept[len(kept)-1])
			kept[len(kept)-1] = b
			continue
		}
		kept = append(kept, b)
	}
	// The survivors alternate, so the only possible unpaired boundary
	// is a trailing one of the same polarity as the leading one.
	if len(kept) > 1 && tbl.ChargeStart[kept[0]] == tbl.ChargeStart[kept[len(kept)-1]] {
		clearBoundary(tbl, kept[len(kept)-1])
	}
}

func clearBoundary(tbl *timeseries.SampleTable, i int) {
	tbl.ChargeStart[i] = false
	tbl.DischargeStart[i] = false
	tbl.CapacityCheck[i] = false
	tbl.TestType[i] = ""
	tbl.TestName[i] = ""
	tbl.Protocol[i] = timeseries.ProtocolNone
}
