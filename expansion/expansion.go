// Package expansion calibrates the strain-sensor stream and aligns it
// to cycler cycle boundaries.
package expansion

import (
	"math"

	"github.com/batterydata/cellpipe/timeseries"
)

// Calibration converts raw sensor counts to micrometers with a
// quadratic transform.
type Calibration struct {
	X1 float64 // linear coefficient
	X2 float64 // quadratic coefficient
	C  float64 // offset
}

// Apply converts one raw count reading.
func (c Calibration) Apply(counts float64) float64 {
	return c.X2*counts*counts + c.X1*counts + c.C
}

// Window scopes a calibration to a time range. Windows come from the
// externally maintained per-device calibration table.
type Window struct {
	StartMS, EndMS int64
	Cal            Calibration
}

// DefaultCalibration applies when no window covers a sample.
var DefaultCalibration = Calibration{X1: 0.00015, X2: 0, C: 0}

// Calibrate fills ExpansionUM from raw counts, picking the first window
// containing each sample's timestamp and falling back to def.
func Calibrate(tbl *timeseries.ExpansionTable, windows []Window, def Calibration) {
	for i := range tbl.RawCounts {
		cal := def
		for _, w := range windows {
			if tbl.TimeMS[i] >= w.StartMS && tbl.TimeMS[i] < w.EndMS {
				cal = w.Cal
				break
			}
		}
		tbl.ExpansionUM[i] = cal.Apply(tbl.RawCounts[i])
	}
}

// alignment tolerance between a cycle boundary and the nearest
// expansion sample, in seconds
const MatchToleranceS = 10

// Align joins cycle boundary timestamps to the expansion stream by
// nearest neighbor within the tolerance, flags the matched expansion
// rows, and computes per-cycle min/max/reversible expansion over the
// interval from each matched sample to the next (the last interval
// extends to the stream's end). Unmatched boundaries keep null
// expansion fields; nothing is interpolated.
func Align(exp *timeseries.ExpansionTable, metrics timeseries.CycleMetricsTable) {
	if exp.Len() == 0 || len(metrics) == 0 {
		return
	}

	matched := make([]int, len(metrics)) // expansion row per metric, -1 unmatched
	for k := range metrics {
		matched[k] = -1
		i, dist := timeseries.NearestIndex(exp.TimeMS, metrics[k].TimeMS)
		if i == -1 || float64(dist)/1000.0 > MatchToleranceS {
			continue
		}
		matched[k] = i
		exp.CycleIndicator[i] = true
		metrics[k].ExpansionTimeMS = float64(exp.TimeMS[i])
	}

	for k := range metrics {
		if matched[k] == -1 {
			continue
		}
		end := exp.Len()
		for j := k + 1; j < len(metrics); j++ {
			if matched[j] != -1 {
				end = matched[j]
				break
			}
		}
		lo, hi := timeseries.MinMax(exp.ExpansionUM, matched[k], end)
		metrics[k].MinExpansion = lo
		metrics[k].MaxExpansion = hi
		if !math.IsNaN(lo) && !math.IsNaN(hi) {
			metrics[k].ReversibleExpansion = hi - lo
		}
	}
}
