package timeseries

import (
	"math"
	"sort"
)

// Seconds converts an epoch-millisecond delta to seconds.
func Seconds(fromMS, toMS int64) float64 {
	return float64(toMS-fromMS) / 1000.0
}

// Trapz integrates y over t (epoch ms) between rows i and j inclusive,
// returning the integral in y-unit-seconds.
func Trapz(tMS []int64, y []float64, i, j int) float64 {
	var area float64
	for k := i; k < j; k++ {
		dt := Seconds(tMS[k], tMS[k+1])
		area += 0.5 * (y[k] + y[k+1]) * dt
	}
	return area
}

// CumTrapzAbs returns the running trapezoidal integral of |y| over t in
// y-unit-seconds. Steps longer than gapS seconds contribute nothing, so
// a sensor outage does not inject a spurious jump. The result has the
// same length as y (the first element is 0).
func CumTrapzAbs(tMS []int64, y []float64, gapS float64) []float64 {
	out := make([]float64, len(y))
	for k := 1; k < len(y); k++ {
		dt := Seconds(tMS[k-1], tMS[k])
		if gapS > 0 && dt > gapS {
			dt = 0
		}
		out[k] = out[k-1] + 0.5*(math.Abs(y[k-1])+math.Abs(y[k]))*dt
	}
	return out
}

// CumTrapz is CumTrapzAbs without the absolute value, used for the
// signed net-charge curve that the turning-point decomposition runs on.
func CumTrapz(tMS []int64, y []float64, gapS float64) []float64 {
	out := make([]float64, len(y))
	for k := 1; k < len(y); k++ {
		dt := Seconds(tMS[k-1], tMS[k])
		if gapS > 0 && dt > gapS {
			dt = 0
		}
		out[k] = out[k-1] + 0.5*(y[k-1]+y[k])*dt
	}
	return out
}

// NearestIndex returns the index of the sorted slice ts whose value is
// closest to target, and the absolute distance in ms. Returns -1 for an
// empty slice.
func NearestIndex(ts []int64, target int64) (int, int64) {
	if len(ts) == 0 {
		return -1, 0
	}
	i := sort.Search(len(ts), func(k int) bool { return ts[k] >= target })
	best := -1
	var bestD int64
	for _, c := range []int{i - 1, i} {
		if c < 0 || c >= len(ts) {
			continue
		}
		d := ts[c] - target
		if d < 0 {
			d = -d
		}
		if best == -1 || d < bestD {
			best, bestD = c, d
		}
	}
	return best, bestD
}

// MinMax returns the minimum and maximum of data[i:j], skipping NaNs.
// A degenerate (empty or all-NaN) interval falls back to the single
// bounding sample at i.
func MinMax(data []float64, i, j int) (min, max float64) {
	min, max = math.NaN(), math.NaN()
	for k := i; k < j; k++ {
		v := data[k]
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(min) || v < min {
			min = v
		}
		if math.IsNaN(max) || v > max {
			max = v
		}
	}
	if math.IsNaN(min) && i < len(data) {
		min, max = data[i], data[i]
	}
	return min, max
}

// Mean returns the arithmetic mean of data[i:j], NaN for empty ranges.
func Mean(data []float64, i, j int) float64 {
	if j <= i {
		return math.NaN()
	}
	var sum float64
	for k := i; k < j; k++ {
		sum += data[k]
	}
	return sum / float64(j-i)
}

// TimeWeightedMean returns trapz(y)/duration over rows [i, j]. For a
// zero-duration interval it falls back to the plain mean.
func TimeWeightedMean(tMS []int64, y []float64, i, j int) float64 {
	dur := Seconds(tMS[i], tMS[j])
	if dur <= 0 {
		return Mean(y, i, j+1)
	}
	return Trapz(tMS, y, i, j) / dur
}

// SignChanges counts sign reversals of y over rows [i, j), ignoring
// zero samples (a pulse returning through rest is one reversal, not
// two).
func SignChanges(y []float64, i, j int) int {
	n := 0
	prev := 0
	for k := i; k < j; k++ {
		s := 0
		if y[k] > 0 {
			s = 1
		} else if y[k] < 0 {
			s = -1
		}
		if s != 0 {
			if prev != 0 && s != prev {
				n++
			}
			prev = s
		}
	}
	return n
}
