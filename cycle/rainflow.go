// Package cycle locates charge/discharge boundaries in a canonical
// sample table and labels each inter-boundary interval's protocol.
package cycle

import "errors"

// ErrNoStructure is returned when the turning-point decomposition finds
// no reversal exceeding the hysteresis band (flat, too-short or
// monotonic data). Callers treat it as "no cycles in this file".
var ErrNoStructure = errors.New("no turning points above class width")

// turning-point kinds
const (
	tpMax = 1  // charging reversed into discharging
	tpMin = -1 // discharging reversed into charging
)

type turningPoint struct {
	index int
	kind  int
}

// turningPoints extracts the significant reversals of y using a
// hysteresis filter: an extremum only counts once the signal has moved
// away from it by more than classWidth, so oscillations inside the band
// are ignored. The first sample is always emitted as a turning point of
// the polarity opposite the first significant excursion; the trailing
// unconfirmed extremum is not emitted.
func turningPoints(y []float64, classWidth float64) ([]turningPoint, error) {
	if len(y) < 2 || classWidth <= 0 {
		return nil, ErrNoStructure
	}

	// Direction of the first excursion beyond the band.
	dir := 0
	for i := 1; i < len(y); i++ {
		d := y[i] - y[0]
		if d > classWidth {
			dir = 1
			break
		}
		if d < -classWidth {
			dir = -1
			break
		}
	}
	if dir == 0 {
		return nil, ErrNoStructure
	}

	tps := []turningPoint{{index: 0, kind: -dir}}

	extIdx, extVal := 0, y[0]
	for i := 1; i < len(y); i++ {
		if dir > 0 {
			if y[i] >= extVal {
				extIdx, extVal = i, y[i]
			} else if extVal-y[i] > classWidth {
				tps = append(tps, turningPoint{index: extIdx, kind: tpMax})
				dir = -1
				extIdx, extVal = i, y[i]
			}
		} else {
			if y[i] <= extVal {
				extIdx, extVal = i, y[i]
			} else if y[i]-extVal > classWidth {
				tps = append(tps, turningPoint{index: extIdx, kind: tpMin})
				dir = 1
				extIdx, extVal = i, y[i]
			}
		}
	}
	return tps, nil
}
