// Package esoh fits a two-electrode open-circuit-voltage model to
// matched slow-rate charge/discharge curves, recovering electrode
// capacities and stoichiometry windows.
package esoh

import "math"

// UNeg is the graphite negative-electrode open-circuit potential (V)
// as an empirical function of stoichiometry x.
func UNeg(x float64) float64 {
	return 0.063 +
		0.8*math.Exp(-75*(x+0.001)) -
		0.0120*math.Tanh((x-0.127)/0.016) -
		0.0118*math.Tanh((x-0.155)/0.016) -
		0.0035*math.Tanh((x-0.230)/0.015) -
		0.0095*math.Tanh((x-0.190)/0.013) -
		0.0145*math.Tanh((x-0.490)/0.018) -
		0.0800*math.Tanh((x-1.030)/0.055)
}

// UPos is the NMC positive-electrode open-circuit potential (V) as an
// empirical function of stoichiometry y.
func UPos(y float64) float64 {
	return 4.3452 -
		1.6518*y +
		1.6225*y*y -
		2.0843*y*y*y +
		3.5146*y*y*y*y -
		2.2166*y*y*y*y*y -
		5.623e-5*math.Exp(109.451*y-100.006)
}

// Params are the four free parameters of the fit. Stoichiometries are
// taken at 100% state of charge; the 0% values follow from the total
// capacity.
type Params struct {
	Cn   float64 // negative electrode capacity, A·h
	X100 float64 // negative stoichiometry at 100% SOC
	Cp   float64 // positive electrode capacity, A·h
	Y100 float64 // positive stoichiometry at 100% SOC
}

// Voltage evaluates the full-cell model at capacity q measured from
// 100% SOC downward (q=0 is fully charged).
func (p Params) Voltage(q float64) float64 {
	x := p.X100 - q/p.Cn
	y := p.Y100 + q/p.Cp
	return UPos(y) - UNeg(x)
}

// Curve evaluates the model over a capacity grid.
func (p Params) Curve(q []float64) []float64 {
	out := make([]float64, len(q))
	for i, v := range q {
		out[i] = p.Voltage(v)
	}
	return out
}
