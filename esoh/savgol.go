package esoh

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// savgolWeights returns the convolution weights of a Savitzky-Golay
// filter evaluated at the window center: a local least-squares
// polynomial fit of the given order, differentiated deriv times.
func savgolWeights(window, order, deriv int) ([]float64, error) {
	if window%2 == 0 || window < 3 {
		return nil, fmt.Errorf("savgol: window must be odd and >= 3, got %d", window)
	}
	if order >= window {
		return nil, fmt.Errorf("savgol: order %d requires window > order", order)
	}
	if deriv > order {
		return nil, fmt.Errorf("savgol: derivative %d exceeds order %d", deriv, order)
	}

	half := window / 2
	a := mat.NewDense(window, order+1, nil)
	for i := 0; i < window; i++ {
		t := float64(i - half)
		p := 1.0
		for j := 0; j <= order; j++ {
			a.Set(i, j, p)
			p *= t
		}
	}

	var qr mat.QR
	qr.Factorize(a)
	eye := mat.NewDense(window, window, nil)
	for i := 0; i < window; i++ {
		eye.Set(i, i, 1)
	}
	var pinv mat.Dense
	if err := qr.SolveTo(&pinv, false, eye); err != nil {
		return nil, fmt.Errorf("savgol: %w", err)
	}

	fact := 1.0
	for k := 2; k <= deriv; k++ {
		fact *= float64(k)
	}
	w := make([]float64, window)
	for i := 0; i < window; i++ {
		w[i] = pinv.At(deriv, i) * fact
	}
	return w, nil
}

// savgolFilter smooths y (deriv=0) or estimates its deriv-th derivative
// with respect to sample spacing dx. Edges are handled by clamping the
// window to the series bounds.
func savgolFilter(y []float64, window, order, deriv int, dx float64) ([]float64, error) {
	if window > len(y) {
		window = len(y)
		if window%2 == 0 {
			window--
		}
	}
	if window <= order {
		window = order + 1
		if window%2 == 0 {
			window++
		}
	}
	if window > len(y) {
		return nil, fmt.Errorf("savgol: %d samples too few for order %d", len(y), order)
	}
	w, err := savgolWeights(window, order, deriv)
	if err != nil {
		return nil, err
	}

	half := window / 2
	scale := 1.0
	for k := 0; k < deriv; k++ {
		scale /= dx
	}
	out := make([]float64, len(y))
	for i := range y {
		var s float64
		for k := -half; k <= half; k++ {
			j := i + k
			if j < 0 {
				j = 0
			}
			if j >= len(y) {
				j = len(y) - 1
			}
			s += w[k+half] * y[j]
		}
		out[i] = s * scale
	}
	return out, nil
}
