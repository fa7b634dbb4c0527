// Package hydro implements the SPH particle physics: the cubic-spline kernel,
// the density, gradient and force interactions, and the per-particle
// updates applied by the ghost, kick and drift.
package hydro

import "math"

// Cubic spline (M4) kernel with compact support H = KernelGamma * h.
const (
	KernelGamma    = 1.825742
	kernelGammaInv = 1 / KernelGamma
	kernelGamma3   = KernelGamma * KernelGamma * KernelGamma
	kernelConst    = 8 / math.Pi

	// KernelNorm converts a kernel sum into a neighbour count.
	KernelNorm = 4.0 / 3.0 * math.Pi * kernelGamma3
)

// KernelRoot is the kernel value at zero separation.
var KernelRoot = KernelEval(0)

// KernelEval returns W(u) for u = r/h, such that W(r, h) = W(u) / h^3.
func KernelEval(u float64) float64 {
	w, _ := KernelDeval(u)
	return w
}

// KernelDeval returns W(u) and dW/du.
func KernelDeval(u float64) (w, dwdu float64) {
	q := u * kernelGammaInv
	norm := kernelConst / kernelGamma3
	switch {
	case q >= 1:
		return 0, 0
	case q <= 0.5:
		w = 1 - 6*q*q + 6*q*q*q
		dwdu = -12*q + 18*q*q
	default:
		d := 1 - q
		w = 2 * d * d * d
		dwdu = -6 * d * d
	}
	return norm * w, norm * kernelGammaInv * dwdu
}
