package hydro

import (
	"math"

	"github.com/pthm-cable/sphtasks/part"
)

// InitPart clears the density accumulators before a density loop.
func InitPart(p *part.Part) {
	p.WCount = 0
	p.WCountDh = 0
	p.Rho = 0
	p.RhoDh = 0
}

// EndDensity adds the self contribution and converts the accumulated sums to
// physical units.
func EndDensity(p *part.Part) {
	h := p.H
	hInv := 1 / h
	hInv3 := hInv * hInv * hInv

	p.Rho += p.Mass * KernelRoot
	p.RhoDh -= 3 * p.Mass * KernelRoot
	p.WCount += KernelRoot

	p.Rho *= hInv3
	p.RhoDh *= hInv3 * hInv
	p.WCount *= KernelNorm
	p.WCountDh *= hInv * KernelNorm
}

// InitGradient clears the gradient accumulators.
func InitGradient(p *part.Part) {
	p.PressureBar = 0
}

// EndGradient finalises the kernel-smoothed pressure.
func EndGradient(p *part.Part, props *Props) {
	hInv := 1 / p.H
	p.PressureBar += p.Mass * props.Pressure(p.Rho, p.U) / p.Rho * KernelRoot
	p.PressureBar *= hInv * hInv * hInv
}

// PrepareForce computes the pressure, sound speed and grad-h term once the
// density has converged.
func PrepareForce(p *part.Part, props *Props) {
	p.Pressure = props.Pressure(p.Rho, p.U)
	p.SoundSpeed = props.SoundSpeed(p.Rho, p.U)
	p.F = 1 / (1 + p.H*p.RhoDh/(3*p.Rho))
}

// ResetAcceleration clears the force accumulators.
func ResetAcceleration(p *part.Part) {
	p.AHydro = [3]float64{}
	p.UDt = 0
	p.HDt = 0
	p.VSig = 2 * p.SoundSpeed
}

// EndForce finishes the force loop.
func EndForce(p *part.Part) {
	p.HDt *= p.H / 3
}

// ComputeTimestep is the CFL condition.
func ComputeTimestep(p *part.Part, props *Props) float64 {
	if p.VSig <= 0 {
		return math.MaxFloat64
	}
	return 2 * KernelGamma * props.CFL * p.H / p.VSig
}

// LimitHChange bounds the step so h changes by at most LogMaxHChange.
func LimitHChange(p *part.Part, props *Props) float64 {
	if p.HDt == 0 {
		return math.MaxFloat64
	}
	return math.Abs(props.LogMaxHChange * p.H / p.HDt)
}

// PredictExtra drifts the smoothing length, density and internal energy.
func PredictExtra(p *part.Part, props *Props, dt float64) {
	w1 := p.HDt / p.H * dt
	p.H *= math.Exp(w1)
	p.Rho *= math.Exp(-3 * w1)
	p.U = max(p.U+p.UDt*dt, 0)
	p.Pressure = props.Pressure(p.Rho, p.U)
	p.SoundSpeed = props.SoundSpeed(p.Rho, p.U)
}

// KickExtra integrates the internal energy over a kick of length dt. Energy
// never drops by more than half in one step.
func KickExtra(p *part.Part, xp *part.XPart, props *Props, dt, halfDt float64) {
	change := p.UDt * dt
	if change > -0.5*xp.UFull {
		xp.UFull += change
	} else {
		xp.UFull *= 0.5
	}

	// Avoid overcooling when the step grows.
	if halfDt > 0 && xp.UFull+p.UDt*halfDt < 0.5*xp.UFull {
		p.UDt = -0.5 * xp.UFull / halfDt
	}
	p.U = max(xp.UFull-halfDt*p.UDt, 0)

	p.Pressure = props.Pressure(p.Rho, p.U)
	p.SoundSpeed = props.SoundSpeed(p.Rho, p.U)
}

// ConvertQuantities turns the entropic function read from the ICs into
// internal energy once the density is known.
func ConvertQuantities(p *part.Part, xp *part.XPart, props *Props) {
	p.U = props.EnergyFromEntropy(p.Rho, p.U)
	xp.UFull = p.U
}

// FirstInit sets up the kick state of a particle at the start of the run.
func FirstInit(p *part.Part, xp *part.XPart) {
	p.TiBegin = 0
	p.TiEnd = 0
	xp.VFull = p.V
	xp.UFull = p.U
	xp.XDiff = [3]float64{}
	p.AHydro = [3]float64{}
	p.UDt = 0
	p.HDt = 0
}

// Entropy of the particle, for statistics.
func Entropy(p *part.Part, props *Props) float64 {
	if p.Rho <= 0 {
		return 0
	}
	return props.EntropyFromEnergy(p.Rho, p.U)
}
