package hydro

import (
	"log/slog"
	"math"

	"github.com/pthm-cable/sphtasks/config"
)

// Props holds the hydro parameters used by the loops and the ghost.
type Props struct {
	Eta              float64
	TargetNeighbours float64
	DeltaNeighbours  float64
	MaxSmoothingIter int
	CFL              float64
	LogMaxHChange    float64
	Gamma            float64
	Alpha            float64
	ExtraLoop        bool
	Entropic         bool
}

// NewProps reads the hydro section of the parameters.
func NewProps(cfg *config.Config) Props {
	h := cfg.Hydro
	eta := h.ResolutionEta
	return Props{
		Eta:              eta,
		TargetNeighbours: eta * eta * eta * KernelNorm,
		DeltaNeighbours:  h.DeltaNeighbours,
		MaxSmoothingIter: h.MaxSmoothingIterations,
		CFL:              h.CFL,
		LogMaxHChange:    h.LogMaxHChange,
		Gamma:            h.AdiabaticIndex,
		Alpha:            h.ViscosityAlpha,
		ExtraLoop:        h.ExtraLoop,
		Entropic:         cfg.ICs.Entropic,
	}
}

// LogValue implements slog.LogValuer.
func (p Props) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("eta", p.Eta),
		slog.Float64("target_neighbours", p.TargetNeighbours),
		slog.Float64("delta_neighbours", p.DeltaNeighbours),
		slog.Int("max_smoothing_iter", p.MaxSmoothingIter),
		slog.Float64("cfl", p.CFL),
		slog.Float64("gamma", p.Gamma),
	)
}

// Pressure is the ideal-gas equation of state.
func (p *Props) Pressure(rho, u float64) float64 { return (p.Gamma - 1) * rho * u }

// SoundSpeed of an ideal gas.
func (p *Props) SoundSpeed(rho, u float64) float64 {
	if rho <= 0 {
		return 0
	}
	return math.Sqrt(p.Gamma * p.Pressure(rho, u) / rho)
}

// EntropyFromEnergy converts specific internal energy to the entropic function A.
func (p *Props) EntropyFromEnergy(rho, u float64) float64 {
	return (p.Gamma - 1) * u / math.Pow(rho, p.Gamma-1)
}

// EnergyFromEntropy converts the entropic function A to specific internal energy.
func (p *Props) EnergyFromEntropy(rho, a float64) float64 {
	return a * math.Pow(rho, p.Gamma-1) / (p.Gamma - 1)
}
