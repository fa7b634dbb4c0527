package telemetry

import "log/slog"

// StepStats is one line of the time-step log.
type StepStats struct {
	Step     int     `csv:"step"`
	Time     float64 `csv:"time"`
	Dt       float64 `csv:"dt"`
	TiCur    int     `csv:"ti_current"`
	Updates  int     `csv:"updates"`
	GUpdates int     `csv:"g_updates"`
	Tasks    int     `csv:"tasks"`
	Rebuild  bool    `csv:"rebuild"`
	WallMS   float64 `csv:"wall_ms"`
}

// LogValue implements slog.LogValuer for structured logging.
func (s StepStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("step", s.Step),
		slog.Float64("time", s.Time),
		slog.Float64("dt", s.Dt),
		slog.Int("updates", s.Updates),
		slog.Int("g_updates", s.GUpdates),
		slog.Int("tasks", s.Tasks),
		slog.Bool("rebuild", s.Rebuild),
		slog.Float64("wall_ms", s.WallMS),
	)
}

// Energies is one line of the statistics file: the conserved quantities
// summed over every rank.
type Energies struct {
	Time    float64 `csv:"time"`
	Mass    float64 `csv:"mass"`
	ETot    float64 `csv:"e_tot"`
	EKin    float64 `csv:"e_kin"`
	EInt    float64 `csv:"e_int"`
	EPot    float64 `csv:"e_pot"`
	ERad    float64 `csv:"e_rad"`
	Entropy float64 `csv:"entropy"`
	MomX    float64 `csv:"p_x"`
	MomY    float64 `csv:"p_y"`
	MomZ    float64 `csv:"p_z"`
	AngMomX float64 `csv:"ang_x"`
	AngMomY float64 `csv:"ang_y"`
	AngMomZ float64 `csv:"ang_z"`
}

// LogValue implements slog.LogValuer for structured logging.
func (e Energies) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("time", e.Time),
		slog.Float64("mass", e.Mass),
		slog.Float64("e_tot", e.ETot),
		slog.Float64("e_kin", e.EKin),
		slog.Float64("e_int", e.EInt),
		slog.Float64("e_pot", e.EPot),
		slog.Float64("e_rad", e.ERad),
		slog.Float64("entropy", e.Entropy),
		slog.Any("momentum", [3]float64{e.MomX, e.MomY, e.MomZ}),
	)
}
