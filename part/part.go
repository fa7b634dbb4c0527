// Package part defines the particle records stored in the space arrays and
// helpers for the integer time-line.
package part

// Part is a gas particle.
type Part struct {
	X      [3]float64
	V      [3]float64
	AHydro [3]float64

	Mass float64
	H    float64
	U    float64 // Predicted specific internal energy
	UDt  float64
	Rho  float64

	// Density loop accumulators.
	WCount   float64
	WCountDh float64
	RhoDh    float64

	// Gradient loop accumulator.
	PressureBar float64

	// Force loop state.
	F          float64 // grad-h correction
	Pressure   float64
	SoundSpeed float64
	VSig       float64
	HDt        float64

	TiBegin int
	TiEnd   int

	ID    int64
	GPart int32 // Index of the linked gravity particle, -1 if none
}

// XPart holds the extended state of a gas particle that the interaction loops
// never touch.
type XPart struct {
	XDiff     [3]float64 // Displacement since the last rebuild, negated
	VFull     [3]float64 // Velocity at the last kick
	UFull     float64    // Internal energy at the last kick
	URadiated float64
}

// GPart is a gravity particle. Gas particles with gravity carry one linked
// through Part.GPart and GPart.Part.
type GPart struct {
	X     [3]float64
	V     [3]float64
	AGrav [3]float64
	XDiff [3]float64

	Mass    float64
	Epsilon float64

	TiBegin int
	TiEnd   int

	ID   int64
	Part int32 // Index of the linked gas particle, -1 for dark matter
}

// IsActive reports whether a particle ends its step at ti.
func (p *Part) IsActive(ti int) bool { return p.TiEnd <= ti }

// IsActive reports whether a gravity particle ends its step at ti.
func (g *GPart) IsActive(ti int) bool { return g.TiEnd <= ti }

// Relink restores the gpart -> part back-links after parts were reordered.
func Relink(parts []Part, gparts []GPart) {
	for i := range parts {
		if parts[i].GPart >= 0 {
			gparts[parts[i].GPart].Part = int32(i)
		}
	}
}

// RelinkGParts restores the part -> gpart links after gparts were reordered.
func RelinkGParts(gparts []GPart, parts []Part) {
	for i := range gparts {
		if gparts[i].Part >= 0 {
			parts[gparts[i].Part].GPart = int32(i)
		}
	}
}
