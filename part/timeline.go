package part

// MaxNrTimesteps is the length of the integer time-line. Every time-step is a
// power-of-two fraction of it.
const MaxNrTimesteps = 1 << 28

// Timeline converts between physical time and integer ticks.
type Timeline struct {
	TimeBegin   float64
	TimeBase    float64
	TimeBaseInv float64
}

// NewTimeline spans [begin, end] with MaxNrTimesteps ticks.
func NewTimeline(begin, end float64) Timeline {
	base := (end - begin) / MaxNrTimesteps
	return Timeline{TimeBegin: begin, TimeBase: base, TimeBaseInv: 1 / base}
}

// Time returns the physical time at tick ti.
func (tl Timeline) Time(ti int) float64 { return tl.TimeBegin + float64(ti)*tl.TimeBase }

// Dt returns the physical length of dti ticks.
func (tl Timeline) Dt(dti int) float64 { return float64(dti) * tl.TimeBase }

// IntegerTimestep puts a physical time-step on the time-line for a particle
// whose current step is [tiBegin, tiEnd]. The result is a power of two no more
// than twice the current step and aligned so the next step ends on a multiple
// of itself.
func (tl Timeline) IntegerTimestep(dt float64, tiBegin, tiEnd int) int {
	newDti := int(dt * tl.TimeBaseInv)
	currentDti := tiEnd - tiBegin

	if currentDti > 0 {
		newDti = min(newDti, 2*currentDti)
	}

	dtiTimeline := MaxNrTimesteps
	for newDti < dtiTimeline && dtiTimeline > 1 {
		dtiTimeline /= 2
	}
	newDti = dtiTimeline

	// Increase only when the new step stays synchronised with the time-line.
	if newDti > currentDti && currentDti > 0 {
		if (MaxNrTimesteps-tiEnd)%newDti > 0 {
			newDti = currentDti
		}
	}
	return newDti
}

// FixedTimestep returns the step used by the fixed-dt policy.
func (tl Timeline) FixedTimestep(dtMax float64) int {
	return tl.IntegerTimestep(dtMax, 0, 0)
}
