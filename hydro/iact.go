package hydro

import (
	"math"

	"github.com/pthm-cable/sphtasks/part"
)

// IactDensity accumulates the density of both particles. dx = xi - xj.
func IactDensity(r2 float64, dx [3]float64, hi, hj float64, pi, pj *part.Part) {
	r := math.Sqrt(r2)
	densityOne(r, hi, pj.Mass, pi)
	densityOne(r, hj, pi.Mass, pj)
}

// IactNonsymDensity accumulates the density of pi only. hj is not read.
func IactNonsymDensity(r2 float64, dx [3]float64, hi, hj float64, pi, pj *part.Part) {
	densityOne(math.Sqrt(r2), hi, pj.Mass, pi)
}

func densityOne(r, h, mj float64, pi *part.Part) {
	u := r / h
	w, dw := KernelDeval(u)
	pi.Rho += mj * w
	pi.RhoDh -= mj * (3*w + u*dw)
	pi.WCount += w
	pi.WCountDh -= u * dw
}

// IactGradient accumulates the smoothed pressure of both particles.
func IactGradient(r2 float64, dx [3]float64, hi, hj float64, pi, pj *part.Part, props *Props) {
	r := math.Sqrt(r2)
	gradientOne(r, hi, pi, pj, props)
	gradientOne(r, hj, pj, pi, props)
}

// IactNonsymGradient accumulates the smoothed pressure of pi only.
func IactNonsymGradient(r2 float64, dx [3]float64, hi, hj float64, pi, pj *part.Part, props *Props) {
	gradientOne(math.Sqrt(r2), hi, pi, pj, props)
}

func gradientOne(r, h float64, pi, pj *part.Part, props *Props) {
	if r >= h*KernelGamma || pj.Rho <= 0 {
		return
	}
	w := KernelEval(r / h)
	pi.PressureBar += pj.Mass * props.Pressure(pj.Rho, pj.U) / pj.Rho * w
}

// forceTerms holds the symmetric pieces of one force interaction.
type forceTerms struct {
	wiDr, wjDr float64
	acc        float64
	dvdr       float64
	vSig       float64
	viscDuTerm float64
	piOverRho2 float64
	pjOverRho2 float64
	rInv       float64
}

func computeForce(r2 float64, dx [3]float64, hi, hj float64, pi, pj *part.Part, props *Props) forceTerms {
	r := math.Sqrt(r2)
	rInv := 1 / r

	hiInv := 1 / hi
	_, wiDx := KernelDeval(r * hiInv)
	wiDr := hiInv * hiInv * hiInv * hiInv * wiDx

	hjInv := 1 / hj
	_, wjDx := KernelDeval(r * hjInv)
	wjDr := hjInv * hjInv * hjInv * hjInv * wjDx

	piOverRho2 := pi.Pressure / (pi.Rho * pi.Rho) * pi.F
	pjOverRho2 := pj.Pressure / (pj.Rho * pj.Rho) * pj.F

	dvdr := (pi.V[0]-pj.V[0])*dx[0] + (pi.V[1]-pj.V[1])*dx[1] + (pi.V[2]-pj.V[2])*dx[2]

	// Monaghan viscosity on approaching pairs.
	muij := min(dvdr, 0) * rInv
	vSig := pi.SoundSpeed + pj.SoundSpeed - 3*muij
	rhoij := 0.5 * (pi.Rho + pj.Rho)
	visc := -0.25 * props.Alpha * vSig * muij / rhoij

	viscTerm := 0.5 * visc * (wiDr + wjDr) * rInv
	sphTerm := (piOverRho2*wiDr + pjOverRho2*wjDr) * rInv

	return forceTerms{
		wiDr:       wiDr,
		wjDr:       wjDr,
		acc:        viscTerm + sphTerm,
		dvdr:       dvdr,
		vSig:       vSig,
		viscDuTerm: 0.5 * viscTerm * dvdr,
		piOverRho2: piOverRho2,
		pjOverRho2: pjOverRho2,
		rInv:       rInv,
	}
}

// IactForce applies the pressure and viscous forces to both particles.
func IactForce(r2 float64, dx [3]float64, hi, hj float64, pi, pj *part.Part, props *Props) {
	f := computeForce(r2, dx, hi, hj, pi, pj, props)
	for k := 0; k < 3; k++ {
		pi.AHydro[k] -= pj.Mass * f.acc * dx[k]
		pj.AHydro[k] += pi.Mass * f.acc * dx[k]
	}
	pi.HDt -= pj.Mass * f.dvdr * f.rInv / pj.Rho * f.wiDr
	pj.HDt -= pi.Mass * f.dvdr * f.rInv / pi.Rho * f.wjDr
	pi.VSig = max(pi.VSig, f.vSig)
	pj.VSig = max(pj.VSig, f.vSig)
	pi.UDt += pj.Mass * (f.piOverRho2*f.dvdr*f.rInv*f.wiDr + f.viscDuTerm)
	pj.UDt += pi.Mass * (f.pjOverRho2*f.dvdr*f.rInv*f.wjDr + f.viscDuTerm)
}

// IactNonsymForce applies the forces to pi only.
func IactNonsymForce(r2 float64, dx [3]float64, hi, hj float64, pi, pj *part.Part, props *Props) {
	f := computeForce(r2, dx, hi, hj, pi, pj, props)
	for k := 0; k < 3; k++ {
		pi.AHydro[k] -= pj.Mass * f.acc * dx[k]
	}
	pi.HDt -= pj.Mass * f.dvdr * f.rInv / pj.Rho * f.wiDr
	pi.VSig = max(pi.VSig, f.vSig)
	pi.UDt += pj.Mass * (f.piOverRho2*f.dvdr*f.rInv*f.wiDr + f.viscDuTerm)
}
