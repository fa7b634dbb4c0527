package gravity

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Mesh solves the periodic Poisson equation on a regular grid to estimate the
// potential energy of the mass distribution.
type Mesh struct {
	n    int
	box  [3]float64
	fft  *fourier.CmplxFFT
	grid []complex128
	line []complex128
	out  []complex128
}

// NewMesh creates an n^3 mesh over the box.
func NewMesh(n int, box [3]float64) *Mesh {
	return &Mesh{
		n:    n,
		box:  box,
		fft:  fourier.NewCmplxFFT(n),
		grid: make([]complex128, n*n*n),
		line: make([]complex128, n),
		out:  make([]complex128, n),
	}
}

// N returns the mesh size per dimension.
func (m *Mesh) N() int { return m.n }

// Reset clears the mass assignment.
func (m *Mesh) Reset() {
	for i := range m.grid {
		m.grid[i] = 0
	}
}

// Assign deposits a mass at x with nearest-grid-point assignment.
func (m *Mesh) Assign(x [3]float64, mass float64) {
	var idx [3]int
	for k := 0; k < 3; k++ {
		i := int(x[k] / m.box[k] * float64(m.n))
		i %= m.n
		if i < 0 {
			i += m.n
		}
		idx[k] = i
	}
	m.grid[(idx[0]*m.n+idx[1])*m.n+idx[2]] += complex(mass, 0)
}

// transform applies the 1-D FFT along every axis.
func (m *Mesh) transform(inverse bool) {
	n := m.n
	strides := [3]int{n * n, n, 1}
	for axis := 0; axis < 3; axis++ {
		stride := strides[axis]
		for base := 0; base < n*n*n; base++ {
			if (base/stride)%n != 0 {
				continue
			}
			for i := 0; i < n; i++ {
				m.line[i] = m.grid[base+i*stride]
			}
			if inverse {
				m.fft.Sequence(m.out, m.line)
			} else {
				m.fft.Coefficients(m.out, m.line)
			}
			for i := 0; i < n; i++ {
				m.grid[base+i*stride] = m.out[i]
			}
		}
	}
}

// PotentialEnergy returns 1/2 sum m phi for the assigned masses, with the
// mean density removed.
func (m *Mesh) PotentialEnergy(g float64) float64 {
	n := m.n
	masses := make([]float64, len(m.grid))
	for i, c := range m.grid {
		masses[i] = real(c)
	}
	cellVol := m.box[0] * m.box[1] * m.box[2] / float64(n*n*n)

	for i := range m.grid {
		m.grid[i] /= complex(cellVol, 0)
	}
	m.transform(false)

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				idx := (i*n+j)*n + k
				kx := waveNumber(i, n, m.box[0])
				ky := waveNumber(j, n, m.box[1])
				kz := waveNumber(k, n, m.box[2])
				k2 := kx*kx + ky*ky + kz*kz
				if k2 == 0 {
					m.grid[idx] = 0
					continue
				}
				m.grid[idx] *= complex(-4*math.Pi*g/k2, 0)
			}
		}
	}
	m.transform(true)

	norm := 1 / float64(n*n*n)
	var e float64
	for i, c := range m.grid {
		e += 0.5 * masses[i] * real(c) * norm
	}
	return e
}

func waveNumber(i, n int, l float64) float64 {
	if i > n/2 {
		i -= n
	}
	return 2 * math.Pi * float64(i) / l
}
