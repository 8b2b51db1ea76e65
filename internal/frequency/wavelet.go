// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package frequency

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// morlet computes bias-rectified Morlet wavelet power spectra by FFT
// convolution (Torrence & Compo normalisation). Power is divided by scale so
// a pure tone peaks exactly at its own frequency, f = omega0 / (2*pi*s).
type morlet struct {
	omega0 float64
	ffts   map[int]*fourier.CmplxFFT
}

func newMorlet(omega0 float64) *morlet {
	return &morlet{omega0: omega0, ffts: make(map[int]*fourier.CmplxFFT)}
}

func (m *morlet) fft(n int) *fourier.CmplxFFT {
	f, ok := m.ffts[n]
	if !ok {
		f = fourier.NewCmplxFFT(n)
		m.ffts[n] = f
	}
	return f
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// spectrum returns the rectified mean power at each frequency in freqs for
// the mean-removed signal x sampled every dt seconds. Positions inside the
// cone of influence of a scale are excluded from its mean when any
// position lies outside it.
func (m *morlet) spectrum(x []float64, dt float64, freqs []float64) []float64 {
	n := len(x)
	size := nextPow2(2 * n)
	fft := m.fft(size)

	var mean float64
	for _, v := range x {
		mean += v
	}
	mean /= float64(n)
	seq := make([]complex128, size)
	for i, v := range x {
		seq[i] = complex(v-mean, 0)
	}
	xhat := fft.Coefficients(nil, seq)

	omega := make([]float64, size)
	for k := range size {
		if k <= size/2 {
			omega[k] = 2 * math.Pi * float64(k) / (float64(size) * dt)
		} else {
			omega[k] = -2 * math.Pi * float64(size-k) / (float64(size) * dt)
		}
	}

	norm4 := math.Pow(math.Pi, -0.25)
	prod := make([]complex128, size)
	w := make([]complex128, size)
	out := make([]float64, len(freqs))
	for j, f := range freqs {
		s := m.omega0 / (2 * math.Pi * f)
		scale := math.Sqrt(2*math.Pi*s/dt) * norm4
		for k := range size {
			if omega[k] <= 0 {
				prod[k] = 0
				continue
			}
			d := s*omega[k] - m.omega0
			prod[k] = xhat[k] * complex(scale*math.Exp(-d*d/2), 0)
		}
		w = fft.Sequence(w, prod)

		edge := int(math.Ceil(math.Sqrt2 * s / dt))
		lo, hi := edge, n-1-edge
		if lo > hi {
			lo, hi = 0, n-1
		}
		var sum float64
		for i := lo; i <= hi; i++ {
			a := cmplx.Abs(w[i]) / float64(size)
			sum += a * a
		}
		out[j] = sum / float64(hi-lo+1) / s
	}
	return out
}

// amplitude converts a rectified power into the amplitude (same unit as x)
// of the sinusoid that would produce it.
func amplitude(power, dt float64) float64 {
	return math.Sqrt(2 * dt * power / math.Sqrt(math.Pi))
}

// logGrid returns n log-spaced frequencies covering [lo, hi].
func logGrid(lo, hi float64, n int) []float64 {
	if n < 2 {
		return []float64{math.Sqrt(lo * hi)}
	}
	out := make([]float64, n)
	r := math.Log(hi / lo)
	for i := range n {
		out[i] = lo * math.Exp(r*float64(i)/float64(n-1))
	}
	return out
}

// refinePeak interpolates the peak at index i with a parabola through the
// log-power of its neighbours on the log-frequency axis.
func refinePeak(freqs, power []float64, i int) (float64, float64) {
	if i <= 0 || i >= len(freqs)-1 || power[i-1] <= 0 || power[i+1] <= 0 {
		return freqs[i], power[i]
	}
	a, b, c := math.Log(power[i-1]), math.Log(power[i]), math.Log(power[i+1])
	den := a - 2*b + c
	if den >= 0 {
		return freqs[i], power[i]
	}
	delta := 0.5 * (a - c) / den
	step := math.Log(freqs[i+1] / freqs[i])
	f := freqs[i] * math.Exp(delta*step)
	p := math.Exp(b - 0.25*(a-c)*delta)
	return f, p
}
