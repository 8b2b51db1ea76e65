// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package preprocess

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// bandEnergyRatio returns the share of spectral energy (DC excluded) that
// falls inside [lo, hi] Hz.
func bandEnergyRatio(values []float64, rateHz, lo, hi float64) float64 {
	n := len(values)
	if n < 4 {
		return 0
	}
	mean := stat.Mean(values, nil)
	seq := make([]float64, n)
	for i, v := range values {
		seq[i] = v - mean
	}
	fft := fourier.NewFFT(n)
	coeff := fft.Coefficients(nil, seq)

	var in, total float64
	for i := 1; i < len(coeff); i++ {
		e := real(coeff[i])*real(coeff[i]) + imag(coeff[i])*imag(coeff[i])
		total += e
		f := fft.Freq(i) * rateHz
		if f >= lo && f <= hi {
			in += e
		}
	}
	if total == 0 {
		return 0
	}
	return in / total
}

// varianceStability compares v with the mean of recent window variances:
// 1 for identical, towards 0 as they diverge.
func varianceStability(v float64, history []float64) float64 {
	if len(history) == 0 {
		return 1
	}
	ref := stat.Mean(history, nil)
	if v+ref == 0 {
		return 1
	}
	return 1 - math.Abs(v-ref)/(v+ref)
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
