package audio

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// analyzer holds the fixed-size transform and window. Not safe for concurrent
// use; the processor serializes access.
type analyzer struct {
	size   int
	fft    *fourier.FFT
	window []float64
	seq    []float64
	coeff  []complex128
}

func newAnalyzer(size int) *analyzer {
	window := make([]float64, size)
	for i := range window {
		// periodic Hann: sums to 1 at 50% overlap
		window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(size))
	}
	return &analyzer{
		size:   size,
		fft:    fourier.NewFFT(size),
		window: window,
		seq:    make([]float64, size),
		coeff:  make([]complex128, size/2+1),
	}
}

func (a *analyzer) bins() int { return a.size/2 + 1 }

// spectrum windows up to size samples (zero padded) and returns the shared
// coefficient buffer.
func (a *analyzer) spectrum(samples []float32) []complex128 {
	for i := range a.seq {
		if i < len(samples) {
			a.seq[i] = float64(samples[i]) * a.window[i]
		} else {
			a.seq[i] = 0
		}
	}
	return a.fft.Coefficients(a.coeff, a.seq)
}

func (a *analyzer) accumulateMagnitudes(samples []float32, dst []float64) {
	coeff := a.spectrum(samples)
	for k, c := range coeff {
		dst[k] += cmplx.Abs(c)
	}
}

// powerSpectrum averages per-bin power over consecutive windows so every
// sample of a frame longer than the transform contributes.
func (a *analyzer) powerSpectrum(samples []float32) []float64 {
	power := make([]float64, a.bins())
	windows := 0
	for start := 0; start < len(samples) || windows == 0; start += a.size {
		end := min(start+a.size, len(samples))
		for k, c := range a.spectrum(samples[start:end]) {
			m := cmplx.Abs(c)
			power[k] += m * m
		}
		windows++
	}
	for k := range power {
		power[k] /= float64(windows)
	}
	return power
}

// noiseProfile averages per-bin magnitudes over consecutive windows.
func (a *analyzer) noiseProfile(samples []float32) []float64 {
	profile := make([]float64, a.bins())
	if len(samples) == 0 {
		return profile
	}
	windows := 0
	for start := 0; start < len(samples); start += a.size {
		end := start + a.size
		if end > len(samples) {
			end = len(samples)
		}
		a.accumulateMagnitudes(samples[start:end], profile)
		windows++
	}
	for k := range profile {
		profile[k] /= float64(windows)
	}
	return profile
}

// subtract performs windowed overlap-add spectral subtraction on frame.
// level scales the noise estimate removed from every bin.
func (a *analyzer) subtract(frame []float32, noise []float64, level float64) []float64 {
	n := a.size
	hop := n / 2
	total := ((len(frame)+hop-1)/hop + 2) * hop
	padded := make([]float64, total)
	for i, s := range frame {
		padded[hop+i] = float64(s)
	}
	acc := make([]float64, total)
	scale := 1 / float64(n)
	for start := 0; start+n <= total; start += hop {
		for i := 0; i < n; i++ {
			a.seq[i] = padded[start+i] * a.window[i]
		}
		coeff := a.fft.Coefficients(a.coeff, a.seq)
		for k, c := range coeff {
			mag := cmplx.Abs(c)
			if mag == 0 {
				continue
			}
			reduced := mag - level*noise[k]
			if reduced <= 0 {
				coeff[k] = 0
				continue
			}
			coeff[k] = c * complex(reduced/mag, 0)
		}
		seq := a.fft.Sequence(a.seq, coeff)
		for i, v := range seq {
			acc[start+i] += v * scale
		}
	}
	return acc[hop : hop+len(frame)]
}
