package audio

import (
	"encoding/binary"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	FFTSize       = 256
	FrequencyBins = FFTSize / 2
)

const (
	minDecibels = -100.0
	maxDecibels = -30.0
	smoothing   = 0.8
)

// Analyser keeps a sliding window of the most recent capture samples and
// turns it into byte-scaled frequency magnitudes, one per bin, the same
// scale a browser AnalyserNode reports.
type Analyser struct {
	mu       sync.Mutex
	window   []float64
	head     int
	filled   int
	fft      *fourier.FFT
	blackman []float64
	smoothed []float64
	seq      []float64
	coeffs   []complex128
}

func NewAnalyser() *Analyser {
	a := &Analyser{
		window:   make([]float64, FFTSize),
		fft:      fourier.NewFFT(FFTSize),
		blackman: make([]float64, FFTSize),
		smoothed: make([]float64, FrequencyBins),
		seq:      make([]float64, FFTSize),
	}
	const alpha = 0.16
	for i := range a.blackman {
		x := 2 * math.Pi * float64(i) / float64(FFTSize)
		a.blackman[i] = (1-alpha)/2 - 0.5*math.Cos(x) + alpha/2*math.Cos(2*x)
	}
	return a
}

// Write appends little-endian 16-bit mono PCM to the analysis window.
func (a *Analyser) Write(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		a.window[a.head] = s
		a.head = (a.head + 1) % FFTSize
		if a.filled < FFTSize {
			a.filled++
		}
	}
}

// FrequencyData returns FrequencyBins magnitudes in [0, 255].
func (a *Analyser) FrequencyData() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]byte, FrequencyBins)
	if a.filled == 0 {
		return out
	}
	for i := range a.seq {
		a.seq[i] = a.window[(a.head+i)%FFTSize] * a.blackman[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)

	for k := 0; k < FrequencyBins; k++ {
		mag := cmplx.Abs(a.coeffs[k]) / FFTSize
		a.smoothed[k] = smoothing*a.smoothed[k] + (1-smoothing)*mag
		db := minDecibels
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		scaled := (db - minDecibels) / (maxDecibels - minDecibels) * 255
		out[k] = byte(math.Max(0, math.Min(255, scaled)))
	}
	return out
}

// Reset clears the window and smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.window)
	clear(a.smoothed)
	a.head = 0
	a.filled = 0
}
