package audio

import (
	"math"
	"sync"
)

// Metrics summarizes one captured frame.
type Metrics struct {
	Volume             float64 `json:"volume"`
	SignalToNoiseRatio float64 `json:"snr_db"`
	Clipping           bool    `json:"clipping"`
	LatencyMS          float64 `json:"latency_ms"`
	BufferUnderrun     bool    `json:"buffer_underrun"`
}

const (
	snrEpsilon = 1e-10
	maxSNR     = 120
	// adjacent samples further apart than this count as a level transition
	transitionStep = 0.5
)

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Level returns the RMS level of samples clamped to [0,1].
func Level(samples []float32) float64 {
	return math.Min(1, rms(samples))
}

func peakLevel(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		if v := math.Abs(float64(s)); v > peak {
			peak = v
		}
	}
	return peak
}

func levelTransitions(samples []float32) int {
	count := 0
	for i := 1; i < len(samples); i++ {
		if math.Abs(float64(samples[i])-float64(samples[i-1])) > transitionStep {
			count++
		}
	}
	return count
}

// frameMetrics computes metrics for a mono frame. noise may be nil before
// calibration.
func frameMetrics(a *analyzer, cfg Config, sampleRate int, frame []float32, noise []float64) Metrics {
	m := Metrics{
		Volume:         math.Min(1, rms(frame)),
		Clipping:       peakLevel(frame) >= cfg.ClipLevel,
		BufferUnderrun: levelTransitions(frame) > cfg.UnderrunTransitions,
	}

	power := a.powerSpectrum(frame)
	var signal, high float64
	cutoff := len(power)
	if sampleRate > 0 {
		cutoff = int(math.Ceil(cfg.HighFrequencyHz * float64(a.size) / float64(sampleRate)))
	}
	for k, p := range power {
		signal += p
		if k >= cutoff {
			high += p
		}
	}
	var noisePower float64
	for _, n := range noise {
		noisePower += n * n
	}
	snr := 10 * math.Log10((signal+snrEpsilon)/(noisePower+snrEpsilon))
	m.SignalToNoiseRatio = math.Max(-maxSNR, math.Min(maxSNR, snr))

	var ratio float64
	if signal > 0 {
		ratio = high / signal
	}
	if sampleRate > 0 {
		windowMS := float64(a.size) / float64(sampleRate) * 1000
		m.LatencyMS = windowMS * (0.5 + ratio)
	}
	return m
}

// metricsRing keeps the most recent metrics.
type metricsRing struct {
	mu    sync.Mutex
	items []Metrics
	next  int
	full  bool
}

func newMetricsRing(size int) *metricsRing {
	if size <= 0 {
		size = 1
	}
	return &metricsRing{items: make([]Metrics, size)}
}

func (r *metricsRing) push(m Metrics) {
	r.mu.Lock()
	r.items[r.next] = m
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

func (r *metricsRing) latest() (Metrics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full && r.next == 0 {
		return Metrics{}, false
	}
	idx := (r.next - 1 + len(r.items)) % len(r.items)
	return r.items[idx], true
}

// snapshot returns entries oldest first.
func (r *metricsRing) snapshot() []Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Metrics(nil), r.items[:r.next]...)
	}
	out := make([]Metrics, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	return append(out, r.items[:r.next]...)
}
