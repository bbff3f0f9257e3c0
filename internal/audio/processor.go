package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"
)

var ErrNotInitialized = errors.New("audio processor not initialized")

// Config tunes the processor. Zero sizes and thresholds fall back to
// DefaultConfig; start from DefaultConfig to keep its reduction settings.
type Config struct {
	SampleRate          int
	Channels            int
	FrameSize           int
	FFTSize             int
	CalibrationDuration time.Duration
	// ReductionLevel scales the noise estimate subtracted per bin.
	ReductionLevel float64
	// WetMix is the share of the processed signal in the output, 0..1.
	WetMix              float64
	ClipLevel           float64
	HighFrequencyHz     float64
	UnderrunTransitions int
	MetricsHistory      int
}

func DefaultConfig() Config {
	return Config{
		SampleRate:          16000,
		Channels:            1,
		FrameSize:           4096,
		FFTSize:             2048,
		CalibrationDuration: 2 * time.Second,
		ReductionLevel:      1.0,
		WetMix:              0.8,
		ClipLevel:           0.99,
		HighFrequencyHz:     4000,
		UnderrunTransitions: 8,
		MetricsHistory:      64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = def.Channels
	}
	if c.FrameSize <= 0 {
		c.FrameSize = def.FrameSize
	}
	if c.FFTSize <= 0 {
		c.FFTSize = def.FFTSize
	}
	if c.CalibrationDuration < 0 {
		c.CalibrationDuration = 0
	}
	if c.ReductionLevel < 0 {
		c.ReductionLevel = 0
	}
	if c.WetMix < 0 || c.WetMix > 1 {
		c.WetMix = def.WetMix
	}
	if c.ClipLevel <= 0 {
		c.ClipLevel = def.ClipLevel
	}
	if c.HighFrequencyHz <= 0 {
		c.HighFrequencyHz = def.HighFrequencyHz
	}
	if c.UnderrunTransitions <= 0 {
		c.UnderrunTransitions = def.UnderrunTransitions
	}
	if c.MetricsHistory <= 0 {
		c.MetricsHistory = def.MetricsHistory
	}
	return c
}

// Frame is one block of captured mono audio.
type Frame struct {
	Samples    []float32
	SampleRate int
	Sequence   uint64
	Captured   time.Time
	Metrics    Metrics
}

// Processor owns the capture stream and noise profile for its lifetime.
type Processor struct {
	cfg    Config
	device Device
	logger *slog.Logger

	mu          sync.Mutex
	stream      Stream
	constraints Constraints
	recording   bool
	cancel      context.CancelFunc
	done        chan struct{}

	analysisMu sync.Mutex
	analyzer   *analyzer
	noise      []float64

	ring *metricsRing
}

func NewProcessor(cfg Config, device Device, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()
	return &Processor{
		cfg:      cfg,
		device:   device,
		logger:   logger.With(slog.String("component", "audio-processor")),
		analyzer: newAnalyzer(cfg.FFTSize),
		ring:     newMetricsRing(cfg.MetricsHistory),
	}
}

// Initialize acquires the input stream and calibrates the noise profile
// against ambient audio. Device failures are returned as *DeviceError.
func (p *Processor) Initialize(ctx context.Context, c Constraints) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return errors.New("audio processor already initialized")
	}
	if p.device == nil {
		return &DeviceError{Reason: ErrNoDevice}
	}
	c = c.withDefaults(p.cfg)
	stream, err := p.device.Open(c)
	if err != nil {
		var de *DeviceError
		if errors.As(err, &de) {
			return err
		}
		return &DeviceError{Reason: ErrNoDevice, Err: err}
	}

	ambient, err := p.captureAmbient(ctx, stream, c)
	if err != nil {
		if cerr := stream.Close(); cerr != nil {
			p.logger.Warn("close stream after failed calibration", slogError(cerr))
		}
		return err
	}

	p.analysisMu.Lock()
	p.noise = p.analyzer.noiseProfile(ambient)
	p.analysisMu.Unlock()

	p.stream = stream
	p.constraints = c
	p.logger.Info("audio processor initialized",
		slog.Int("sample_rate", c.SampleRate),
		slog.Int("channels", c.Channels),
		slog.Int("calibration_samples", len(ambient)))
	return nil
}

func (p *Processor) captureAmbient(ctx context.Context, stream Stream, c Constraints) ([]float32, error) {
	want := int(p.cfg.CalibrationDuration.Seconds() * float64(c.SampleRate))
	if want <= 0 {
		return nil, nil
	}
	if err := stream.Start(); err != nil {
		return nil, fmt.Errorf("start calibration stream: %w", err)
	}
	defer func() {
		if err := stream.Stop(); err != nil {
			p.logger.Warn("stop calibration stream", slogError(err))
		}
	}()

	ambient := make([]float32, 0, want)
	buf := make([]float32, c.FrameSize*c.Channels)
	for len(ambient) < want {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := stream.Read(buf)
		if n > 0 {
			ambient = append(ambient, Downmix(buf[:n], c.Channels)...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read calibration audio: %w", err)
		}
	}
	if len(ambient) > want {
		ambient = ambient[:want]
	}
	return ambient, nil
}

// StartRecording begins delivering frames to sink from a capture goroutine.
// Calling it while already recording is a no-op.
func (p *Processor) StartRecording(ctx context.Context, sink func(Frame)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return ErrNotInitialized
	}
	if p.recording {
		p.logger.Warn("recording already started")
		return nil
	}
	if err := p.stream.Start(); err != nil {
		return fmt.Errorf("start audio stream: %w", err)
	}
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.recording = true
	go p.capture(cctx, p.stream, p.constraints, sink, done)
	return nil
}

func (p *Processor) capture(ctx context.Context, stream Stream, c Constraints, sink func(Frame), done chan struct{}) {
	defer close(done)
	buf := make([]float32, c.FrameSize*c.Channels)
	var seq uint64
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := stream.Read(buf)
		if n > 0 && ctx.Err() == nil {
			mono := Downmix(buf[:n], c.Channels)
			m := p.AudioMetrics(mono)
			p.ring.push(m)
			seq++
			if sink != nil {
				sink(Frame{Samples: mono, SampleRate: c.SampleRate, Sequence: seq, Captured: time.Now(), Metrics: m})
			}
		}
		if errors.Is(err, io.EOF) {
			p.logger.Info("audio source exhausted", slog.Uint64("frames", seq))
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("audio capture stopped", slogError(err))
			}
			return
		}
	}
}

// StopRecording stops capture and waits for the capture goroutine. Safe to
// call when not recording.
func (p *Processor) StopRecording() error {
	p.mu.Lock()
	if !p.recording {
		p.mu.Unlock()
		return nil
	}
	cancel, done, stream := p.cancel, p.done, p.stream
	p.recording = false
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	cancel()
	err := stream.Stop()
	<-done
	if err != nil {
		return fmt.Errorf("stop audio stream: %w", err)
	}
	return nil
}

// Recording reports whether a capture goroutine is active.
func (p *Processor) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.recording {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Close stops recording and releases the stream. Safe after a failed Initialize.
func (p *Processor) Close() error {
	stopErr := p.StopRecording()
	p.mu.Lock()
	defer p.mu.Unlock()
	var closeErr error
	if p.stream != nil {
		closeErr = p.stream.Close()
		p.stream = nil
	}
	p.analysisMu.Lock()
	p.noise = nil
	p.analysisMu.Unlock()
	return errors.Join(stopErr, closeErr)
}

// Calibrated reports whether a noise profile is available.
func (p *Processor) Calibrated() bool {
	p.analysisMu.Lock()
	defer p.analysisMu.Unlock()
	return p.noise != nil
}

// NoiseProfile returns a copy of the per-bin noise magnitudes.
func (p *Processor) NoiseProfile() []float64 {
	p.analysisMu.Lock()
	defer p.analysisMu.Unlock()
	return append([]float64(nil), p.noise...)
}

// SetNoiseProfile replaces the noise estimate, e.g. from a saved calibration.
func (p *Processor) SetNoiseProfile(profile []float64) error {
	p.analysisMu.Lock()
	defer p.analysisMu.Unlock()
	if len(profile) != p.analyzer.bins() {
		return fmt.Errorf("noise profile has %d bins, want %d", len(profile), p.analyzer.bins())
	}
	p.noise = append([]float64(nil), profile...)
	return nil
}

func (p *Processor) sampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.constraints.SampleRate > 0 {
		return p.constraints.SampleRate
	}
	return p.cfg.SampleRate
}

// AudioMetrics computes metrics for a single mono frame.
func (p *Processor) AudioMetrics(frame []float32) Metrics {
	rate := p.sampleRate()
	p.analysisMu.Lock()
	defer p.analysisMu.Unlock()
	return frameMetrics(p.analyzer, p.cfg, rate, frame, p.noise)
}

// LatestMetrics returns the metrics of the most recent captured frame.
func (p *Processor) LatestMetrics() (Metrics, bool) {
	return p.ring.latest()
}

// RecentMetrics returns the bounded metrics history, oldest first.
func (p *Processor) RecentMetrics() []Metrics {
	return p.ring.snapshot()
}

// ApplyNoiseReduction returns a spectrally denoised copy of frame. When no
// noise profile exists or the frame cannot be processed, frame is returned
// unmodified.
func (p *Processor) ApplyNoiseReduction(frame []float32) []float32 {
	out, err := p.reduce(frame)
	if err != nil {
		p.logger.Warn("noise reduction skipped", slogError(err))
		return frame
	}
	return out
}

func (p *Processor) reduce(frame []float32) ([]float32, error) {
	if len(frame) == 0 {
		return frame, nil
	}
	for i, s := range frame {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return nil, fmt.Errorf("non-finite sample at index %d", i)
		}
	}
	p.analysisMu.Lock()
	defer p.analysisMu.Unlock()
	if p.noise == nil {
		return frame, nil
	}
	processed := p.analyzer.subtract(frame, p.noise, p.cfg.ReductionLevel)
	wet := p.cfg.WetMix
	out := make([]float32, len(frame))
	for i, dry := range frame {
		out[i] = float32(wet*processed[i] + (1-wet)*float64(dry))
	}
	return out, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
