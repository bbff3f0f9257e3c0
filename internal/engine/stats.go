package engine

import (
	"sync"
	"time"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

// Stats summarizes recognition since the engine was created. Averages are
// running means; no history is kept.
type Stats struct {
	TotalRecognitions   int64              `json:"total_recognitions"`
	AverageAccuracy     float64            `json:"average_accuracy"`
	AverageSpeed        float64            `json:"average_speed_ms"`
	LanguageUsage       map[string]int64   `json:"language_usage"`
	BackendUsage        map[stt.Kind]int64 `json:"backend_usage"`
	ErrorRate           float64            `json:"error_rate"`
	TotalProcessingTime time.Duration      `json:"total_processing_time"`
	Errors              int64              `json:"errors"`
	Switches            int64              `json:"switches"`
	// SwitchesConsidered counts re-evaluation triggers, executed or not.
	SwitchesConsidered int64 `json:"switches_considered"`
}

type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{stats: Stats{
		LanguageUsage: make(map[string]int64),
		BackendUsage:  make(map[stt.Kind]int64),
	}}
}

func (r *statsRecorder) recordResult(res stt.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &r.stats
	s.TotalRecognitions++
	n := float64(s.TotalRecognitions)
	s.AverageAccuracy += (res.Confidence - s.AverageAccuracy) / n
	ms := float64(res.Metadata.ProcessingTime) / float64(time.Millisecond)
	s.AverageSpeed += (ms - s.AverageSpeed) / n
	s.LanguageUsage[res.Language]++
	s.BackendUsage[res.Metadata.BackendUsed]++
	s.TotalProcessingTime += res.Metadata.ProcessingTime
	s.updateErrorRate()
}

func (r *statsRecorder) recordError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Errors++
	r.stats.updateErrorRate()
}

func (r *statsRecorder) recordSwitch() {
	r.mu.Lock()
	r.stats.Switches++
	r.mu.Unlock()
}

func (r *statsRecorder) recordConsidered() {
	r.mu.Lock()
	r.stats.SwitchesConsidered++
	r.mu.Unlock()
}

func (s *Stats) updateErrorRate() {
	total := s.TotalRecognitions + s.Errors
	if total == 0 {
		s.ErrorRate = 0
		return
	}
	s.ErrorRate = float64(s.Errors) / float64(total)
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.LanguageUsage = make(map[string]int64, len(r.stats.LanguageUsage))
	for k, v := range r.stats.LanguageUsage {
		out.LanguageUsage[k] = v
	}
	out.BackendUsage = make(map[stt.Kind]int64, len(r.stats.BackendUsage))
	for k, v := range r.stats.BackendUsage {
		out.BackendUsage[k] = v
	}
	return out
}
