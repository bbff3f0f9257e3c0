// Package builtin holds plugins shipped with the daemon.
package builtin

import (
	"context"

	"github.com/loqalabs/loqa-stt/internal/audio"
)

// Normalize scales every frame so its peak sits at Target.
type Normalize struct {
	Target float64
}

func NewNormalize(target float64) *Normalize {
	if target <= 0 || target > 1 {
		target = 0.9
	}
	return &Normalize{Target: target}
}

func (n *Normalize) Name() string                     { return "normalize" }
func (n *Normalize) Version() string                  { return "1.0.0" }
func (n *Normalize) Initialize(context.Context) error { return nil }
func (n *Normalize) Cleanup(context.Context) error    { return nil }

func (n *Normalize) PreprocessAudio(_ context.Context, frame []float32, _ int) ([]float32, error) {
	return audio.NormalizeAudio(frame, n.Target), nil
}
