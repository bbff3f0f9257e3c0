package builtin

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/matryer/is"

	"github.com/loqalabs/loqa-stt/internal/plugin"
)

func TestNormalizeThroughRegistry(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	r := plugin.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	is.NoErr(r.Register(ctx, NewNormalize(0.5)))

	out := r.PreprocessAudio(ctx, []float32{0.1, -0.2, 0.05}, 16000)
	is.True(math.Abs(float64(out[1])+0.5) < 1e-6) // peak scaled to target

	silence := []float32{0, 0, 0}
	is.Equal(r.PreprocessAudio(ctx, silence, 16000), silence) // silence unchanged
	is.Equal(r.Plugins()[0].Hooks, []plugin.Hook{plugin.HookAudioPreprocess})
}
