package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-stt/internal/audio"
)

// ExecConfig configures models run by an external command. The command
// receives --audio <wav> --model <file> [--language <code>] and prints a
// JSON Transcription on stdout.
type ExecConfig struct {
	Command  string
	ModelDir string
	// DownloadURL is a template where {tier} is replaced by the tier name.
	DownloadURL string
	Client      *http.Client
}

// ExecLoader resolves model files on disk and runs them through Command.
type ExecLoader struct {
	cmd    []string
	cfg    ExecConfig
	logger *slog.Logger
}

func NewExecLoader(cfg ExecConfig, logger *slog.Logger) (*ExecLoader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command is empty")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecLoader{cmd: args, cfg: cfg, logger: logger.With(slog.String("component", "model-loader"))}, nil
}

// ModelFile is the file name of the model for tier.
func ModelFile(tier Tier) string {
	return "ggml-" + string(tier) + ".bin"
}

// ModelPath is where the loader expects the model file for tier.
func (l *ExecLoader) ModelPath(tier Tier) string {
	return filepath.Join(l.cfg.ModelDir, ModelFile(tier))
}

func (l *ExecLoader) Load(ctx context.Context, tier Tier, progress func(float64)) (Model, error) {
	if _, ok := tier.Info(); !ok {
		return nil, fmt.Errorf("unknown model tier %q", tier)
	}
	path := l.ModelPath(tier)
	_, err := os.Stat(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && l.cfg.DownloadURL != "":
		if err := l.download(ctx, tier, path, progress); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("model file %s not found", path)
	default:
		return nil, fmt.Errorf("stat model file: %w", err)
	}
	return &execModel{cmd: l.cmd, path: path}, nil
}

func (l *ExecLoader) download(ctx context.Context, tier Tier, dst string, progress func(float64)) error {
	url := strings.ReplaceAll(l.cfg.DownloadURL, "{tier}", string(tier))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := l.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("download model: server returned %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "ggml-*.part")
	if err != nil {
		return fmt.Errorf("temp model file: %w", err)
	}
	defer os.Remove(tmp.Name())

	l.logger.Info("downloading model", slog.String("tier", string(tier)), slog.String("url", url))
	w := &progressWriter{total: resp.ContentLength, report: progress}
	if _, err := io.Copy(io.MultiWriter(tmp, w), resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("download model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write model file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("install model file: %w", err)
	}
	return nil
}

// progressWriter reports download progress in tenths.
type progressWriter struct {
	total   int64
	written int64
	step    int64
	report  func(float64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.total > 0 && w.report != nil {
		step := w.written * 10 / w.total
		if step > w.step {
			w.step = step
			w.report(float64(w.written) / float64(w.total))
		}
	}
	return len(p), nil
}

type execModel struct {
	cmd  []string
	path string
	mu   sync.Mutex
}

func (m *execModel) Transcribe(ctx context.Context, samples []float32, sampleRate int, nativeLanguage string) (Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return Transcription{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeWAV(file, samples, sampleRate, 1); err != nil {
		return Transcription{}, err
	}

	args := append([]string{}, m.cmd[1:]...)
	args = append(args, "--audio", file.Name(), "--model", m.path)
	if nativeLanguage != "" {
		args = append(args, "--language", nativeLanguage)
	}
	command := exec.CommandContext(ctx, m.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Transcription{}, fmt.Errorf("model command failed: %w: %s", err, stderr.String())
	}

	var out Transcription
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Transcription{}, fmt.Errorf("decode model response: %w", err)
	}
	out.Text = strings.TrimSpace(out.Text)
	return out, nil
}

func (m *execModel) Close() error { return nil }
