package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/loqalabs/loqa-stt/internal/stt/fake"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type published struct {
	subject string
	data    []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, published{subject: subject, data: data})
	r.mu.Unlock()
	return nil
}

func (r *recorder) bySubject(subject string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]byte
	for _, m := range r.msgs {
		if m.subject == subject {
			out = append(out, m.data)
		}
	}
	return out
}

func sine(n, sampleRate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*300*float64(i)/float64(sampleRate)))
	}
	return out
}

func newEngine(t *testing.T) (*engine.Engine, *fake.Backend, *fake.Backend) {
	t.Helper()
	live := fake.New(stt.KindLive, "en")
	local := fake.New(stt.KindLocal)
	cfg := engine.DefaultConfig()
	cfg.AutoEngineSelection = false
	e, err := engine.New(cfg, stt.DefaultConfig(), engine.Deps{Live: live, Local: local, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, live, local
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionForwardsEventsAndJournalsMetadata(t *testing.T) {
	ctx := context.Background()
	e, live, _ := newEngine(t)

	acfg := audio.DefaultConfig()
	acfg.CalibrationDuration = 0
	proc := audio.NewProcessor(acfg, audio.NewMemoryDevice(sine(3*acfg.FrameSize, acfg.SampleRate), acfg.SampleRate, 1), newLogger())
	if err := proc.Initialize(ctx, audio.Constraints{}); err != nil {
		t.Fatalf("initialize processor: %v", err)
	}

	journal, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	pub := &recorder{}
	s, err := New(Config{MetricsEvery: 1}, Deps{Engine: e, Processor: proc, Publisher: pub, Journal: journal, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "audio metrics", func() bool {
		return len(pub.bySubject(protocol.SubjectAudioMetrics)) == 3
	})
	if frames, _ := live.FrameCount(); frames != 3 {
		t.Fatalf("expected 3 frames fed, got %d", frames)
	}

	live.Emit(stt.Result{Transcript: "hel", Confidence: 0.4, Language: "en"})
	live.EmitResult("hello world", 0.9)
	if got := len(pub.bySubject(protocol.SubjectTranscriptPartial)); got != 0 {
		t.Fatalf("interim results should not be published, got %d", got)
	}
	finals := pub.bySubject(protocol.SubjectTranscriptFinal)
	if len(finals) != 1 {
		t.Fatalf("expected 1 final transcript, got %d", len(finals))
	}
	var tr protocol.Transcript
	if err := json.Unmarshal(finals[0], &tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if tr.Text != "hello world" || tr.SessionID != s.ID() || tr.Backend != "live" || tr.Partial {
		t.Fatalf("unexpected transcript %+v", tr)
	}

	if err := e.SwitchEngine(ctx, stt.KindLocal, "manual"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if got := len(pub.bySubject(protocol.SubjectBackendSwitch)); got != 1 {
		t.Fatalf("expected 1 switch event, got %d", got)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if e.IsListening() {
		t.Fatal("engine still listening after stop")
	}
	states := pub.bySubject(protocol.SubjectSessionState)
	if len(states) != 2 {
		t.Fatalf("expected start and stop state events, got %d", len(states))
	}

	events, err := journal.ListSessionEvents(ctx, s.ID(), 20)
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
		if strings.Contains(string(ev.Payload), "hello") {
			t.Fatalf("journal must not contain transcript text: %s", ev.Payload)
		}
	}
	want := []string{eventstore.EventSessionStarted, eventstore.EventResult, eventstore.EventBackendSwitch, eventstore.EventSessionEnded}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("expected journal %v, got %v", want, types)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !live.Disposed() {
		t.Fatal("expected backends disposed on close")
	}
}

func TestSessionStartFailureLeavesItStopped(t *testing.T) {
	ctx := context.Background()
	e, live, _ := newEngine(t)
	t.Cleanup(func() { _ = e.Dispose(ctx) })
	if err := e.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	live.SetStartErr(context.DeadlineExceeded)

	s, err := New(Config{}, Deps{Engine: e, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatal("expected start error")
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop after failed start: %v", err)
	}
}

func TestSessionIngestsRemoteAudio(t *testing.T) {
	ctx := context.Background()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(config.BusConfig{ConnectTimeout: 2000}, srv.ClientURL(), newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	e, live, _ := newEngine(t)
	s, err := New(Config{PublishInterim: true}, Deps{Engine: e, Publisher: client, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(ctx) })
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.IngestRemote(client); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	stereo := make([]float32, 2*320)
	for i := range stereo {
		stereo[i] = 0.25
	}
	frame := protocol.AudioFrame{
		SessionID:  "kitchen",
		Sequence:   1,
		SampleRate: 16000,
		Channels:   2,
		PCM:        audio.Float32ToPCM16(stereo),
	}
	if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".kitchen", frame); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
	waitFor(t, "remote frame", func() bool {
		frames, samples := live.FrameCount()
		return frames == 1 && samples == 320
	})
}
