package correct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

type staticCorrector struct {
	out   string
	err   error
	calls int
}

func (s *staticCorrector) Correct(context.Context, string, string) (string, error) {
	s.calls++
	return s.out, s.err
}

func newPlugin(c Corrector) *Plugin {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPlugin("", c, DefaultConfig(), logger)
}

func TestEnhanceFinalResult(t *testing.T) {
	is := is.New(t)
	c := &staticCorrector{out: "  \"turn on the kitchen lights\"\n"}
	p := newPlugin(c)
	is.Equal(p.Name(), "llm-correct")
	is.NoErr(p.Initialize(context.Background()))

	in := stt.Result{Transcript: "turn on the kitten lights", Confidence: 0.7, IsFinal: true, Language: "en"}
	out, err := p.EnhanceResult(context.Background(), in)
	is.NoErr(err)
	is.Equal(out.Transcript, "turn on the kitchen lights")
	is.Equal(out.Confidence, 0.7)
	is.Equal(len(out.Alternatives), 1)
	is.Equal(out.Alternatives[0].Transcript, "turn on the kitten lights")
}

func TestEnhanceSkipsInterimAndConfidentResults(t *testing.T) {
	is := is.New(t)
	c := &staticCorrector{out: "changed"}
	p := newPlugin(c)

	interim := stt.Result{Transcript: "hello", Confidence: 0.5}
	out, err := p.EnhanceResult(context.Background(), interim)
	is.NoErr(err)
	is.Equal(out.Transcript, "hello")

	confident := stt.Result{Transcript: "hello", Confidence: 0.99, IsFinal: true}
	out, err = p.EnhanceResult(context.Background(), confident)
	is.NoErr(err)
	is.Equal(out.Transcript, "hello")
	is.Equal(c.calls, 0)
}

func TestEnhanceKeepsOriginalOnEmptyOrError(t *testing.T) {
	is := is.New(t)
	in := stt.Result{Transcript: "hello there", Confidence: 0.6, IsFinal: true}

	out, err := newPlugin(&staticCorrector{out: "  "}).EnhanceResult(context.Background(), in)
	is.NoErr(err)
	is.Equal(out.Transcript, "hello there")
	is.Equal(len(out.Alternatives), 0)

	boom := errors.New("boom")
	out, err = newPlugin(&staticCorrector{err: boom}).EnhanceResult(context.Background(), in)
	is.True(errors.Is(err, boom))
	is.Equal(out.Transcript, "hello there")
}

func TestInitializeWithoutCorrector(t *testing.T) {
	if err := newPlugin(nil).Initialize(context.Background()); err == nil {
		t.Fatal("expected error without corrector")
	}
}

func TestOllamaStreamsCorrection(t *testing.T) {
	is := is.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model != "qwen2.5" || !req.Stream || req.System == "" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"response":"good ","done":false}`)
		fmt.Fprintln(w, `{"response":"morning","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	defer srv.Close()

	out, err := NewOllama(srv.URL+"/", "qwen2.5", srv.Client()).Correct(context.Background(), "good mourning", "en")
	is.NoErr(err)
	is.Equal(out, "good morning")
}

func TestOllamaReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := NewOllama(srv.URL, "", nil).Correct(context.Background(), "x", "en"); err == nil {
		t.Fatal("expected status error")
	}
}

func TestOpenAICompatibleServer(t *testing.T) {
	is := is.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"set a timer"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	out, err := NewOpenAI("secret", srv.URL+"/v1", "m").Correct(context.Background(), "set a timber", "en")
	is.NoErr(err)
	is.Equal(out, "set a timer")
}

func TestExecCorrector(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "correct.sh")
	body := "#!/bin/sh\ncat >/dev/null\necho '{\"transcript\":\"play some jazz\"}'\n"
	is.NoErr(os.WriteFile(script, []byte(body), 0o755))

	c, err := NewExec(script)
	is.NoErr(err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.Correct(ctx, "play some jas", "en")
	is.NoErr(err)
	is.Equal(out, "play some jazz")

	_, err = NewExec("   ")
	is.True(err != nil)
}
