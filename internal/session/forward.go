package session

import (
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

// resultRecord is the journaled form of a final result. It carries no
// transcript text.
type resultRecord struct {
	Confidence   float64 `json:"confidence"`
	Language     string  `json:"language"`
	ProcessingMS int64   `json:"processing_ms"`
	Words        int     `json:"words"`
	Alternatives int     `json:"alternatives"`
}

type errorRecord struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// subscribe forwards engine events to the bus and the journal.
func (s *Session) subscribe() {
	ev := s.engine.Events()
	s.unsubs = append(s.unsubs,
		ev.Result.Subscribe(s.onResult),
		ev.Error.Subscribe(s.onError),
		ev.BackendSwitched.Subscribe(s.onSwitch),
		ev.LanguageDetected.Subscribe(s.onLanguage),
		ev.AudioMetrics.Subscribe(s.onMetrics),
		ev.ModelProgress.Subscribe(s.onProgress),
		ev.Start.Subscribe(func(e engine.ListeningEvent) { s.onListening(e, true) }),
		ev.Stop.Subscribe(func(e engine.ListeningEvent) { s.onListening(e, false) }),
	)
}

func (s *Session) publish(subject string, v any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

func (s *Session) record(eventType string, backend stt.Kind, payload any) {
	if s.journal == nil {
		return
	}
	if err := s.journal.AppendJSON(s.ctx, s.id, eventType, backend.String(), payload); err != nil {
		s.logger.Warn("failed to journal event", slog.String("type", eventType), slogError(err))
	}
}

func (s *Session) onResult(r stt.Result) {
	if r.Transcript != "" && (r.IsFinal || s.cfg.PublishInterim) {
		subject := protocol.SubjectTranscriptPartial
		if r.IsFinal {
			subject = protocol.SubjectTranscriptFinal
		}
		msg := protocol.Transcript{
			SessionID:    s.id,
			Text:         r.Transcript,
			Partial:      !r.IsFinal,
			Timestamp:    r.Timestamp.UTC(),
			Confidence:   r.Confidence,
			Language:     r.Language,
			Backend:      r.Metadata.BackendUsed.String(),
			ProcessingMS: r.Metadata.ProcessingTime.Milliseconds(),
		}
		for _, alt := range r.Alternatives {
			msg.Alternatives = append(msg.Alternatives, protocol.Alternative{Text: alt.Transcript, Confidence: alt.Confidence})
		}
		s.publish(subject, msg)
	}
	if r.IsFinal {
		s.record(eventstore.EventResult, r.Metadata.BackendUsed, resultRecord{
			Confidence:   r.Confidence,
			Language:     r.Language,
			ProcessingMS: r.Metadata.ProcessingTime.Milliseconds(),
			Words:        len(strings.Fields(r.Transcript)),
			Alternatives: len(r.Alternatives),
		})
	}
}

func (s *Session) onError(e engine.ErrorEvent) {
	s.publish(protocol.SubjectError, protocol.RecognitionError{
		SessionID:   s.id,
		Backend:     e.Backend.String(),
		Message:     e.Err.Error(),
		Recoverable: e.Recoverable,
		Timestamp:   time.Now().UTC(),
	})
	s.record(eventstore.EventError, e.Backend, errorRecord{Message: e.Err.Error(), Recoverable: e.Recoverable})
}

func (s *Session) onSwitch(e engine.SwitchEvent) {
	msg := protocol.BackendSwitch{
		SessionID: s.id,
		From:      e.From.String(),
		To:        e.To.String(),
		Reason:    e.Reason,
		Timestamp: e.At.UTC(),
	}
	s.publish(protocol.SubjectBackendSwitch, msg)
	s.record(eventstore.EventBackendSwitch, e.To, msg)
}

func (s *Session) onLanguage(e engine.LanguageEvent) {
	msg := protocol.LanguageDetected{
		SessionID:  s.id,
		Language:   e.Language,
		Confidence: e.Confidence,
		Source:     e.Source,
		Timestamp:  time.Now().UTC(),
	}
	s.publish(protocol.SubjectLanguageDetected, msg)
	s.record(eventstore.EventLanguage, "", msg)
}

func (s *Session) onMetrics(m audio.Metrics) {
	s.publish(protocol.SubjectAudioMetrics, protocol.AudioMetrics{
		SessionID:      s.id,
		Volume:         m.Volume,
		SNR:            m.SignalToNoiseRatio,
		Clipping:       m.Clipping,
		LatencyMS:      m.LatencyMS,
		BufferUnderrun: m.BufferUnderrun,
		Timestamp:      time.Now().UTC(),
	})
}

func (s *Session) onProgress(p stt.ModelProgress) {
	msg := protocol.ModelProgress{
		SessionID: s.id,
		Backend:   p.Backend.String(),
		Model:     p.Model,
		Fraction:  p.Fraction,
		Done:      p.Done,
	}
	if p.Err != nil {
		msg.Error = p.Err.Error()
	}
	s.publish(protocol.SubjectModelProgress, msg)
}

func (s *Session) onListening(e engine.ListeningEvent, listening bool) {
	s.publish(protocol.SubjectSessionState, protocol.SessionState{
		SessionID: s.id,
		Listening: listening,
		Backend:   e.Backend.String(),
		Language:  e.Language,
		Timestamp: e.At.UTC(),
	})
}
