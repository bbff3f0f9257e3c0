package protocol

import "time"

// AudioFrame carries PCM16 LE audio streamed from a remote capture device.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

type Alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcript is a recognition result broadcast on the bus.
type Transcript struct {
	SessionID    string        `json:"session_id"`
	Text         string        `json:"text"`
	Partial      bool          `json:"partial"`
	Timestamp    time.Time     `json:"timestamp"`
	Confidence   float64       `json:"confidence"`
	Language     string        `json:"language"`
	Backend      string        `json:"backend"`
	ProcessingMS int64         `json:"processing_ms,omitempty"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

type BackendSwitch struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type RecognitionError struct {
	SessionID   string    `json:"session_id"`
	Backend     string    `json:"backend"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Timestamp   time.Time `json:"timestamp"`
}

type LanguageDetected struct {
	SessionID  string    `json:"session_id"`
	Language   string    `json:"language"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

type AudioMetrics struct {
	SessionID      string    `json:"session_id"`
	Volume         float64   `json:"volume"`
	SNR            float64   `json:"snr_db"`
	Clipping       bool      `json:"clipping"`
	LatencyMS      float64   `json:"latency_ms"`
	BufferUnderrun bool      `json:"buffer_underrun"`
	Timestamp      time.Time `json:"timestamp"`
}

type ModelProgress struct {
	SessionID string  `json:"session_id"`
	Backend   string  `json:"backend"`
	Model     string  `json:"model"`
	Fraction  float64 `json:"fraction"`
	Done      bool    `json:"done"`
	Error     string  `json:"error,omitempty"`
}

// SessionState announces listening transitions.
type SessionState struct {
	SessionID string    `json:"session_id"`
	Listening bool      `json:"listening"`
	Backend   string    `json:"backend"`
	Language  string    `json:"language"`
	Timestamp time.Time `json:"timestamp"`
}

// BackendCapability advertises one recognition backend of a node.
type BackendCapability struct {
	Backend      string `json:"backend"`
	Available    bool   `json:"available"`
	Offline      bool   `json:"offline"`
	RealTime     bool   `json:"real_time"`
	AccuracyTier int    `json:"accuracy_tier"`
	Languages    int    `json:"languages"`
}

// NodeAnnounce is published when a node joins or its backends change.
type NodeAnnounce struct {
	NodeID       string              `json:"node_id"`
	Role         string              `json:"role"`
	Capabilities []BackendCapability `json:"capabilities"`
	Timestamp    time.Time           `json:"timestamp"`
}

type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Listening bool      `json:"listening"`
	Backend   string    `json:"backend"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectNodeAnnounce        = "stt.node.announce"
	SubjectNodeHeartbeatPrefix = "stt.node.heartbeat"
)

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectBackendSwitch     = "stt.backend.switch"
	SubjectError             = "stt.error"
	SubjectLanguageDetected  = "stt.language.detected"
	SubjectAudioMetrics      = "stt.audio.metrics"
	SubjectModelProgress     = "stt.model.progress"
	SubjectSessionState      = "stt.session.state"
)
