package engine

import "github.com/loqalabs/loqa-stt/internal/stt"

// LiveStatus describes the Live backend as seen by the selection policy.
type LiveStatus struct {
	Available        bool
	SupportsLanguage bool
}

// SelectBackend applies the selection policy and returns the chosen backend
// with a short reason. It is deterministic.
func SelectBackend(cfg Config, live LiveStatus) (stt.Kind, string) {
	switch {
	case cfg.OfflineFirst:
		return stt.KindLocal, "offline first"
	case !live.SupportsLanguage:
		return stt.KindLocal, "language not supported by live"
	case cfg.PrivacyMode:
		return stt.KindLocal, "privacy mode"
	case cfg.Performance == PreferAccuracy:
		return stt.KindLocal, "accuracy preference"
	case cfg.Performance == PreferResourceSaving && !live.Available:
		return stt.KindLocal, "resource saving without live"
	case cfg.Performance == PreferSpeed && live.Available:
		return stt.KindLive, "speed preference"
	case live.Available:
		return stt.KindLive, "live available"
	}
	return stt.KindLocal, "live unavailable"
}
