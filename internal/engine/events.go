package engine

import (
	"sync"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

// Topic is a typed publish/subscribe channel. Subscribers run synchronously
// in subscription order on the publishing goroutine. The zero value is
// ready to use.
type Topic[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a func that removes it.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	t.next++
	id := t.next
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, s := range t.subs {
				if s.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	subs := t.subs
	t.mu.RUnlock()
	for _, s := range subs {
		s.fn(v)
	}
}

type ErrorEvent struct {
	Backend     stt.Kind
	Err         error
	Recoverable bool
}

type LanguageEvent struct {
	Language   string
	Confidence float64
	// Source is the backend kind or the name of the detecting plugin.
	Source string
}

type SwitchEvent struct {
	From   stt.Kind
	To     stt.Kind
	Reason string
	At     time.Time
}

type ListeningEvent struct {
	Backend  stt.Kind
	Language string
	At       time.Time
}

// Events is the set of topics an Engine publishes on.
type Events struct {
	Result           Topic[stt.Result]
	Error            Topic[ErrorEvent]
	AudioMetrics     Topic[audio.Metrics]
	LanguageDetected Topic[LanguageEvent]
	BackendSwitched  Topic[SwitchEvent]
	Start            Topic[ListeningEvent]
	Stop             Topic[ListeningEvent]
	ModelProgress    Topic[stt.ModelProgress]
}
