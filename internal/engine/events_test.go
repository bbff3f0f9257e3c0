package engine

import (
	"testing"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

func TestTopicDeliversInOrderAndUnsubscribes(t *testing.T) {
	var topic Topic[int]
	var got []string
	unsubA := topic.Subscribe(func(v int) { got = append(got, "a") })
	topic.Subscribe(func(v int) { got = append(got, "b") })

	topic.Publish(1)
	unsubA()
	unsubA()
	topic.Publish(2)

	want := []string{"a", "b", "b"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestStatsSnapshotIsDeepCopy(t *testing.T) {
	rec := newStatsRecorder()
	rec.recordResult(stt.Result{Confidence: 0.5, Language: "en", Metadata: stt.Metadata{BackendUsed: stt.KindLive}})
	snap := rec.snapshot()
	snap.LanguageUsage["en"] = 100
	snap.BackendUsage[stt.KindLive] = 100

	again := rec.snapshot()
	if again.LanguageUsage["en"] != 1 || again.BackendUsage[stt.KindLive] != 1 {
		t.Fatalf("snapshot shares maps with recorder: %+v", again)
	}
}

func TestErrorRate(t *testing.T) {
	rec := newStatsRecorder()
	rec.recordResult(stt.Result{Confidence: 1})
	rec.recordResult(stt.Result{Confidence: 1})
	rec.recordResult(stt.Result{Confidence: 1})
	rec.recordError()
	if got := rec.snapshot().ErrorRate; got != 0.25 {
		t.Fatalf("expected error rate 0.25, got %v", got)
	}
}

func TestSwitchQueueCoalesces(t *testing.T) {
	var q switchQueue
	first := &switchRequest{target: stt.KindLocal, done: make(chan error, 1)}
	second := &switchRequest{target: stt.KindLive, done: make(chan error, 1)}
	third := &switchRequest{target: stt.KindLocal, done: make(chan error, 1)}

	if !q.enqueue(first) {
		t.Fatal("first request should run immediately")
	}
	if q.enqueue(second) {
		t.Fatal("second request should wait")
	}
	if q.enqueue(third) {
		t.Fatal("third request should wait")
	}
	select {
	case err := <-second.done:
		if err != ErrSwitchSuperseded {
			t.Fatalf("expected superseded, got %v", err)
		}
	default:
		t.Fatal("second request was not superseded")
	}
	if next := q.next(); next != third {
		t.Fatal("expected the newest request to run next")
	}
	if next := q.next(); next != nil {
		t.Fatal("expected queue to be idle")
	}
	if !q.enqueue(first) {
		t.Fatal("idle queue should run the request immediately")
	}
}
