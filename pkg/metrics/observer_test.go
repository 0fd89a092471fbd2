package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestJSONLObserverWritesEventLine(t *testing.T) {
	var buf bytes.Buffer
	obs := NewJSONLObserver(&buf)

	obs.RecordEvent(MetricsEvent{
		Name: "audio_in",
		Time: time.Now(),
		Tags: map[string]string{"stream_id": "s1"},
	})

	line := buf.String()
	if !strings.Contains(line, `"name":"audio_in"`) {
		t.Fatalf("missing event name in %q", line)
	}
	if !strings.Contains(line, `"stream_id":"s1"`) {
		t.Fatalf("missing tag in %q", line)
	}
}

func TestSamplingObserverThinsEvents(t *testing.T) {
	inner := NewMemoryObserver()
	obs := NewSamplingObserver(inner, 0.25)

	for i := 0; i < 100; i++ {
		obs.RecordEvent(MetricsEvent{Name: "tick"})
	}
	if got := len(inner.Snapshot()); got != 25 {
		t.Fatalf("expected 25 sampled events, got %d", got)
	}
}

func TestSamplingObserverRateOneKeepsEverything(t *testing.T) {
	inner := NewMemoryObserver()
	obs := NewSamplingObserver(inner, 1)

	for i := 0; i < 10; i++ {
		obs.RecordEvent(MetricsEvent{Name: "tick"})
	}
	if got := len(inner.Snapshot()); got != 10 {
		t.Fatalf("expected all events, got %d", got)
	}
}
