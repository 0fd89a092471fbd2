package observers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voxwire/voxwire/pkg/metrics"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	ev := metrics.MetricsEvent{
		Name: "frame_out",
		Time: time.Now(),
		Tags: map[string]string{
			"stream_id": "stream-1",
			"trace_id":  "trace-1",
			"kind":      "audio",
		},
	}
	obs.RecordEvent(ev)
	_ = obs.Close()

	path := filepath.Join(dir, "trace-1.jsonl")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(b), "audio_out") {
		t.Fatalf("expected audio_out event in file")
	}
}

func TestUsageObserverWritesSummary(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)

	tags := map[string]string{"stream_id": "stream-1", "turn_id": "turn-1"}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFragment, Time: time.Now(), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFragment, Time: time.Now(), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventTurnCommit,
		Time:   time.Now(),
		Tags:   tags,
		Fields: map[string]any{"fragments": 2, "chars": 8},
	})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "stream-1.usage.json"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, `"turns_committed": 1`) {
		t.Fatalf("expected committed turn in summary: %s", s)
	}
	if !strings.Contains(s, `"fragments": 2`) {
		t.Fatalf("expected fragment count in summary: %s", s)
	}
}
