package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/metrics"
)

// LatencyObserver tracks time-to-first-fragment and time-to-first-audio
// per turn, logging a summary when the turn reaches a terminal state.
type LatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*turnTrace
	log   *slog.Logger
}

type turnTrace struct {
	accepted   time.Time
	firstFrag  time.Time
	firstAudio time.Time
	streamID   string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns: make(map[string]*turnTrace),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	turnID := ""
	streamID := ""
	if ev.Tags != nil {
		turnID = ev.Tags["turn_id"]
		streamID = ev.Tags["stream_id"]
	}
	if turnID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.turns[turnID]
	if t == nil {
		t = &turnTrace{streamID: streamID}
		o.turns[turnID] = t
	}
	switch ev.Name {
	case metrics.EventTurnAccepted:
		if t.accepted.IsZero() {
			t.accepted = ev.Time
		}
	case metrics.EventFragment:
		if t.firstFrag.IsZero() {
			t.firstFrag = ev.Time
		}
	case metrics.EventSynthesisChunk:
		if t.firstAudio.IsZero() {
			t.firstAudio = ev.Time
		}
	case metrics.EventTurnCommit, metrics.EventTurnCancelled, metrics.EventTurnError:
		o.logTurnLocked(turnID, ev.Name, ev.Time, t)
		delete(o.turns, turnID)
	}
}

func (o *LatencyObserver) logTurnLocked(turnID, outcome string, at time.Time, t *turnTrace) {
	o.log.Info("turn_latency",
		"stream_id", t.streamID,
		"turn_id", turnID,
		"outcome", outcome,
		"first_fragment_ms", durationMs(t.accepted, t.firstFrag),
		"first_audio_ms", durationMs(t.accepted, t.firstAudio),
		"total_ms", durationMs(t.accepted, at),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
