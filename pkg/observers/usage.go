package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/metrics"
)

type UsageSummary struct {
	TraceID         string `json:"trace_id,omitempty"`
	StreamID        string `json:"stream_id,omitempty"`
	TurnsCommitted  int    `json:"turns_committed"`
	TurnsCancelled  int    `json:"turns_cancelled"`
	TurnsRejected   int    `json:"turns_rejected"`
	Fragments       int    `json:"fragments"`
	ResponseChars   int    `json:"response_chars"`
	Transcripts     int    `json:"transcripts"`
	SynthesisChunks int    `json:"synthesis_chunks"`
	RecordedAtUTC   string `json:"recorded_at_utc"`
}

// UsageObserver accumulates per-stream turn counters and writes one
// summary file per stream on Close.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	id := ""
	streamID := ""
	traceID := ""
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
		traceID = ev.Tags["trace_id"]
		if traceID != "" {
			id = traceID
		} else {
			id = streamID
		}
	}
	if id == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{TraceID: traceID, StreamID: streamID}
		o.stats[id] = stat
	}

	switch ev.Name {
	case metrics.EventTurnCommit:
		stat.TurnsCommitted++
		if ev.Fields != nil {
			if v, ok := ev.Fields["chars"].(int); ok {
				stat.ResponseChars += v
			}
		}
	case metrics.EventTurnCancelled, metrics.EventTurnError:
		stat.TurnsCancelled++
	case metrics.EventTurnRejected:
		stat.TurnsRejected++
	case metrics.EventFragment:
		stat.Fragments++
	case metrics.EventTranscriptIn:
		stat.Transcripts++
	case metrics.EventSynthesisChunk:
		stat.SynthesisChunks++
	}
}

func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+".usage.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

var _ metrics.Observer = (*UsageObserver)(nil)
