package processors

import (
	"strconv"

	"github.com/voxwire/voxwire/pkg/enrich"
	"github.com/voxwire/voxwire/pkg/frames"
	"github.com/voxwire/voxwire/pkg/pipeline"
)

// Outbound UI event types.
const (
	EventUserTranscription = "user-transcription"
	EventBotStarted        = "bot-response-started"
	EventBotTranscription  = "bot-transcription"
	EventBotEnded          = "bot-response-ended"
	EventBotInterrupted    = "bot-response-interrupted"
)

// UIEventProcessor is a pass-through tap at the end of the pipeline. It
// mirrors turn boundaries, response fragments and user transcripts onto
// the session's out-of-band event channel. Delivery never blocks frame
// flow; the forwarder drops under pressure.
type UIEventProcessor struct {
	fwd *enrich.Forwarder
}

func NewUIEventProcessor(fwd *enrich.Forwarder) *UIEventProcessor {
	return &UIEventProcessor{fwd: fwd}
}

func (p *UIEventProcessor) Name() string { return "ui_event_processor" }

func (p *UIEventProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if ev, ok := eventForFrame(f); ok {
		p.fwd.Forward(ev)
	}
	return []frames.Frame{f}, nil
}

func eventForFrame(f frames.Frame) (enrich.Event, bool) {
	meta := f.Meta()
	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		var typ string
		switch sf.Name() {
		case frames.SystemTurnStart:
			typ = EventBotStarted
		case frames.SystemTurnEnd:
			typ = EventBotEnded
		case frames.SystemTurnCancelled:
			typ = EventBotInterrupted
		default:
			return enrich.Event{}, false
		}
		data := map[string]any{"turn_id": meta[frames.MetaTurnID]}
		if reason := meta[frames.MetaReason]; reason != "" {
			data["reason"] = reason
		}
		return enrich.Event{Type: typ, Payload: map[string]any{enrich.DataKey: data}}, true

	case frames.KindText:
		tf := f.(frames.TextFrame)
		switch meta[frames.MetaSource] {
		case frames.SourceResponder:
			data := map[string]any{
				"text":    tf.Text(),
				"turn_id": meta[frames.MetaTurnID],
			}
			if seq, err := strconv.Atoi(meta[frames.MetaSeq]); err == nil {
				data["seq"] = seq
			}
			return enrich.Event{Type: EventBotTranscription, Payload: map[string]any{enrich.DataKey: data}}, true
		case frames.SourceTranscript:
			data := map[string]any{
				"text":  tf.Text(),
				"final": meta[frames.MetaIsFinal] == "true",
			}
			return enrich.Event{Type: EventUserTranscription, Payload: map[string]any{enrich.DataKey: data}}, true
		}
	}
	return enrich.Event{}, false
}

var _ pipeline.FrameProcessor = (*UIEventProcessor)(nil)
