package processors

import (
	"reflect"
	"testing"
	"time"

	"github.com/voxwire/voxwire/pkg/enrich"
	"github.com/voxwire/voxwire/pkg/frames"
)

type eventCapture struct {
	events []enrich.Event
}

func (c *eventCapture) SendEvent(ev enrich.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func TestUIEventProcessorMirrorsTurnLifecycle(t *testing.T) {
	sink := &eventCapture{}
	fwd := enrich.NewForwarder(nil, sink, enrich.ForwarderOptions{})
	proc := NewUIEventProcessor(fwd)

	turnMeta := map[string]string{frames.MetaTurnID: "t1"}
	in := []frames.Frame{
		frames.NewSystemFrame("s", 1, frames.SystemTurnStart, turnMeta),
		responderText("s", "Hi"),
		frames.NewSystemFrame("s", 2, frames.SystemTurnEnd, turnMeta),
	}
	for _, f := range in {
		out, err := proc.Process(f)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if len(out) != 1 || !reflect.DeepEqual(out[0], f) {
			t.Fatalf("tap must pass frames through unchanged")
		}
	}
	fwd.Close()

	if len(sink.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(sink.events))
	}
	want := []string{EventBotStarted, EventBotTranscription, EventBotEnded}
	for i, w := range want {
		if sink.events[i].Type != w {
			t.Fatalf("event %d type = %s, want %s", i, sink.events[i].Type, w)
		}
	}
	data, _ := sink.events[1].Data()
	if data["text"] != "Hi" {
		t.Fatalf("fragment event data = %v", data)
	}
}

func TestUIEventProcessorCancelledCarriesReason(t *testing.T) {
	sink := &eventCapture{}
	fwd := enrich.NewForwarder(nil, sink, enrich.ForwarderOptions{})
	proc := NewUIEventProcessor(fwd)

	meta := map[string]string{frames.MetaTurnID: "t1", frames.MetaReason: "barge_in"}
	if _, err := proc.Process(frames.NewSystemFrame("s", 1, frames.SystemTurnCancelled, meta)); err != nil {
		t.Fatalf("process: %v", err)
	}
	fwd.Close()

	if len(sink.events) != 1 || sink.events[0].Type != EventBotInterrupted {
		t.Fatalf("events = %v", sink.events)
	}
	data, _ := sink.events[0].Data()
	if data["reason"] != "barge_in" {
		t.Fatalf("data = %v", data)
	}
}

func TestUIEventProcessorIgnoresMediaFrames(t *testing.T) {
	sink := &eventCapture{}
	fwd := enrich.NewForwarder(nil, sink, enrich.ForwarderOptions{})
	proc := NewUIEventProcessor(fwd)

	af := frames.NewAudioFrame("s", time.Now().UnixNano(), []byte{1}, 8000, 1, nil)
	if _, err := proc.Process(af); err != nil {
		t.Fatalf("process: %v", err)
	}
	hb := frames.NewSystemFrame("s", 1, "heartbeat", nil)
	if _, err := proc.Process(hb); err != nil {
		t.Fatalf("process: %v", err)
	}
	fwd.Close()

	if len(sink.events) != 0 {
		t.Fatalf("media frames must not produce events: %v", sink.events)
	}
}

func TestUIEventProcessorUserTranscription(t *testing.T) {
	sink := &eventCapture{}
	fwd := enrich.NewForwarder(nil, sink, enrich.ForwarderOptions{})
	proc := NewUIEventProcessor(fwd)

	if _, err := proc.Process(transcriptFrame("s", "hello", true)); err != nil {
		t.Fatalf("process: %v", err)
	}
	fwd.Close()

	if len(sink.events) != 1 || sink.events[0].Type != EventUserTranscription {
		t.Fatalf("events = %v", sink.events)
	}
	data, _ := sink.events[0].Data()
	if data["text"] != "hello" || data["final"] != true {
		t.Fatalf("data = %v", data)
	}
}
