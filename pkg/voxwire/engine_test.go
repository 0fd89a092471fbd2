package voxwire

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/voxwire/voxwire/pkg/enrich"
	"github.com/voxwire/voxwire/pkg/frames"
	"github.com/voxwire/voxwire/pkg/responder"
)

func TestProviderRegistryUnknownProvider(t *testing.T) {
	reg := NewProviderRegistry()
	if _, err := reg.BuildSTTFactory("nope", Config{}, ""); err == nil {
		t.Error("expected error for unregistered stt provider")
	}
	if _, err := reg.BuildTTSFactory("nope", Config{}); err == nil {
		t.Error("expected error for unregistered tts provider")
	}
	if _, err := reg.BuildResponder("nope", Config{}); err == nil {
		t.Error("expected error for unregistered responder provider")
	}
}

func TestProviderRegistryNameNormalization(t *testing.T) {
	reg := NewProviderRegistry()
	reg.RegisterResponder(" Template ", func(cfg Config) (responder.Generator, error) {
		return responder.NewTemplateGenerator(nil, "ok"), nil
	})
	gen, err := reg.BuildResponder("template", Config{})
	if err != nil {
		t.Fatalf("BuildResponder: %v", err)
	}
	if gen.Name() != "template" {
		t.Errorf("generator name = %q", gen.Name())
	}
}

func TestSessionKeyPrecedence(t *testing.T) {
	meta := map[string]string{
		frames.MetaSessionID: "sess-1",
		frames.MetaCallSID:   "CA123",
	}
	if got := sessionKey(meta, "stream-1"); got != "sess-1" {
		t.Errorf("sessionKey = %q, want sess-1", got)
	}
	delete(meta, frames.MetaSessionID)
	if got := sessionKey(meta, "stream-1"); got != "CA123" {
		t.Errorf("sessionKey = %q, want CA123", got)
	}
	if got := sessionKey(map[string]string{}, "stream-1"); got != "stream-1" {
		t.Errorf("sessionKey = %q, want stream-1", got)
	}
}

func TestWithSessionIDRebuildsFrame(t *testing.T) {
	af := frames.NewAudioFrame("stream-1", 7, []byte{1, 2}, 8000, 1, map[string]string{
		frames.MetaCallSID: "CA123",
	})
	out := withSessionID(af, "CA123")
	meta := out.Meta()
	if meta[frames.MetaSessionID] != "CA123" {
		t.Errorf("session_id = %q", meta[frames.MetaSessionID])
	}
	if meta[frames.MetaStreamID] != "stream-1" {
		t.Errorf("stream_id = %q", meta[frames.MetaStreamID])
	}
	rebuilt, ok := out.(frames.AudioFrame)
	if !ok {
		t.Fatalf("expected audio frame, got %#v", out)
	}
	if rebuilt.PTS() != 7 || rebuilt.Rate() != 8000 || len(rebuilt.RawPayload()) != 2 {
		t.Error("audio attributes lost in rebuild")
	}
}

func TestEncodeEventMergesType(t *testing.T) {
	raw, err := encodeEvent(enrich.Event{
		Type:    "bot-transcription",
		Payload: map[string]any{"data": map[string]any{"text": "hello"}},
	})
	if err != nil {
		t.Fatalf("encodeEvent: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if obj["type"] != "bot-transcription" {
		t.Errorf("type = %v", obj["type"])
	}
	data, ok := obj["data"].(map[string]any)
	if !ok || data["text"] != "hello" {
		t.Errorf("data = %v", obj["data"])
	}
}

func TestPipelineEmitterRequiresInput(t *testing.T) {
	em := &pipelineEmitter{}
	f := frames.NewTextFrame("s1", 1, "hi", nil)
	if err := em.Emit(f); err == nil {
		t.Fatal("expected error before input attached")
	}
	ch := make(chan frames.Frame, 1)
	em.SetInput(ch)
	if err := em.Emit(f); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := em.Emit(f); err == nil {
		t.Fatal("expected error when channel is full")
	}
	select {
	case got := <-ch:
		if !reflect.DeepEqual(got, f) {
			t.Error("unexpected frame in channel")
		}
	default:
		t.Fatal("expected buffered frame")
	}
}
