package enrich

import (
	"reflect"
	"testing"
)

func transcriptionEvent() Event {
	return Event{
		Type: "bot-transcription",
		Payload: map[string]any{
			"label": "rtvi-ai",
			DataKey: map[string]any{"text": "hi"},
		},
	}
}

func TestSelectiveEnricherInjectsSessionAndMetadata(t *testing.T) {
	e := NewSelectiveEnricher([]string{"bot-transcription"}, "s1", map[string]any{"a": 1})

	in := transcriptionEvent()
	out := e.Enrich(in)

	data, ok := out.Data()
	if !ok {
		t.Fatalf("enriched event lost its data object")
	}
	if data[SessionIDField] != "s1" {
		t.Fatalf("session_id = %v", data[SessionIDField])
	}
	md, ok := data[MetadataField].(map[string]any)
	if !ok || md["a"] != 1 {
		t.Fatalf("metadata = %v", data[MetadataField])
	}
	if data["text"] != "hi" {
		t.Fatalf("existing field lost: %v", data["text"])
	}

	// Input event untouched.
	inData, _ := in.Data()
	if _, found := inData[SessionIDField]; found {
		t.Fatalf("input event was mutated")
	}
}

func TestSelectiveEnricherSkipsOtherTypes(t *testing.T) {
	e := NewSelectiveEnricher([]string{"bot-transcription"}, "s1", nil)

	in := Event{Type: "user-audio", Payload: map[string]any{DataKey: map[string]any{"x": 1}}}
	out := e.Enrich(in)
	data, _ := out.Data()
	if _, found := data[SessionIDField]; found {
		t.Fatalf("unselected type was enriched")
	}
}

func TestSelectiveEnricherSkipsPayloadWithoutData(t *testing.T) {
	e := NewSelectiveEnricher([]string{"bot-transcription"}, "s1", nil)

	in := Event{Type: "bot-transcription", Payload: map[string]any{"label": "rtvi-ai"}}
	out := e.Enrich(in)
	if !reflect.DeepEqual(out.Payload, in.Payload) {
		t.Fatalf("payload without data object must pass through unchanged")
	}

	notMap := Event{Type: "bot-transcription", Payload: map[string]any{DataKey: "scalar"}}
	if out := e.Enrich(notMap); !reflect.DeepEqual(out.Payload, notMap.Payload) {
		t.Fatalf("non-object data must pass through unchanged")
	}
}

func TestSelectiveEnricherIsIdempotent(t *testing.T) {
	e := NewSelectiveEnricher([]string{"bot-transcription"}, "s1", map[string]any{"a": 1})

	once := e.Enrich(transcriptionEvent())
	twice := e.Enrich(once)
	if !reflect.DeepEqual(once.Payload, twice.Payload) {
		t.Fatalf("double enrichment diverged:\nonce:  %v\ntwice: %v", once.Payload, twice.Payload)
	}
}

func TestSelectiveEnricherRuntimeUpdateWins(t *testing.T) {
	e := NewSelectiveEnricher([]string{"bot-transcription"}, "s1", nil)

	first := e.Enrich(transcriptionEvent())
	e.SetSessionID("s2")
	e.SetMetadata(map[string]any{"b": 2})

	second := e.Enrich(first)
	data, _ := second.Data()
	if data[SessionIDField] != "s2" {
		t.Fatalf("expected updated session id, got %v", data[SessionIDField])
	}
	md, _ := data[MetadataField].(map[string]any)
	if md["b"] != 2 {
		t.Fatalf("expected updated metadata, got %v", data[MetadataField])
	}
}

func TestGlobalEnricherOverridesPayloadFields(t *testing.T) {
	g := NewGlobalEnricher(map[string]any{"session_id": "s1", "x": 2})

	in := Event{Type: "anything", Payload: map[string]any{DataKey: map[string]any{"x": 1, "y": 3}}}
	out := g.Enrich(in)

	data, _ := out.Data()
	if data["x"] != 2 {
		t.Fatalf("injected field must win: x = %v", data["x"])
	}
	if data["session_id"] != "s1" || data["y"] != 3 {
		t.Fatalf("data = %v", data)
	}

	inData, _ := in.Data()
	if inData["x"] != 1 {
		t.Fatalf("input event was mutated")
	}
}

func TestGlobalEnricherAppliesToAllTypes(t *testing.T) {
	g := NewGlobalEnricher(map[string]any{"k": "v"})
	for _, typ := range []string{"a", "b", "c"} {
		out := g.Enrich(Event{Type: typ, Payload: map[string]any{DataKey: map[string]any{}}})
		data, _ := out.Data()
		if data["k"] != "v" {
			t.Fatalf("type %s not enriched", typ)
		}
	}
}

func TestGlobalEnricherRuntimeFieldSwap(t *testing.T) {
	g := NewGlobalEnricher(map[string]any{"k": "v1"})
	g.SetFields(map[string]any{"k": "v2"})

	out := g.Enrich(Event{Type: "t", Payload: map[string]any{DataKey: map[string]any{"k": "v1"}}})
	data, _ := out.Data()
	if data["k"] != "v2" {
		t.Fatalf("expected swapped field value, got %v", data["k"])
	}
}

func TestChainAppliesInOrder(t *testing.T) {
	sel := NewSelectiveEnricher([]string{"t"}, "s1", nil)
	glob := NewGlobalEnricher(map[string]any{SessionIDField: "override"})

	out := Chain{sel, glob}.Enrich(Event{Type: "t", Payload: map[string]any{DataKey: map[string]any{}}})
	data, _ := out.Data()
	if data[SessionIDField] != "override" {
		t.Fatalf("later enricher must win, got %v", data[SessionIDField])
	}
}

func TestCloneIsDeep(t *testing.T) {
	in := transcriptionEvent()
	cp := in.Clone()
	data, _ := cp.Data()
	data["text"] = "mutated"

	orig, _ := in.Data()
	if orig["text"] != "hi" {
		t.Fatalf("clone shares nested maps with original")
	}
}
