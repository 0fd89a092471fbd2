package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/voxwire/voxwire/pkg/convo"
	"github.com/voxwire/voxwire/pkg/enrich"
)

func testFactory(created *atomic.Int64) Factory {
	return func(ctx context.Context, id, streamID, traceID string) (*Session, error) {
		if created != nil {
			created.Add(1)
		}
		return &Session{
			ID:       id,
			StreamID: streamID,
			TraceID:  traceID,
			State:    convo.NewState(""),
		}, nil
	}
}

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	var created atomic.Int64
	r := NewRegistry(testFactory(&created))

	s1, isNew, err := r.GetOrCreate("c1", "st1", "tr1")
	if err != nil || !isNew {
		t.Fatalf("first create: new=%v err=%v", isNew, err)
	}
	s2, isNew, err := r.GetOrCreate("c1", "st1", "tr1")
	if err != nil || isNew {
		t.Fatalf("second create: new=%v err=%v", isNew, err)
	}
	if s1 != s2 {
		t.Fatalf("expected same session instance")
	}
	if created.Load() != 1 {
		t.Fatalf("factory ran %d times", created.Load())
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d", r.Count())
	}
}

func TestRegistryIgnoresEmptyID(t *testing.T) {
	r := NewRegistry(testFactory(nil))
	s, isNew, err := r.GetOrCreate("", "st", "tr")
	if s != nil || isNew || err != nil {
		t.Fatalf("expected nil session for empty id")
	}
}

func TestRegistryFactoryError(t *testing.T) {
	r := NewRegistry(func(ctx context.Context, id, streamID, traceID string) (*Session, error) {
		return nil, errors.New("boom")
	})
	if _, _, err := r.GetOrCreate("c1", "st", "tr"); err == nil {
		t.Fatalf("expected factory error to surface")
	}
	if r.Count() != 0 {
		t.Fatalf("failed create must not be counted")
	}
}

func TestRegistryRemoveClosesSession(t *testing.T) {
	r := NewRegistry(testFactory(nil))
	s, _, err := r.GetOrCreate("c1", "st", "tr")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Forwarder = enrich.NewForwarder(nil, nil, enrich.ForwarderOptions{})

	r.Remove("c1")
	if r.Count() != 0 {
		t.Fatalf("count after remove = %d", r.Count())
	}
	if _, ok := r.Get("c1"); ok {
		t.Fatalf("session still present after remove")
	}
	select {
	case <-s.Ctx.Done():
	default:
		t.Fatalf("session context not cancelled on remove")
	}
}

func TestRegistryCloseAllAndWaitForEmpty(t *testing.T) {
	r := NewRegistry(testFactory(nil))
	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := r.GetOrCreate(id, "st", "tr"); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	r.SetDraining(true)
	if !r.Draining() {
		t.Fatalf("draining flag lost")
	}
	r.CloseAll()
	if !r.WaitForEmpty(context.Background(), 0) {
		t.Fatalf("expected empty registry")
	}
}

func TestSessionRuntimeUpdates(t *testing.T) {
	sel := enrich.NewSelectiveEnricher([]string{"t"}, "s1", nil)
	glob := enrich.NewGlobalEnricher(nil)
	s := &Session{Selective: sel, Global: glob}

	s.UpdateSessionID("s2")
	s.UpdateMetadata(map[string]any{"k": "v"})
	s.UpdateInjectFields(map[string]any{"x": 1})

	out := sel.Enrich(enrich.Event{Type: "t", Payload: map[string]any{enrich.DataKey: map[string]any{}}})
	data, _ := out.Data()
	if data[enrich.SessionIDField] != "s2" {
		t.Fatalf("session id not updated: %v", data)
	}
	out = glob.Enrich(out)
	data, _ = out.Data()
	if data["x"] != 1 {
		t.Fatalf("inject fields not updated: %v", data)
	}
}
