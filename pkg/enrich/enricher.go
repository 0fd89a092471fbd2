package enrich

import "sync"

// Enricher is a pure transform over outbound events. Implementations never
// mutate the input event and are idempotent: enriching an already enriched
// event yields the same result, with the enricher's current values winning
// over whatever the payload carried.
type Enricher interface {
	Enrich(ev Event) Event
}

// SelectiveEnricher injects the session identifier and a metadata object
// into the data sub-object of events whose type is in its configured set.
// Events of other types, and events without a data object, pass through
// untouched.
type SelectiveEnricher struct {
	mu        sync.RWMutex
	types     map[string]struct{}
	sessionID string
	metadata  map[string]any
}

func NewSelectiveEnricher(types []string, sessionID string, metadata map[string]any) *SelectiveEnricher {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return &SelectiveEnricher{
		types:     set,
		sessionID: sessionID,
		metadata:  deepCopyMap(metadata),
	}
}

// SetSessionID swaps the injected session identifier for future events.
func (s *SelectiveEnricher) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
}

// SetMetadata swaps the injected metadata object for future events.
func (s *SelectiveEnricher) SetMetadata(md map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = deepCopyMap(md)
}

func (s *SelectiveEnricher) Enrich(ev Event) Event {
	s.mu.RLock()
	sessionID := s.sessionID
	metadata := deepCopyMap(s.metadata)
	_, selected := s.types[ev.Type]
	s.mu.RUnlock()

	if !selected {
		return ev
	}
	if _, ok := ev.Data(); !ok {
		return ev
	}

	out := ev.Clone()
	data, _ := out.Data()
	if sessionID != "" {
		data[SessionIDField] = sessionID
	}
	if metadata != nil {
		data[MetadataField] = metadata
	}
	return out
}

const (
	SessionIDField = "session_id"
	MetadataField  = "metadata"
)

// GlobalEnricher merges a configurable field set into the data sub-object
// of every event that has one. Injected fields overwrite payload fields of
// the same name.
type GlobalEnricher struct {
	mu     sync.RWMutex
	fields map[string]any
}

func NewGlobalEnricher(fields map[string]any) *GlobalEnricher {
	return &GlobalEnricher{fields: deepCopyMap(fields)}
}

// SetFields swaps the injected field set for future events.
func (g *GlobalEnricher) SetFields(fields map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fields = deepCopyMap(fields)
}

func (g *GlobalEnricher) Enrich(ev Event) Event {
	g.mu.RLock()
	fields := deepCopyMap(g.fields)
	g.mu.RUnlock()

	if len(fields) == 0 {
		return ev
	}
	if _, ok := ev.Data(); !ok {
		return ev
	}

	out := ev.Clone()
	data, _ := out.Data()
	for k, v := range fields {
		data[k] = v
	}
	return out
}

// Chain applies enrichers in order.
type Chain []Enricher

func (c Chain) Enrich(ev Event) Event {
	for _, e := range c {
		ev = e.Enrich(ev)
	}
	return ev
}

var (
	_ Enricher = (*SelectiveEnricher)(nil)
	_ Enricher = (*GlobalEnricher)(nil)
	_ Enricher = (Chain)(nil)
)
