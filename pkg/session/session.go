package session

import (
	"context"
	"time"

	"github.com/voxwire/voxwire/pkg/convo"
	"github.com/voxwire/voxwire/pkg/enrich"
	"github.com/voxwire/voxwire/pkg/pipeline"
	"github.com/voxwire/voxwire/pkg/turnctl"
)

// Session binds one client connection to its conversation state, turn
// controller, enrichment path and frame pipeline. Everything hanging off a
// Session lives and dies with the connection.
type Session struct {
	ID       string
	StreamID string
	TraceID  string

	State      *convo.State
	Controller *turnctl.Controller
	Forwarder  *enrich.Forwarder
	Selective  *enrich.SelectiveEnricher
	Global     *enrich.GlobalEnricher
	Orch       pipeline.Orchestrator

	Ctx     context.Context
	Cancel  context.CancelFunc
	Created time.Time
}

// UpdateSessionID swaps the identifier injected into outbound events.
func (s *Session) UpdateSessionID(id string) {
	if s.Selective != nil {
		s.Selective.SetSessionID(id)
	}
}

// UpdateMetadata swaps the metadata object injected into outbound events.
func (s *Session) UpdateMetadata(md map[string]any) {
	if s.Selective != nil {
		s.Selective.SetMetadata(md)
	}
}

// UpdateInjectFields swaps the globally injected field set.
func (s *Session) UpdateInjectFields(fields map[string]any) {
	if s.Global != nil {
		s.Global.SetFields(fields)
	}
}

// Close tears the session down: the in-flight turn is interrupted, the
// event queue drains, then the pipeline stops.
func (s *Session) Close() {
	if s.Controller != nil {
		s.Controller.Interrupt("session_closed")
		s.Controller.Wait()
	}
	if s.Forwarder != nil {
		s.Forwarder.Close()
	}
	if s.Cancel != nil {
		s.Cancel()
	}
	if s.Orch != nil {
		_ = s.Orch.Stop()
	}
}
