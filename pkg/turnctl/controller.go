package turnctl

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/pkg/convo"
	"github.com/voxwire/voxwire/pkg/errorsx"
	"github.com/voxwire/voxwire/pkg/frames"
	"github.com/voxwire/voxwire/pkg/metrics"
	"github.com/voxwire/voxwire/pkg/responder"
)

// Controller drives the response half of a relay session. It accepts one
// utterance at a time, streams the generated reply as ordered fragments
// through its Emitter, and commits the full reply to the conversation only
// when the stream completes. A turn interrupted mid-stream emits its
// boundary and leaves no assistant entry behind.
type Controller struct {
	streamID string
	state    *convo.State
	gen      responder.Generator
	emitter  Emitter
	sm       *stateMachine
	obs      metrics.Observer
	log      *slog.Logger
	pts      *frames.PTSGen

	mu           sync.Mutex
	cancel       context.CancelFunc
	cancelReason string
	wg           sync.WaitGroup
}

type Options struct {
	Observer metrics.Observer
	Logger   *slog.Logger
	PTS      *frames.PTSGen
}

func NewController(streamID string, state *convo.State, gen responder.Generator, emitter Emitter, opts Options) *Controller {
	obs := opts.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	pts := opts.PTS
	if pts == nil {
		pts = frames.NewPTSGen()
	}
	return &Controller{
		streamID: streamID,
		state:    state,
		gen:      gen,
		emitter:  emitter,
		sm:       newStateMachine(),
		obs:      obs,
		log:      log,
		pts:      pts,
	}
}

func (c *Controller) State() State { return c.sm.State() }

func (c *Controller) AddListener(l StateListener) { c.sm.AddListener(l) }

// Submit accepts a final user utterance and starts a turn. It returns
// immediately; fragments flow through the Emitter from a turn goroutine.
// Empty utterances are ignored. While a turn is in flight further
// utterances are rejected.
func (c *Controller) Submit(ctx context.Context, userText string) error {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil
	}
	c.mu.Lock()
	if st := c.sm.State(); st != StateIdle {
		c.mu.Unlock()
		c.record(metrics.EventTurnRejected, "", map[string]any{"state": st.String()})
		return errorsx.Wrap(errors.New("turn already in flight"), errorsx.ReasonTurnBusy)
	}
	if err := c.sm.Transition(StatePending, "utterance accepted"); err != nil {
		c.mu.Unlock()
		return errorsx.Wrap(err, errorsx.ReasonTurnTransition)
	}
	turnID := uuid.NewString()
	turnCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.cancelReason = ""
	c.mu.Unlock()

	c.state.Append(convo.RoleUser, userText)
	c.record(metrics.EventTurnAccepted, turnID, nil)
	c.log.Debug("turn_accepted", "stream_id", c.streamID, "turn_id", turnID)

	c.wg.Add(1)
	go c.run(turnCtx, turnID)
	return nil
}

// Interrupt cancels the in-flight turn, if any. It reports whether a turn
// was actually interrupted; a call with no turn in flight is a no-op.
func (c *Controller) Interrupt(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.sm.State()
	if st != StatePending && st != StateStreaming {
		return false
	}
	if reason == "" {
		reason = "interrupted"
	}
	c.cancelReason = reason
	if c.cancel != nil {
		c.cancel()
	}
	return true
}

// Wait blocks until the in-flight turn goroutine, if any, has finished.
func (c *Controller) Wait() { c.wg.Wait() }

func (c *Controller) run(ctx context.Context, turnID string) {
	defer c.wg.Done()
	defer c.clearCancel()

	ch, err := c.gen.Generate(ctx, c.state.Messages())
	if err != nil {
		c.finishCancelled(turnID, c.takenReasonOr(string(errorsx.Reason(err))), err)
		return
	}

	if err := c.sm.Transition(StateStreaming, "generator started"); err != nil {
		c.finishCancelled(turnID, "transition_failed", err)
		return
	}
	if err := c.emitter.Emit(NewTurnStartFrame(c.streamID, c.pts.Next(c.streamID), turnID)); err != nil {
		c.finishCancelled(turnID, "emit_failed", err)
		return
	}

	seq := 0
	var parts []string
	for {
		if ctx.Err() != nil {
			c.finishCancelled(turnID, c.takenReasonOr("cancelled"), ctx.Err())
			return
		}
		select {
		case <-ctx.Done():
			c.finishCancelled(turnID, c.takenReasonOr("cancelled"), ctx.Err())
			return
		case frag, ok := <-ch:
			if !ok {
				c.commit(turnID, seq, strings.Join(parts, ""))
				return
			}
			f := NewFragmentFrame(c.streamID, c.pts.Next(c.streamID), turnID, seq, frag)
			if err := c.emitter.Emit(f); err != nil {
				c.finishCancelled(turnID, "emit_failed", err)
				return
			}
			parts = append(parts, frag)
			seq++
			c.record(metrics.EventFragment, turnID, map[string]any{"seq": seq - 1})
		}
	}
}

func (c *Controller) commit(turnID string, fragments int, full string) {
	if err := c.sm.Transition(StateCommitting, "stream complete"); err != nil {
		c.finishCancelled(turnID, "transition_failed", err)
		return
	}
	if full != "" {
		c.state.Append(convo.RoleAssistant, full)
	}
	if err := c.emitter.Emit(NewTurnEndFrame(c.streamID, c.pts.Next(c.streamID), turnID)); err != nil {
		c.log.Warn("turn_end_emit_failed", "stream_id", c.streamID, "turn_id", turnID, "error", err)
	}
	_ = c.sm.Transition(StateIdle, "committed")
	c.record(metrics.EventTurnCommit, turnID, map[string]any{"fragments": fragments, "chars": len(full)})
	c.log.Debug("turn_committed", "stream_id", c.streamID, "turn_id", turnID, "fragments", fragments)
}

// finishCancelled closes out a turn that will not commit. The cancelled
// boundary is emitted unconditionally so downstream stages always see a
// terminal frame for a started turn.
func (c *Controller) finishCancelled(turnID, reason string, cause error) {
	_ = c.sm.Transition(StateCancelled, reason)
	f := NewTurnCancelledFrame(c.streamID, c.pts.Next(c.streamID), turnID, reason)
	if err := c.emitter.Emit(f); err != nil {
		c.log.Warn("turn_cancelled_emit_failed", "stream_id", c.streamID, "turn_id", turnID, "error", err)
	}
	_ = c.sm.Transition(StateIdle, "cancel complete")

	if cause != nil && !errors.Is(cause, context.Canceled) {
		c.record(metrics.EventTurnError, turnID, map[string]any{"reason": reason, "error": cause.Error()})
		c.log.Warn("turn_failed", "stream_id", c.streamID, "turn_id", turnID, "reason", reason, "error", cause)
		return
	}
	c.record(metrics.EventTurnCancelled, turnID, map[string]any{"reason": reason})
	c.log.Debug("turn_cancelled", "stream_id", c.streamID, "turn_id", turnID, "reason", reason)
}

func (c *Controller) clearCancel() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
}

func (c *Controller) takenReasonOr(fallback string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelReason != "" {
		return c.cancelReason
	}
	return fallback
}

func (c *Controller) record(name, turnID string, fields map[string]any) {
	ev := metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   map[string]string{"stream_id": c.streamID, "component": "turnctl"},
		Fields: fields,
	}
	if turnID != "" {
		ev.Tags["turn_id"] = turnID
	}
	c.obs.RecordEvent(ev)
}
