package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/errorsx"
	"github.com/voxwire/voxwire/pkg/frames"
	"github.com/voxwire/voxwire/pkg/logging"
	"github.com/voxwire/voxwire/pkg/metrics"
	"github.com/voxwire/voxwire/pkg/pipeline"
	"github.com/voxwire/voxwire/pkg/turnctl"
)

// TurnProcessor routes final transcripts into the session's turn
// controller and turns user speech during playback into an interruption.
// Response fragments re-enter the pipeline tagged frames.SourceResponder
// and pass through this stage untouched.
type TurnProcessor struct {
	mu         sync.Mutex
	controller *turnctl.Controller
	ctx        context.Context
	obs        metrics.Observer
	logger     *slog.Logger
	bargeIn    bool
}

func NewTurnProcessor(controller *turnctl.Controller) *TurnProcessor {
	return &TurnProcessor{
		controller: controller,
		logger:     logging.NewComponentLogger(slog.Default(), "turn_processor"),
	}
}

func (p *TurnProcessor) Name() string { return "turn_processor" }

func (p *TurnProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *TurnProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

// SetBargeIn toggles interruption on interim user speech.
func (p *TurnProcessor) SetBargeIn(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bargeIn = enabled
}

func (p *TurnProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlCancel, frames.ControlStartInterruption:
			if p.controller.Interrupt("barge_in") {
				p.logger.Info("turn interrupted",
					slog.String("stream_id", cf.Meta()[frames.MetaStreamID]),
					slog.String("code", string(cf.Code())))
			}
		case frames.ControlEndCall:
			p.controller.Interrupt("session_closed")
		}
		return []frames.Frame{f}, nil

	case frames.KindText:
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		if meta[frames.MetaSource] != frames.SourceTranscript {
			return []frames.Frame{f}, nil
		}
		streamID := meta[frames.MetaStreamID]

		if meta[frames.MetaIsFinal] != "true" {
			return p.onInterim(streamID, tf), nil
		}
		return p.onFinal(streamID, tf), nil

	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == frames.SystemSessionEnd {
			p.controller.Interrupt("session_closed")
		}
		return []frames.Frame{f}, nil

	default:
		return []frames.Frame{f}, nil
	}
}

// onInterim fires barge-in when the user starts talking over a streaming
// response. The interim text itself is consumed.
func (p *TurnProcessor) onInterim(streamID string, tf frames.TextFrame) []frames.Frame {
	p.mu.Lock()
	bargeIn := p.bargeIn
	p.mu.Unlock()
	if !bargeIn || strings.TrimSpace(tf.Text()) == "" {
		return nil
	}
	if !p.controller.Interrupt("barge_in") {
		return nil
	}
	p.logger.Info("barge_in_detected", slog.String("stream_id", streamID))
	meta := map[string]string{frames.MetaReason: "barge_in"}
	return []frames.Frame{
		frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlStartInterruption, meta),
	}
}

// onFinal submits the utterance as a new turn. An utterance landing while
// a turn is still in flight is dropped; barge-in on interim speech is the
// supported way to take the floor back.
func (p *TurnProcessor) onFinal(streamID string, tf frames.TextFrame) []frames.Frame {
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	err := p.controller.Submit(ctx, tf.Text())
	if err == nil {
		return nil
	}
	if errorsx.HasReason(err, errorsx.ReasonTurnBusy) {
		p.logger.Info("utterance_dropped",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.ReasonTurnBusy)))
		p.record("utterance_dropped", streamID)
		return nil
	}
	p.logger.Warn("turn_submit_failed",
		slog.String("stream_id", streamID),
		slog.String("error", err.Error()))
	return nil
}

func (p *TurnProcessor) record(name, streamID string) {
	if p.obs == nil {
		return
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{frames.MetaStreamID: streamID, "component": "turn"},
	})
}

var _ pipeline.FrameProcessor = (*TurnProcessor)(nil)
