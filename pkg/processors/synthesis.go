package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/adapters/tts"
	"github.com/voxwire/voxwire/pkg/errorsx"
	"github.com/voxwire/voxwire/pkg/frames"
	"github.com/voxwire/voxwire/pkg/logging"
	"github.com/voxwire/voxwire/pkg/metrics"
	"github.com/voxwire/voxwire/pkg/pipeline"
	"github.com/voxwire/voxwire/pkg/redact"
	"github.com/voxwire/voxwire/pkg/resilience"
)

// SynthesisProcessor speaks response fragments through a streaming TTS
// vendor. Turn boundaries drive flushing: a completed turn flushes the
// synthesis buffer, a cancelled turn discards it mid-word.
type SynthesisProcessor struct {
	mu       sync.Mutex
	sessions map[string]tts.StreamingTTS
	factory  func(sessionID, streamID string) tts.StreamingTTS
	ctx      context.Context
	obs      metrics.Observer
	first    map[string]bool
	trace    map[string]string

	outputFormat string

	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryPolicy
	open     bool
	provider string

	logger *slog.Logger
}

type flushSender interface {
	SendTextWithOptions(text string, flush bool) error
}

func NewSynthesisProcessor(factory func(sessionID, streamID string) tts.StreamingTTS) *SynthesisProcessor {
	return &SynthesisProcessor{
		sessions:     make(map[string]tts.StreamingTTS),
		factory:      factory,
		first:        make(map[string]bool),
		trace:        make(map[string]string),
		outputFormat: "ulaw_8000",
		breaker:      resilience.NewCircuitBreaker(3, 30*time.Second),
		retry:        resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger:       logging.NewComponentLogger(slog.Default(), "synthesis_processor"),
	}
}

func (p *SynthesisProcessor) Name() string { return "synthesis_processor" }

func (p *SynthesisProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *SynthesisProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

// SetOutputFormat configures the output format for logging/metrics.
func (p *SynthesisProcessor) SetOutputFormat(format string) {
	p.outputFormat = format
}

func (p *SynthesisProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "synthesis_processor")
	}
}

func (p *SynthesisProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	streamID := f.Meta()[frames.MetaStreamID]
	var out []frames.Frame

	drain := func() {
		res := p.drainAll(streamID)
		if len(res) > 0 {
			p.recordFirst(streamID)
			out = append(out, res...)
		}
	}

	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		switch sf.Name() {
		case frames.SystemSessionEnd:
			if streamID != "" {
				p.CloseStream(streamID)
			}
		case frames.SystemTurnEnd:
			// Push out whatever the vendor still buffers for this turn.
			p.withSession(streamID, func(s tts.StreamingTTS) {
				if sender, ok := s.(flushSender); ok {
					_ = sender.SendTextWithOptions("", true)
				} else {
					s.Flush()
				}
			})
			drain()
		case frames.SystemTurnCancelled:
			p.withSession(streamID, func(s tts.StreamingTTS) {
				s.Flush()
			})
			p.logger.Info("synthesis interrupted", slog.String("stream_id", streamID))
		}
		out = append(out, f)
		return out, nil

	case frames.KindControl:
		drain()
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlStartInterruption, frames.ControlFlush:
			p.withSession(streamID, func(s tts.StreamingTTS) {
				s.Flush()
			})
		case frames.ControlCancel, frames.ControlFallback:
			p.CloseStream(streamID)
		case frames.ControlAudioReady:
			drain()
		}
		out = append(out, f)
		return out, nil

	case frames.KindText:
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		if meta[frames.MetaSource] != frames.SourceResponder {
			// Transcript text is not ours to speak.
			out = append(out, f)
			return out, nil
		}
		sessionID := meta[frames.MetaSessionID]
		if traceID := meta[frames.MetaTraceID]; traceID != "" {
			p.setTrace(streamID, traceID)
		}
		if strings.TrimSpace(tf.Text()) == "" {
			out = append(out, f)
			return out, nil
		}

		if !p.breaker.Allow() {
			p.recordBreaker(metrics.EventBreakerDenied, streamID)
			p.setBreakerOpen(true, streamID)
			p.logger.Warn("synthesis circuit breaker open",
				slog.String("stream_id", streamID),
				slog.String("reason_code", string(errorsx.ReasonTTSCircuitOpen)))
			drain()
			out = append(out, f)
			out = append(out, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta))
			return out, nil
		}
		p.setBreakerOpen(false, streamID)

		ttsSession, err := p.getOrCreate(streamID, sessionID)
		if err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonTTSConnect)
			p.logger.Error("synthesis connection failed",
				slog.String("stream_id", streamID),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			p.recordRateLimit(err, streamID)
			p.breaker.OnError(err)
			drain()
			out = append(out, f)
			out = append(out, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta))
			return out, nil
		}

		safeText := redact.Text(tf.Text())
		p.logger.Debug("synthesis request",
			slog.String("stream_id", streamID),
			slog.String("text", clipText(safeText)),
			slog.String("output_format", p.outputFormat))

		if err := ttsSession.SendText(tf.Text()); err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonTTSSend)
			p.logger.Error("synthesis send failed",
				slog.String("stream_id", streamID),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			retryErr := p.retry.Do(func() error {
				p.CloseStream(streamID)
				ttsSession, err = p.getOrCreate(streamID, sessionID)
				if err != nil {
					return err
				}
				return ttsSession.SendText(tf.Text())
			})
			if retryErr != nil {
				retryErr = errorsx.Wrap(retryErr, errorsx.ReasonTTSRetry)
				p.logger.Error("synthesis send failed after retry",
					slog.String("stream_id", streamID),
					slog.String("reason_code", string(errorsx.Reason(retryErr))),
					slog.String("error", retryErr.Error()))
				p.recordRateLimit(retryErr, streamID)
				p.breaker.OnError(retryErr)
				drain()
				out = append(out, f)
				out = append(out, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta))
				return out, nil
			}
		}
		p.breaker.OnSuccess()
		p.record(metrics.EventSynthesisChunk, streamID)
		drain()
		out = append(out, f)
		return out, nil

	default:
		drain()
		out = append(out, f)
		return out, nil
	}
}

func (p *SynthesisProcessor) getOrCreate(streamID, sessionID string) (tts.StreamingTTS, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ttsSession, ok := p.sessions[streamID]; ok {
		return ttsSession, nil
	}
	ttsSession := p.factory(sessionID, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := ttsSession.Start(p.ctx); err != nil {
		return nil, err
	}
	p.sessions[streamID] = ttsSession
	if p.provider == "" {
		p.provider = ttsSession.Name()
	}
	return ttsSession, nil
}

func (p *SynthesisProcessor) CloseStream(streamID string) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ttsSession, ok := p.sessions[streamID]; ok {
		_ = ttsSession.Close()
		delete(p.sessions, streamID)
	}
	delete(p.first, streamID)
	delete(p.trace, streamID)
}

func (p *SynthesisProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ttsSession := range p.sessions {
		_ = ttsSession.Close()
		delete(p.sessions, id)
	}
	p.first = make(map[string]bool)
	p.trace = make(map[string]string)
}

func (p *SynthesisProcessor) withSession(streamID string, fn func(tts.StreamingTTS)) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	sess, ok := p.sessions[streamID]
	p.mu.Unlock()
	if ok {
		fn(sess)
	}
}

func (p *SynthesisProcessor) drainAll(streamID string) []frames.Frame {
	var out []frames.Frame
	p.withSession(streamID, func(sess tts.StreamingTTS) {
		for {
			select {
			case f, ok := <-sess.Results():
				if !ok {
					return
				}
				out = append(out, f)
			default:
				return
			}
		}
	})
	return out
}

var _ pipeline.FrameProcessor = (*SynthesisProcessor)(nil)

func (p *SynthesisProcessor) recordFirst(streamID string) {
	if p.obs == nil {
		return
	}
	p.mu.Lock()
	if p.first[streamID] {
		p.mu.Unlock()
		return
	}
	p.first[streamID] = true
	p.mu.Unlock()
	p.record("tts_first_audio", streamID)
}

func (p *SynthesisProcessor) setTrace(streamID, traceID string) {
	if traceID == "" {
		return
	}
	p.mu.Lock()
	p.trace[streamID] = traceID
	p.mu.Unlock()
}

func (p *SynthesisProcessor) getTrace(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trace[streamID]
}

func (p *SynthesisProcessor) baseTags(streamID string) map[string]string {
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "synthesis"}
	if traceID := p.getTrace(streamID); traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	return tags
}

func (p *SynthesisProcessor) record(name, streamID string) {
	if p.obs == nil {
		return
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: p.baseTags(streamID),
	})
}

func (p *SynthesisProcessor) recordBreaker(name, streamID string) {
	p.record(name, streamID)
}

func (p *SynthesisProcessor) recordRateLimit(err error, streamID string) {
	if err == nil {
		return
	}
	if resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, streamID)
	}
}

func (p *SynthesisProcessor) setBreakerOpen(open bool, streamID string) {
	if p.open == open {
		return
	}
	p.open = open
	if open {
		p.record(metrics.EventBreakerOpen, streamID)
		return
	}
	p.record(metrics.EventBreakerClose, streamID)
}
