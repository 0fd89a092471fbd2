package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/adapters/stt"
	"github.com/voxwire/voxwire/pkg/errorsx"
	"github.com/voxwire/voxwire/pkg/frames"
	"github.com/voxwire/voxwire/pkg/metrics"
	"github.com/voxwire/voxwire/pkg/pipeline"
	"github.com/voxwire/voxwire/pkg/redact"
	"github.com/voxwire/voxwire/pkg/resilience"
)

// TranscriptProcessor feeds inbound audio to a streaming STT vendor and
// emits the resulting utterances as text frames tagged with
// frames.SourceTranscript. Final utterances drive the turn stage; interim
// results are forwarded only when enabled, for barge-in detection.
type TranscriptProcessor struct {
	mu             sync.Mutex
	sessions       map[string]stt.StreamingSTT
	factory        func(sessionID, streamID string) stt.StreamingSTT
	replayCfg      ReplayConfig
	replay         map[string]*audioReplayBuffer
	ctx            context.Context
	obs            metrics.Observer
	trace          map[string]string
	sessionStream  map[string]string
	streamSession  map[string]string
	retry          resilience.RetryPolicy
	breaker        *resilience.CircuitBreaker
	interimLogged  map[string]bool
	forwardInterim bool
	provider       string
	breakerOpen    bool
}

type ReplayConfig struct {
	MaxChunks int
}

type audioChunk struct {
	data     []byte
	rate     int
	channels int
}

type audioReplayBuffer struct {
	maxChunks int
	chunks    []audioChunk
}

func newAudioReplayBuffer(maxChunks int) *audioReplayBuffer {
	if maxChunks <= 0 {
		maxChunks = 0
	}
	return &audioReplayBuffer{maxChunks: maxChunks}
}

func (b *audioReplayBuffer) Add(chunk audioChunk) {
	if b == nil || b.maxChunks <= 0 {
		return
	}
	b.chunks = append(b.chunks, chunk)
	if len(b.chunks) > b.maxChunks {
		b.chunks = b.chunks[len(b.chunks)-b.maxChunks:]
	}
}

func (b *audioReplayBuffer) Snapshot() []audioChunk {
	if b == nil || len(b.chunks) == 0 {
		return nil
	}
	out := make([]audioChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

func NewTranscriptProcessor(factory func(sessionID, streamID string) stt.StreamingSTT) *TranscriptProcessor {
	return &TranscriptProcessor{
		sessions:      make(map[string]stt.StreamingSTT),
		factory:       factory,
		replayCfg:     ReplayConfig{MaxChunks: 50},
		replay:        make(map[string]*audioReplayBuffer),
		trace:         make(map[string]string),
		sessionStream: make(map[string]string),
		streamSession: make(map[string]string),
		retry:         resilience.NewRetryPolicy(2, 200*time.Millisecond),
		breaker:       resilience.NewCircuitBreaker(3, 30*time.Second),
		interimLogged: make(map[string]bool),
	}
}

// SetReplayBuffer configures how many recent audio chunks to replay on reconnect.
func (p *TranscriptProcessor) SetReplayBuffer(cfg ReplayConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.MaxChunks < 0 {
		cfg.MaxChunks = 0
	}
	p.replayCfg = cfg
	if cfg.MaxChunks == 0 {
		p.replay = make(map[string]*audioReplayBuffer)
	}
}

// SetForwardInterim toggles emitting interim text frames downstream.
func (p *TranscriptProcessor) SetForwardInterim(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwardInterim = enabled
}

func (p *TranscriptProcessor) Name() string { return "transcript_processor" }

func (p *TranscriptProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *TranscriptProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *TranscriptProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		meta := sf.Meta()
		streamID := meta[frames.MetaStreamID]
		if sf.Name() == frames.SystemSessionEnd {
			if streamID == "" {
				streamID = p.streamForSession(meta[frames.MetaSessionID])
			}
			if streamID != "" {
				p.CloseStream(streamID)
			}
		}
		return []frames.Frame{f}, nil
	}
	if f.Kind() != frames.KindAudio {
		return []frames.Frame{f}, nil
	}
	af := f.(frames.AudioFrame)
	meta := af.Meta()
	streamID := meta[frames.MetaStreamID]
	sessionID := meta[frames.MetaSessionID]
	p.trackSessionStream(sessionID, streamID)
	p.addReplay(streamID, af)
	if v := meta[frames.MetaTraceID]; v != "" {
		p.setTrace(streamID, v)
	}

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, streamID)
		p.setBreakerOpen(true, streamID)
		slog.Info("stt_circuit_open", "stream_id", streamID, "reason_code", string(errorsx.ReasonSTTCircuitOpen))
		frames.ReleaseAudioFrame(f)
		return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	p.setBreakerOpen(false, streamID)

	sttSession, err := p.getOrCreate(streamID, sessionID)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		slog.Info("stt_session_error", "stream_id", streamID, "session_id", sessionID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		p.recordRateLimit(err, streamID)
		p.breaker.OnError(err)
		frames.ReleaseAudioFrame(f)
		return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	p.setProviderFromSession(sttSession)
	p.record("stt_audio_in", streamID)
	if err := sttSession.SendAudio(af); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTSend)
		slog.Info("stt_send_error", "stream_id", streamID, "session_id", sessionID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		replayed := false
		retryErr := p.retry.Do(func() error {
			p.CloseStream(streamID)
			sttSession, err = p.getOrCreate(streamID, sessionID)
			if err != nil {
				return err
			}
			if !replayed {
				p.replayToSession(streamID, sttSession)
				replayed = true
			}
			return sttSession.SendAudio(af)
		})
		if retryErr != nil {
			retryErr = errorsx.Wrap(retryErr, errorsx.ReasonSTTRetry)
			slog.Info("stt_retry_error", "stream_id", streamID, "session_id", sessionID, "reason_code", string(errorsx.Reason(retryErr)), "error", retryErr.Error())
			p.recordRateLimit(retryErr, streamID)
			p.breaker.OnError(retryErr)
			frames.ReleaseAudioFrame(f)
			return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
		}
	}
	p.breaker.OnSuccess()
	frames.ReleaseAudioFrame(f)

	// Heartbeat keeps the pipeline clock moving even in silence.
	heartbeat := frames.NewSystemFrame(streamID, af.PTS(), "heartbeat", nil)
	out := []frames.Frame{heartbeat}
	out = append(out, p.drainResults(sttSession.Results(), streamID)...)
	return out, nil
}

func (p *TranscriptProcessor) getOrCreate(streamID, sessionID string) (stt.StreamingSTT, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sttSession, ok := p.sessions[streamID]; ok {
		return sttSession, nil
	}
	sttSession := p.factory(sessionID, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := sttSession.Start(p.ctx); err != nil {
		return nil, err
	}
	p.sessions[streamID] = sttSession
	return sttSession, nil
}

func (p *TranscriptProcessor) CloseStream(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sttSession, ok := p.sessions[streamID]; ok {
		_ = sttSession.Close()
		delete(p.sessions, streamID)
	}
	if sessionID := p.streamSession[streamID]; sessionID != "" {
		if p.sessionStream[sessionID] == streamID {
			delete(p.sessionStream, sessionID)
		}
		delete(p.streamSession, streamID)
	}
	delete(p.trace, streamID)
	delete(p.replay, streamID)
	delete(p.interimLogged, streamID)
}

func (p *TranscriptProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sttSession := range p.sessions {
		_ = sttSession.Close()
		delete(p.sessions, id)
	}
	p.trace = make(map[string]string)
	p.sessionStream = make(map[string]string)
	p.streamSession = make(map[string]string)
	p.replay = make(map[string]*audioReplayBuffer)
}

func (p *TranscriptProcessor) drainResults(ch <-chan frames.Frame, streamID string) []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			if f.Kind() != frames.KindText {
				out = append(out, f)
				continue
			}
			tf := f.(frames.TextFrame)
			meta := tf.Meta()
			meta[frames.MetaSource] = frames.SourceTranscript
			if traceID := p.getTrace(streamID); traceID != "" && meta[frames.MetaTraceID] == "" {
				meta[frames.MetaTraceID] = traceID
			}
			tagged := frames.NewTextFrame(streamID, tf.PTS(), tf.Text(), meta)
			if meta[frames.MetaIsFinal] != "true" {
				p.logInterim(streamID, tf.Text())
				p.mu.Lock()
				forward := p.forwardInterim
				p.mu.Unlock()
				if forward {
					out = append(out, tagged)
				}
				continue
			}
			p.logFinal(streamID, tf.Text())
			out = append(out, tagged)
		default:
			return out
		}
	}
}

var _ pipeline.FrameProcessor = (*TranscriptProcessor)(nil)

func (p *TranscriptProcessor) record(name, streamID string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "transcript"}
	if traceID := p.getTrace(streamID); traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: tags,
	})
}

func (p *TranscriptProcessor) trackSessionStream(sessionID, streamID string) {
	if sessionID == "" || streamID == "" {
		return
	}
	p.mu.Lock()
	prev := p.sessionStream[sessionID]
	if prev != "" && prev != streamID {
		p.mu.Unlock()
		p.CloseStream(prev)
		p.mu.Lock()
	}
	p.sessionStream[sessionID] = streamID
	p.streamSession[streamID] = sessionID
	p.mu.Unlock()
}

func (p *TranscriptProcessor) streamForSession(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionStream[sessionID]
}

func (p *TranscriptProcessor) addReplay(streamID string, af frames.AudioFrame) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	cfg := p.replayCfg
	buf := p.replay[streamID]
	if cfg.MaxChunks <= 0 {
		p.mu.Unlock()
		return
	}
	if buf == nil {
		buf = newAudioReplayBuffer(cfg.MaxChunks)
		p.replay[streamID] = buf
	}
	p.mu.Unlock()

	chunk := audioChunk{
		data:     append([]byte(nil), af.RawPayload()...),
		rate:     af.Rate(),
		channels: af.Channels(),
	}
	p.mu.Lock()
	buf.Add(chunk)
	p.mu.Unlock()
}

func (p *TranscriptProcessor) replayToSession(streamID string, sess stt.StreamingSTT) {
	if sess == nil || streamID == "" {
		return
	}
	p.mu.Lock()
	buf := p.replay[streamID]
	p.mu.Unlock()
	if buf == nil {
		return
	}
	for _, chunk := range buf.Snapshot() {
		if len(chunk.data) == 0 {
			continue
		}
		af := frames.NewAudioFrame(streamID, time.Now().UnixNano(), chunk.data, chunk.rate, chunk.channels, nil)
		_ = sess.SendAudio(af)
	}
}

func (p *TranscriptProcessor) recordRateLimit(err error, streamID string) {
	if err == nil {
		return
	}
	if resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, streamID)
	}
}

func (p *TranscriptProcessor) setProviderFromSession(sess stt.StreamingSTT) {
	if sess == nil || p.provider != "" {
		return
	}
	p.provider = sess.Name()
}

func (p *TranscriptProcessor) setBreakerOpen(open bool, streamID string) {
	if p.breakerOpen == open {
		return
	}
	p.breakerOpen = open
	if open {
		p.record(metrics.EventBreakerOpen, streamID)
		return
	}
	p.record(metrics.EventBreakerClose, streamID)
}

func (p *TranscriptProcessor) setTrace(streamID, traceID string) {
	p.mu.Lock()
	p.trace[streamID] = traceID
	p.mu.Unlock()
}

func (p *TranscriptProcessor) getTrace(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trace[streamID]
}

func (p *TranscriptProcessor) logInterim(streamID, text string) {
	p.mu.Lock()
	if p.interimLogged[streamID] {
		p.mu.Unlock()
		return
	}
	p.interimLogged[streamID] = true
	traceID := p.trace[streamID]
	p.mu.Unlock()
	safe := redact.Text(text)
	slog.Info("stt_interim", "stream_id", streamID, "trace_id", traceID, "text", clipText(safe))
}

func (p *TranscriptProcessor) logFinal(streamID, text string) {
	traceID := p.getTrace(streamID)
	safe := redact.Text(text)
	slog.Info("stt_final", "stream_id", streamID, "trace_id", traceID, "text", clipText(safe))
}

func clipText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}
