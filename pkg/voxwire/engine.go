package voxwire

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/aggregators"
	"github.com/voxwire/voxwire/pkg/convo"
	"github.com/voxwire/voxwire/pkg/enrich"
	"github.com/voxwire/voxwire/pkg/frames"
	"github.com/voxwire/voxwire/pkg/logging"
	"github.com/voxwire/voxwire/pkg/metrics"
	"github.com/voxwire/voxwire/pkg/observers"
	"github.com/voxwire/voxwire/pkg/pipeline"
	"github.com/voxwire/voxwire/pkg/processors"
	"github.com/voxwire/voxwire/pkg/redact"
	"github.com/voxwire/voxwire/pkg/runner"
	"github.com/voxwire/voxwire/pkg/session"
	"github.com/voxwire/voxwire/pkg/transports"
	"github.com/voxwire/voxwire/pkg/turnctl"
)

// Engine assembles the relay: one transport in front of a registry of
// per-session pipelines, each running transcript -> aggregation -> turn ->
// synthesis with an event tap at the end.
type Engine struct {
	cfg       Config
	registry  *session.Registry
	transport transports.Transport
	providers *ProviderRegistry
	runner    *pipeline.Runner
	asyncObs  *metrics.AsyncObserver
	ctx       context.Context
	cancel    context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	// Optional extra stages.
	PreStages []pipeline.FrameProcessor
	Taps      []pipeline.FrameProcessor
}

func NewEngine(opts EngineOptions) *Engine {
	cfg := opts.Config
	SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("voxwire_init",
		"environment", cfg.Environment,
		"responder_provider", cfg.Vendors.Responder.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", cfg.Transports.Provider,
	)

	pipeline.LogConfiguration(cfg.Engine)
	latencyObs := observers.NewLatencyObserver(slog.Default())
	logObs := observers.NewLoggerObserver(slog.Default())
	var timelineObs *observers.TimelineObserver
	var usageObs *observers.UsageObserver
	var metricsFile *os.File
	obsList := []metrics.Observer{latencyObs, logObs}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		timelineObs = observers.NewTimelineObserver(dir)
		usageObs = observers.NewUsageObserver(dir)
		obsList = append(obsList, timelineObs, usageObs)
		if f, err := os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			metricsFile = f
			obsList = append(obsList, metrics.NewJSONLObserver(f))
		} else {
			slog.Warn("metrics_file_open_failed", "dir", dir, "error", err)
		}
	}
	var rootObs metrics.Observer = observers.NewMultiObserver(obsList...)
	if rate := cfg.Observability.MetricsSampleRate; rate > 0 && rate < 1 {
		rootObs = metrics.NewSamplingObserver(rootObs, rate)
	}
	asyncObs := metrics.NewAsyncObserver(rootObs, 2048)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	var sink func(frames.Frame)
	if opts.Transport != nil {
		sink = func(f frames.Frame) {
			if asyncObs != nil && f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				meta := f.Meta()
				fields := map[string]any{
					"sample_rate": af.Rate(),
					"channels":    af.Channels(),
				}
				if cfg.Observability.RecordAudio {
					fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
				}
				tags := map[string]string{
					frames.MetaStreamID:  meta[frames.MetaStreamID],
					frames.MetaTraceID:   meta[frames.MetaTraceID],
					frames.MetaSessionID: meta[frames.MetaSessionID],
					"component":          "transport",
				}
				asyncObs.RecordEvent(metrics.MetricsEvent{
					Name:   "audio_out",
					Time:   time.Now(),
					Tags:   tags,
					Fields: fields,
				})
			}
			_ = opts.Transport.Send(f)
		}
	}

	eventSender, _ := opts.Transport.(transports.EventSender)

	registry := session.NewRegistry(func(ctx context.Context, id, streamID, traceID string) (*session.Session, error) {
		sttFactory, err := providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg, traceID)
		if err != nil {
			return nil, err
		}
		transcriptProc := processors.NewTranscriptProcessor(sttFactory)
		transcriptProc.SetReplayBuffer(processors.ReplayConfig{MaxChunks: cfg.Engine.ReplayChunks})
		transcriptProc.SetForwardInterim(cfg.STT.ForwardInterim || cfg.Turn.BargeIn)
		transcriptProc.SetObserver(asyncObs)
		transcriptProc.SetContext(ctx)

		aggProc := aggregators.NewTextAggregator(aggregators.AggregatorConfig{})

		gen, err := providers.BuildResponder(cfg.Vendors.Responder.Provider, cfg)
		if err != nil {
			return nil, err
		}
		state := convo.NewState(cfg.BasePrompt)
		emitter := &pipelineEmitter{}
		ctrl := turnctl.NewController(streamID, state, gen, emitter, turnctl.Options{Observer: asyncObs})

		turnProc := processors.NewTurnProcessor(ctrl)
		turnProc.SetBargeIn(cfg.Turn.BargeIn)
		turnProc.SetObserver(asyncObs)
		turnProc.SetContext(ctx)

		ttsFactory, err := providers.BuildTTSFactory(cfg.Vendors.TTS.Provider, cfg)
		if err != nil {
			return nil, err
		}
		synthProc := processors.NewSynthesisProcessor(ttsFactory)
		synthProc.SetObserver(asyncObs)
		synthProc.SetContext(ctx)

		selective := enrich.NewSelectiveEnricher(enrichTypes(cfg), id, cfg.Events.SessionMetadata)
		global := enrich.NewGlobalEnricher(cfg.Events.InjectFields)
		var eventSink enrich.Sink
		if eventSender != nil {
			eventSink = enrich.SinkFunc(func(ev enrich.Event) error {
				payload, err := encodeEvent(ev)
				if err != nil {
					return err
				}
				return eventSender.SendEvent(streamID, payload)
			})
		}
		fwd := enrich.NewForwarder(enrich.Chain{selective, global}, eventSink, enrich.ForwarderOptions{
			Buffer:   cfg.Events.Buffer,
			Observer: asyncObs,
			StreamID: streamID,
		})

		builder := pipeline.NewRelayBuilder()
		for _, p := range opts.PreStages {
			if p != nil {
				builder = builder.WithPreStage(p)
			}
		}
		builder = builder.
			WithTranscript(transcriptProc).
			WithProcessor(aggProc).
			WithTurn(turnProc).
			WithSynthesis(synthProc).
			WithTap(processors.NewUIEventProcessor(fwd))
		for _, p := range opts.Taps {
			if p != nil {
				builder = builder.WithTap(p)
			}
		}

		orch := builder.Build(cfg.Pipeline)
		orch.SetContext(ctx)
		orch.SetObserver(asyncObs)
		if sink != nil {
			orch.SetSink(sink)
		}
		emitter.SetInput(orch.In())

		go func() {
			<-ctx.Done()
			transcriptProc.CloseAll()
			synthProc.CloseAll()
		}()

		return &session.Session{
			ID:         id,
			StreamID:   streamID,
			TraceID:    traceID,
			State:      state,
			Controller: ctrl,
			Forwarder:  fwd,
			Selective:  selective,
			Global:     global,
			Orch:       orch,
		}, nil
	})

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Voxwire Relay Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if asyncObs != nil {
				asyncObs.Close()
			}
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			if usageObs != nil {
				_ = usageObs.Close()
			}
			if metricsFile != nil {
				_ = metricsFile.Close()
			}
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_sessions", registry.Count())
		},
	}

	drainer := pipeline.DrainerFunc(func() error {
		if opts.Transport != nil {
			_ = opts.Transport.Stop()
		}
		registry.SetDraining(true)
		registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = registry.WaitForEmpty(ctx, 200*time.Millisecond)
		return nil
	})

	lr := pipeline.NewDrainRunner(drainer, hooks, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		registry:  registry,
		transport: opts.Transport,
		providers: providers,
		runner:    lr,
		asyncObs:  asyncObs,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// enrichTypes defaults to the full outbound event set so session identity is
// present on everything unless the operator narrows it.
func enrichTypes(cfg Config) []string {
	if len(cfg.Events.EnrichTypes) > 0 {
		return cfg.Events.EnrichTypes
	}
	return []string{
		processors.EventUserTranscription,
		processors.EventBotStarted,
		processors.EventBotTranscription,
		processors.EventBotEnded,
		processors.EventBotInterrupted,
	}
}

func encodeEvent(ev enrich.Event) ([]byte, error) {
	obj := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		obj[k] = v
	}
	obj["type"] = ev.Type
	return json.Marshal(obj)
}

// pipelineEmitter feeds controller output back into the session pipeline.
// The input channel is attached after the orchestrator is built; emitting
// before that, or into a full channel, fails the turn rather than blocking
// the turn goroutine.
type pipelineEmitter struct {
	mu sync.Mutex
	in chan frames.Frame
}

func (e *pipelineEmitter) SetInput(ch chan frames.Frame) {
	e.mu.Lock()
	e.in = ch
	e.mu.Unlock()
}

func (e *pipelineEmitter) Emit(f frames.Frame) error {
	e.mu.Lock()
	ch := e.in
	e.mu.Unlock()
	if ch == nil {
		return errors.New("pipeline input not attached")
	}
	select {
	case ch <- f:
		return nil
	default:
		return errors.New("pipeline input full")
	}
}

var _ turnctl.Emitter = (*pipelineEmitter)(nil)

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			meta := f.Meta()
			streamID := meta[frames.MetaStreamID]
			sessionID := sessionKey(meta, streamID)
			traceID := meta[frames.MetaTraceID]
			if sessionID == "" || streamID == "" {
				continue
			}
			if meta[frames.MetaSessionID] == "" {
				f = withSessionID(f, sessionID)
			}
			if e.asyncObs != nil && f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				fields := map[string]any{
					"sample_rate": af.Rate(),
					"channels":    af.Channels(),
				}
				if e.cfg.Observability.RecordAudio {
					fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
				}
				tags := map[string]string{
					frames.MetaStreamID:  streamID,
					frames.MetaTraceID:   traceID,
					frames.MetaSessionID: sessionID,
					"component":          "transport",
				}
				e.asyncObs.RecordEvent(metrics.MetricsEvent{
					Name:   "audio_in",
					Time:   time.Now(),
					Tags:   tags,
					Fields: fields,
				})
			}
			if f.Kind() == frames.KindSystem {
				sf := f.(frames.SystemFrame)
				if sf.Name() == frames.SystemSessionEnd {
					e.registry.Remove(sessionID)
					continue
				}
			}
			sess, _, err := e.registry.GetOrCreate(sessionID, streamID, traceID)
			if err != nil {
				slog.Warn("session_create_failed", "session_id", sessionID, "stream_id", streamID, "error", err)
				continue
			}
			nonBlockingSend(sess.Orch.In(), f)
		}
	}
}

// withSessionID rebuilds the frame with the resolved session identifier so
// downstream stages see a consistent key. Frame metadata is copy-on-read, so
// the frame itself has to be reissued.
func withSessionID(f frames.Frame, sessionID string) frames.Frame {
	meta := f.Meta()
	meta[frames.MetaSessionID] = sessionID
	streamID := meta[frames.MetaStreamID]
	switch t := f.(type) {
	case frames.AudioFrame:
		return frames.NewAudioFrame(streamID, t.PTS(), t.RawPayload(), t.Rate(), t.Channels(), meta)
	case frames.TextFrame:
		return frames.NewTextFrame(streamID, t.PTS(), t.Text(), meta)
	case frames.ControlFrame:
		return frames.NewControlFrame(streamID, t.PTS(), t.Code(), meta)
	case frames.SystemFrame:
		return frames.NewSystemFrame(streamID, t.PTS(), t.Name(), meta)
	default:
		return f
	}
}

// sessionKey prefers the transport's session identifier, falling back to a
// call identifier and finally to the stream itself.
func sessionKey(meta map[string]string, streamID string) string {
	if v := meta[frames.MetaSessionID]; v != "" {
		return v
	}
	if v := meta[frames.MetaCallSID]; v != "" {
		return v
	}
	return streamID
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}

func SetDefaultLogger(level, format string) {
	lvl := logging.ParseLevel(level)
	var log *slog.Logger
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		log = logging.InitLogger(lvl)
	} else {
		log = logging.InitTextLogger(lvl)
	}
	slog.SetDefault(log)
}

func (e *Engine) ProviderRegistry() *ProviderRegistry {
	return e.providers
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Registry() *session.Registry {
	return e.registry
}

func (e *Engine) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}
