package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxwire/voxwire/pkg/adapters/stt"
	"github.com/voxwire/voxwire/pkg/adapters/tts"
	"github.com/voxwire/voxwire/pkg/configutil"
	"github.com/voxwire/voxwire/pkg/llm"
	"github.com/voxwire/voxwire/pkg/providers/deepgram"
	"github.com/voxwire/voxwire/pkg/providers/elevenlabs"
	"github.com/voxwire/voxwire/pkg/providers/mock"
	"github.com/voxwire/voxwire/pkg/providers/openai"
	"github.com/voxwire/voxwire/pkg/resilience"
	"github.com/voxwire/voxwire/pkg/responder"
	"github.com/voxwire/voxwire/pkg/runner"
	"github.com/voxwire/voxwire/pkg/transports"
	mocktransport "github.com/voxwire/voxwire/pkg/transports/mock"
	twiliotransport "github.com/voxwire/voxwire/pkg/transports/twilio"
	wstransport "github.com/voxwire/voxwire/pkg/transports/websocket"
	"github.com/voxwire/voxwire/pkg/voxwire"
)

type deepgramSettings struct {
	APIKey           string `mapstructure:"api_key"`
	Model            string `mapstructure:"model"`
	Language         string `mapstructure:"language"`
	SampleRate       int    `mapstructure:"sample_rate"`
	Encoding         string `mapstructure:"encoding"`
	Interim          *bool  `mapstructure:"interim"`
	VADEvents        *bool  `mapstructure:"vad_events"`
	EchoCancellation *bool  `mapstructure:"echo_cancellation"`
	UtteranceEndMS   *int   `mapstructure:"utterance_end_ms"`
}

type elevenlabsSettings struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	SampleRate   int    `mapstructure:"sample_rate"`
}

type openAISettings struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	UseCircuitBreaker *bool  `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMs int    `mapstructure:"circuit_cooldown_ms"`
	MaxRetries        *int   `mapstructure:"max_retries"`
	RetryBackoffMs    int    `mapstructure:"retry_backoff_ms"`
}

type templateSettings struct {
	Rules    []templateRule `mapstructure:"rules"`
	Fallback string         `mapstructure:"fallback"`
	DelayMS  int            `mapstructure:"delay_ms"`
}

type templateRule struct {
	Match string `mapstructure:"match"`
	Reply string `mapstructure:"reply"`
}

type mockSTTSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitInterim       *bool  `mapstructure:"emit_interim"`
	EmitVAD           *bool  `mapstructure:"emit_vad"`
	EmitUtteranceEnd  *bool  `mapstructure:"emit_utterance_end"`
}

type mockTTSSettings struct {
	EmitAudioReady *bool `mapstructure:"emit_audio_ready"`
	SampleRate     int   `mapstructure:"sample_rate"`
	Channels       int   `mapstructure:"channels"`
}

type mockResponderSettings struct {
	ResponseText string   `mapstructure:"response_text"`
	StreamChunks []string `mapstructure:"stream_chunks"`
}

type twilioSettings struct {
	AccountSID         string   `mapstructure:"account_sid"`
	AuthToken          string   `mapstructure:"auth_token"`
	PublicURL          string   `mapstructure:"public_url"`
	ServerAddr         string   `mapstructure:"server_addr"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	TTSWebhookPath     string   `mapstructure:"tts_webhook_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

type websocketSettings struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	Path           string   `mapstructure:"path"`
	SampleRate     int      `mapstructure:"sample_rate"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to config file")
	dialTo := flag.String("dial_to", "", "destination number for outbound call")
	dialFrom := flag.String("dial_from", "", "caller ID for outbound call")
	dialURL := flag.String("dial_url", "", "override voice URL for outbound call")
	flag.Parse()

	cfg, err := voxwire.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	runner.PrintBanner()

	providers := voxwire.NewProviderRegistry()
	registerProviders(providers)

	transport, err := buildTransport(cfg)
	if err != nil {
		panic(err)
	}

	app := voxwire.NewEngine(voxwire.EngineOptions{
		Config:    cfg,
		Providers: providers,
		Transport: transport,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = app.Start(ctx)
	if *dialTo != "" && *dialFrom != "" {
		if dialer, ok := transport.(transports.OutboundDialer); ok {
			callSID, err := dialer.Dial(ctx, *dialTo, *dialFrom, *dialURL)
			if err != nil {
				slog.Error("outbound_dial_failed", "error", err)
			} else {
				slog.Info("outbound_dial_started", "call_sid", callSID)
			}
		} else {
			slog.Warn("transport_no_outbound_dialer")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	_ = app.Stop()
}

func registerProviders(reg *voxwire.ProviderRegistry) {
	reg.RegisterSTT("deepgram", func(cfg voxwire.Config, traceID string) (func(sessionID, streamID string) stt.StreamingSTT, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"language", "sample_rate", "encoding", "interim", "vad_events", "echo_cancellation", "utterance_end_ms"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.stt.settings.model"); err != nil {
			return nil, err
		}
		if settings.SampleRate == 0 {
			if cfg.Engine.SampleRate > 0 {
				settings.SampleRate = cfg.Engine.SampleRate
			} else {
				settings.SampleRate = 8000
			}
		}
		if settings.Language == "" {
			settings.Language = "en"
		}
		if settings.Encoding == "" {
			settings.Encoding = "mulaw"
		}
		if !validDeepgramEncoding(settings.Encoding) {
			return nil, fmt.Errorf("vendors.stt.settings.encoding must be one of [linear16, mulaw], got %s", settings.Encoding)
		}
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
		if utteranceEnd < 0 || utteranceEnd > 5000 {
			return nil, fmt.Errorf("vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
		}
		interim := configutil.BoolValue(settings.Interim, true)
		vadEvents := configutil.BoolValue(settings.VADEvents, true)
		echoCancellation := configutil.BoolValue(settings.EchoCancellation, true)

		return func(sessionID, streamID string) stt.StreamingSTT {
			return deepgram.New(deepgram.Config{
				APIKey:     settings.APIKey,
				Model:      settings.Model,
				Language:   settings.Language,
				SampleRate: settings.SampleRate,
				Encoding:   settings.Encoding,
				Interim:    interim,
				VADEvents:  vadEvents,
				StreamID:   streamID,
				SessionID:  sessionID,
				TraceID:    traceID,
				Params: deepgram.DeepgramParams{
					EchoCancellation: echoCancellation,
					UtteranceEndMS:   utteranceEnd,
				},
			})
		}, nil
	})

	reg.RegisterSTT("mock", func(cfg voxwire.Config, traceID string) (func(sessionID, streamID string) stt.StreamingSTT, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Optional: []string{"transcript", "interim_transcript", "emit_interim", "emit_vad", "emit_utterance_end"},
		}); err != nil {
			return nil, err
		}
		var settings mockSTTSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		emitInterim := configutil.BoolValue(settings.EmitInterim, false)
		emitVAD := configutil.BoolValue(settings.EmitVAD, false)
		emitUtteranceEnd := configutil.BoolValue(settings.EmitUtteranceEnd, false)
		return func(sessionID, streamID string) stt.StreamingSTT {
			return mock.NewSTT(mock.STTConfig{
				StreamID:          streamID,
				SessionID:         sessionID,
				TraceID:           traceID,
				Transcript:        settings.Transcript,
				InterimTranscript: settings.InterimTranscript,
				EmitInterim:       emitInterim,
				EmitVAD:           emitVAD,
				EmitUtteranceEnd:  emitUtteranceEnd,
			})
		}, nil
	})

	reg.RegisterTTS("elevenlabs", func(cfg voxwire.Config) (func(sessionID, streamID string) tts.StreamingTTS, error) {
		if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "output_format", "sample_rate"},
		}); err != nil {
			return nil, err
		}
		var settings elevenlabsSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
			return nil, err
		}
		if settings.OutputFormat == "" {
			settings.OutputFormat = "ulaw_8000"
		}
		if settings.SampleRate == 0 {
			if cfg.Engine.SampleRate > 0 {
				settings.SampleRate = cfg.Engine.SampleRate
			} else {
				settings.SampleRate = 8000
			}
		}
		return func(sessionID, streamID string) tts.StreamingTTS {
			return elevenlabs.New(elevenlabs.Config{
				APIKey:       settings.APIKey,
				VoiceID:      settings.VoiceID,
				ModelID:      settings.ModelID,
				OutputFormat: settings.OutputFormat,
				SampleRate:   settings.SampleRate,
				StreamID:     streamID,
				SessionID:    sessionID,
			})
		}, nil
	})

	reg.RegisterTTS("mock", func(cfg voxwire.Config) (func(sessionID, streamID string) tts.StreamingTTS, error) {
		if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Optional: []string{"emit_audio_ready", "sample_rate", "channels"},
		}); err != nil {
			return nil, err
		}
		var settings mockTTSSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		sampleRate := settings.SampleRate
		if sampleRate == 0 {
			if cfg.Engine.SampleRate > 0 {
				sampleRate = cfg.Engine.SampleRate
			} else {
				sampleRate = 8000
			}
		}
		channels := settings.Channels
		if channels == 0 {
			channels = 1
		}
		emitAudioReady := configutil.BoolValue(settings.EmitAudioReady, false)
		return func(sessionID, streamID string) tts.StreamingTTS {
			return mock.NewTTS(mock.TTSConfig{
				StreamID:       streamID,
				SessionID:      sessionID,
				SampleRate:     sampleRate,
				Channels:       channels,
				EmitAudioReady: emitAudioReady,
			})
		}, nil
	})

	reg.RegisterResponder("openai", func(cfg voxwire.Config) (responder.Generator, error) {
		if err := validateSettings("vendors.responder.settings", cfg.Vendors.Responder.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"base_url", "use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms", "max_retries", "retry_backoff_ms"},
		}); err != nil {
			return nil, err
		}
		var settings openAISettings
		if err := configutil.DecodeSettings(cfg.Vendors.Responder.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.responder.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.responder.settings.model"); err != nil {
			return nil, err
		}
		adapter := openai.NewAdapter(settings.APIKey, settings.Model)
		if settings.BaseURL != "" {
			adapter.BaseURL = settings.BaseURL
		}
		var inner llm.LLMAdapter = adapter
		if retries := configutil.IntValue(settings.MaxRetries, 3); retries > 0 {
			backoff := settings.RetryBackoffMs
			if backoff == 0 {
				backoff = 100
			}
			inner = llm.NewRetryAdapter(inner, llm.RetryConfig{
				MaxAttempts: retries,
				BaseDelay:   time.Duration(backoff) * time.Millisecond,
			})
		}
		if configutil.BoolValue(settings.UseCircuitBreaker, true) {
			threshold := settings.CircuitThreshold
			if threshold == 0 {
				threshold = 3
			}
			cooldown := settings.CircuitCooldownMs
			if cooldown == 0 {
				cooldown = 30000
			}
			breaker := resilience.NewCircuitBreaker(threshold, time.Duration(cooldown)*time.Millisecond)
			inner = llm.NewCircuitBreakerAdapter(inner, breaker)
		}
		return responder.NewAdapterGenerator(inner), nil
	})

	reg.RegisterResponder("template", func(cfg voxwire.Config) (responder.Generator, error) {
		if err := validateSettings("vendors.responder.settings", cfg.Vendors.Responder.Settings, configutil.Schema{
			Optional: []string{"rules", "fallback", "delay_ms"},
		}); err != nil {
			return nil, err
		}
		var settings templateSettings
		if err := configutil.DecodeSettings(cfg.Vendors.Responder.Settings, &settings); err != nil {
			return nil, err
		}
		rules := make([]responder.Rule, 0, len(settings.Rules))
		for _, r := range settings.Rules {
			if strings.TrimSpace(r.Match) == "" {
				continue
			}
			rules = append(rules, responder.Rule{Match: r.Match, Reply: r.Reply})
		}
		var opts []responder.TemplateOption
		if settings.DelayMS > 0 {
			opts = append(opts, responder.WithDelay(time.Duration(settings.DelayMS)*time.Millisecond))
		}
		return responder.NewTemplateGenerator(rules, settings.Fallback, opts...), nil
	})

	reg.RegisterResponder("mock", func(cfg voxwire.Config) (responder.Generator, error) {
		if err := validateSettings("vendors.responder.settings", cfg.Vendors.Responder.Settings, configutil.Schema{
			Optional: []string{"response_text", "stream_chunks"},
		}); err != nil {
			return nil, err
		}
		var settings mockResponderSettings
		if err := configutil.DecodeSettings(cfg.Vendors.Responder.Settings, &settings); err != nil {
			return nil, err
		}
		return responder.NewAdapterGenerator(mock.NewLLMAdapter(mock.LLMConfig{
			ResponseText: settings.ResponseText,
			StreamChunks: settings.StreamChunks,
		})), nil
	})
}

func buildTransport(cfg voxwire.Config) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transports.Provider)) {
	case "twilio":
		if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Required: []string{"account_sid", "auth_token"},
			Optional: []string{"public_url", "server_addr", "voice_path", "ws_path", "tts_webhook_path", "status_callback_path", "voice_greeting", "allow_any_origin", "allowed_origins"},
		}); err != nil {
			return nil, err
		}
		var settings twilioSettings
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.AccountSID, "transports.settings.account_sid"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.AuthToken, "transports.settings.auth_token"); err != nil {
			return nil, err
		}
		return twiliotransport.New(twiliotransport.Config{
			AccountSID:         settings.AccountSID,
			AuthToken:          settings.AuthToken,
			PublicURL:          settings.PublicURL,
			ServerAddr:         settings.ServerAddr,
			VoicePath:          settings.VoicePath,
			WebsocketPath:      settings.WebsocketPath,
			TTSWebhookPath:     settings.TTSWebhookPath,
			StatusCallbackPath: settings.StatusCallbackPath,
			VoiceGreeting:      settings.VoiceGreeting,
			AllowAnyOrigin:     settings.AllowAnyOrigin,
			AllowedOrigins:     settings.AllowedOrigins,
		}), nil
	case "websocket":
		if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Optional: []string{"server_addr", "path", "sample_rate", "allow_any_origin", "allowed_origins"},
		}); err != nil {
			return nil, err
		}
		var settings websocketSettings
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			return nil, err
		}
		return wstransport.New(wstransport.Config{
			ServerAddr:     settings.ServerAddr,
			Path:           settings.Path,
			SampleRate:     settings.SampleRate,
			AllowAnyOrigin: settings.AllowAnyOrigin,
			AllowedOrigins: settings.AllowedOrigins,
		}), nil
	case "mock":
		return mocktransport.New(), nil
	default:
		return nil, fmt.Errorf("unsupported transport provider: %s", cfg.Transports.Provider)
	}
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func validDeepgramEncoding(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "linear16", "mulaw":
		return true
	default:
		return false
	}
}
