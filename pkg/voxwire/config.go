package voxwire

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/voxwire/voxwire/pkg/pipeline"
)

type Config struct {
	Pipeline      pipeline.Config       `mapstructure:"pipeline"`
	Engine        pipeline.EngineConfig `mapstructure:"engine"`
	Vendors       VendorsConfig         `mapstructure:"vendors"`
	Transports    TransportsConfig      `mapstructure:"transports"`
	STT           STTProcessingConfig   `mapstructure:"stt"`
	Turn          TurnConfig            `mapstructure:"turn"`
	Events        EventsConfig          `mapstructure:"events"`
	Environment   string                `mapstructure:"environment"`
	LogLevel      string                `mapstructure:"log_level"`
	LogFormat     string                `mapstructure:"log_format"`
	BasePrompt    string                `mapstructure:"base_prompt"`
	Observability ObservabilityConfig   `mapstructure:"observability"`
	Privacy       PrivacyConfig         `mapstructure:"privacy"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT       VendorConfig `mapstructure:"stt"`
	TTS       VendorConfig `mapstructure:"tts"`
	Responder VendorConfig `mapstructure:"responder"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type STTProcessingConfig struct {
	ForwardInterim bool `mapstructure:"forward_interim"`
}

type TurnConfig struct {
	BargeIn bool `mapstructure:"barge_in"`
}

// EventsConfig shapes the out-of-band event path. EnrichTypes selects which
// event types get session identity injected; InjectFields is merged into
// every event's data object, injected values winning on collision.
type EventsConfig struct {
	EnrichTypes     []string       `mapstructure:"enrich_types"`
	SessionMetadata map[string]any `mapstructure:"session_metadata"`
	InjectFields    map[string]any `mapstructure:"inject_fields"`
	Buffer          int            `mapstructure:"buffer"`
}

type ObservabilityConfig struct {
	ArtifactsDir      string  `mapstructure:"artifacts_dir"`
	RecordAudio       bool    `mapstructure:"record_audio"`
	RetentionDays     int     `mapstructure:"retention_days"`
	MetricsSampleRate float64 `mapstructure:"metrics_sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("pipeline.async", true)
	v.SetDefault("pipeline.stagebuffer", 128)
	v.SetDefault("pipeline.highcapacity", 256)
	v.SetDefault("pipeline.lowcapacity", 512)
	v.SetDefault("pipeline.fairnessratio", 3)
	v.SetDefault("pipeline.backpressure", "drop")
	v.SetDefault("engine.samplerate", 8000)
	v.SetDefault("engine.replay_chunks", 50)
	v.SetDefault("stt.forward_interim", false)
	v.SetDefault("turn.barge_in", true)
	v.SetDefault("events.buffer", 64)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.record_audio", false)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.metrics_sample_rate", 1.0)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw struct {
		Pipeline struct {
			Async         bool   `mapstructure:"async"`
			StageBuffer   int    `mapstructure:"stagebuffer"`
			HighCapacity  int    `mapstructure:"highcapacity"`
			LowCapacity   int    `mapstructure:"lowcapacity"`
			FairnessRatio int    `mapstructure:"fairnessratio"`
			Backpressure  string `mapstructure:"backpressure"`
		} `mapstructure:"pipeline"`
		Engine        pipeline.EngineConfig `mapstructure:"engine"`
		Vendors       VendorsConfig         `mapstructure:"vendors"`
		Transports    TransportsConfig      `mapstructure:"transports"`
		STT           STTProcessingConfig   `mapstructure:"stt"`
		Turn          TurnConfig            `mapstructure:"turn"`
		Events        EventsConfig          `mapstructure:"events"`
		Environment   string                `mapstructure:"environment"`
		LogLevel      string                `mapstructure:"log_level"`
		LogFormat     string                `mapstructure:"log_format"`
		BasePrompt    string                `mapstructure:"base_prompt"`
		Observability ObservabilityConfig   `mapstructure:"observability"`
		Privacy       PrivacyConfig         `mapstructure:"privacy"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := Config{
		Pipeline: pipeline.Config{
			Async:         raw.Pipeline.Async,
			StageBuffer:   raw.Pipeline.StageBuffer,
			HighCapacity:  raw.Pipeline.HighCapacity,
			LowCapacity:   raw.Pipeline.LowCapacity,
			FairnessRatio: raw.Pipeline.FairnessRatio,
			Backpressure:  parseBackpressure(raw.Pipeline.Backpressure),
		},
		Engine:        raw.Engine,
		Vendors:       raw.Vendors,
		Transports:    raw.Transports,
		STT:           raw.STT,
		Turn:          raw.Turn,
		Events:        raw.Events,
		Environment:   raw.Environment,
		LogLevel:      raw.LogLevel,
		LogFormat:     raw.LogFormat,
		BasePrompt:    raw.BasePrompt,
		Observability: raw.Observability,
		Privacy:       raw.Privacy,
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Responder.Provider) == "" {
		return fmt.Errorf("vendors.responder.provider is required")
	}

	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.Responder.Settings = expandSettings(cfg.Vendors.Responder.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
	cfg.Events.SessionMetadata = expandSettings(cfg.Events.SessionMetadata)
	cfg.Events.InjectFields = expandSettings(cfg.Events.InjectFields)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}

func parseBackpressure(v string) pipeline.BackpressureMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "wait":
		return pipeline.BackpressureWait
	case "drop", "":
		return pipeline.BackpressureDrop
	default:
		if n, err := strconv.Atoi(v); err == nil {
			return pipeline.BackpressureMode(n)
		}
	}
	return pipeline.BackpressureDrop
}
