package pipeline

import (
	"context"
	"log/slog"

	"github.com/voxwire/voxwire/pkg/frames"
	"github.com/voxwire/voxwire/pkg/metrics"
)

type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

type BackpressureMode int

const (
	BackpressureDrop BackpressureMode = iota
	BackpressureWait
)

type Config struct {
	Async         bool
	StageBuffer   int
	HighCapacity  int
	LowCapacity   int
	FairnessRatio int
	Backpressure  BackpressureMode
}

type PipelineConfig struct {
	Config     Config
	Processors []FrameProcessor
}

type EngineConfig struct {
	SampleRate   int `mapstructure:"samplerate"`
	ReplayChunks int `mapstructure:"replay_chunks"`
}

func LogConfiguration(cfg EngineConfig) {
	slog.Info("engine_config",
		"sample_rate", cfg.SampleRate,
		"replay_chunks", cfg.ReplayChunks,
	)
}

type Orchestrator interface {
	Start() error
	Stop() error
	In() chan frames.Frame
	Out() chan frames.Frame
	AddProcessor(p FrameProcessor) error
	SetContext(ctx context.Context)
	SetSink(sink func(frames.Frame))
	SetObserver(obs metrics.Observer)
}
