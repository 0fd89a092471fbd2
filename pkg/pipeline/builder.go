package pipeline

// RelayBuilder assembles the per-session stage order: media pre-stages,
// then transcript -> turn -> synthesis, then taps and serializers.
type RelayBuilder struct {
	pre  []FrameProcessor
	core []FrameProcessor
	post []FrameProcessor
}

func NewRelayBuilder() *RelayBuilder {
	return &RelayBuilder{}
}

func (b *RelayBuilder) WithProcessor(p FrameProcessor) *RelayBuilder {
	b.core = append(b.core, p)
	return b
}

func (b *RelayBuilder) WithProcessorList(list []FrameProcessor) *RelayBuilder {
	for _, p := range list {
		if p != nil {
			b.core = append(b.core, p)
		}
	}
	return b
}

func (b *RelayBuilder) WithTranscript(p FrameProcessor) *RelayBuilder {
	return b.WithProcessor(p)
}

func (b *RelayBuilder) WithTurn(p FrameProcessor) *RelayBuilder {
	return b.WithProcessor(p)
}

func (b *RelayBuilder) WithSynthesis(p FrameProcessor) *RelayBuilder {
	return b.WithProcessor(p)
}

func (b *RelayBuilder) WithPreStage(p FrameProcessor) *RelayBuilder {
	b.pre = append(b.pre, p)
	return b
}

func (b *RelayBuilder) WithTap(p FrameProcessor) *RelayBuilder {
	b.post = append(b.post, p)
	return b
}

func (b *RelayBuilder) Build(cfg Config) Orchestrator {
	return NewWithPipelineConfig(PipelineConfig{
		Config:     cfg,
		Processors: append(append(b.pre, b.core...), b.post...),
	})
}
