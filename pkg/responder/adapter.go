package responder

import (
	"context"

	"github.com/voxwire/voxwire/pkg/convo"
	"github.com/voxwire/voxwire/pkg/errorsx"
	"github.com/voxwire/voxwire/pkg/llm"
	"github.com/voxwire/voxwire/pkg/resilience"
)

// AdapterGenerator bridges an LLM adapter into the relay's generator
// contract. The adapter is typically already wrapped with circuit breaking
// via llm.NewCircuitBreakerAdapter.
type AdapterGenerator struct {
	adapter llm.LLMAdapter
}

func NewAdapterGenerator(adapter llm.LLMAdapter) *AdapterGenerator {
	return &AdapterGenerator{adapter: adapter}
}

func (g *AdapterGenerator) Name() string { return g.adapter.Name() }

func (g *AdapterGenerator) Generate(ctx context.Context, history []convo.Message) (<-chan string, error) {
	ch, err := g.adapter.Stream(ctx, llm.Context{Messages: toAdapterMessages(history)})
	if err != nil {
		if resilience.IsRateLimit(err) {
			return nil, errorsx.Wrap(err, errorsx.ReasonResponderRateLimit)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonResponderStart)
	}
	return ch, nil
}

func toAdapterMessages(history []convo.Message) []map[string]any {
	out := make([]map[string]any, 0, len(history))
	for _, m := range history {
		out = append(out, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	return out
}
