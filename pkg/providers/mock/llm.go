package mock

import (
	"context"

	"github.com/voxwire/voxwire/pkg/llm"
)

type LLMAdapter struct {
	cfg LLMConfig
}

type LLMConfig struct {
	ResponseText string
	StreamChunks []string
	Err          error
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	return llm.Response{Text: a.cfg.ResponseText}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	if a.cfg.Err != nil {
		return nil, a.cfg.Err
	}
	out := make(chan string, len(a.cfg.StreamChunks)+1)
	if len(a.cfg.StreamChunks) > 0 {
		for _, chunk := range a.cfg.StreamChunks {
			out <- chunk
		}
	} else {
		out <- a.cfg.ResponseText
	}
	close(out)
	return out, nil
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
