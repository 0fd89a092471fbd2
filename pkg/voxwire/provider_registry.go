package voxwire

import (
	"fmt"
	"strings"

	"github.com/voxwire/voxwire/pkg/adapters/stt"
	"github.com/voxwire/voxwire/pkg/adapters/tts"
	"github.com/voxwire/voxwire/pkg/responder"
)

type STTFactoryBuilder func(cfg Config, traceID string) (func(sessionID, streamID string) stt.StreamingSTT, error)
type TTSFactoryBuilder func(cfg Config) (func(sessionID, streamID string) tts.StreamingTTS, error)
type ResponderFactory func(cfg Config) (responder.Generator, error)

type ProviderRegistry struct {
	stt       map[string]STTFactoryBuilder
	tts       map[string]TTSFactoryBuilder
	responder map[string]ResponderFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:       make(map[string]STTFactoryBuilder),
		tts:       make(map[string]TTSFactoryBuilder),
		responder: make(map[string]ResponderFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactoryBuilder) {
	r.tts[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) RegisterResponder(name string, factory ResponderFactory) {
	r.responder[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config, traceID string) (func(sessionID, streamID string) stt.StreamingSTT, error) {
	fn := r.stt[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg, traceID)
}

func (r *ProviderRegistry) BuildTTSFactory(provider string, cfg Config) (func(sessionID, streamID string) tts.StreamingTTS, error) {
	fn := r.tts[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildResponder(provider string, cfg Config) (responder.Generator, error) {
	fn := r.responder[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("responder provider not registered: %s", provider)
	}
	return fn(cfg)
}
