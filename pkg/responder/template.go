package responder

import (
	"context"
	"strings"
	"time"

	"github.com/voxwire/voxwire/pkg/convo"
)

// Rule maps a lowercase substring of the user's utterance to a canned reply.
type Rule struct {
	Match string
	Reply string
}

// TemplateGenerator is a deterministic generator backed by keyword rules.
// It streams the chosen reply word by word, which makes it useful both for
// scripted deployments and for exercising the full relay path in tests.
type TemplateGenerator struct {
	rules    []Rule
	fallback string
	delay    time.Duration
}

type TemplateOption func(*TemplateGenerator)

// WithDelay paces fragment emission to simulate provider latency.
func WithDelay(d time.Duration) TemplateOption {
	return func(g *TemplateGenerator) { g.delay = d }
}

func NewTemplateGenerator(rules []Rule, fallback string, opts ...TemplateOption) *TemplateGenerator {
	if fallback == "" {
		fallback = "I'm not sure how to respond to that."
	}
	g := &TemplateGenerator{rules: rules, fallback: fallback}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *TemplateGenerator) Name() string { return "template" }

func (g *TemplateGenerator) Generate(ctx context.Context, history []convo.Message) (<-chan string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := g.fallback
	if user := lastUserText(history); user != "" {
		lower := strings.ToLower(user)
		for _, r := range g.rules {
			if strings.Contains(lower, strings.ToLower(r.Match)) {
				reply = r.Reply
				break
			}
		}
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for _, frag := range SplitFragments(reply) {
			if g.delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(g.delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- frag:
			}
		}
	}()
	return out, nil
}

// SplitFragments splits a reply on spaces, keeping each separator attached
// to the front of the following fragment so that concatenating the
// fragments reproduces the reply exactly. Every fragment is non-empty; a
// leading space rides on the first word instead of becoming its own
// fragment.
func SplitFragments(s string) []string {
	if s == "" {
		return nil
	}
	words := strings.Split(s, " ")
	frags := make([]string, 0, len(words))
	for i, w := range words {
		if i == 0 {
			if w != "" {
				frags = append(frags, w)
			}
			continue
		}
		frags = append(frags, " "+w)
	}
	return frags
}

func lastUserText(history []convo.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == convo.RoleUser {
			return history[i].Content
		}
	}
	return ""
}
