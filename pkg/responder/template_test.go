package responder

import (
	"context"
	"strings"
	"testing"

	"github.com/voxwire/voxwire/pkg/convo"
)

func helloRules() []Rule {
	return []Rule{
		{Match: "hello", Reply: "Hi there"},
		{Match: "weather", Reply: "It is always sunny in here."},
	}
}

func collect(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var out []string
	for frag := range ch {
		out = append(out, frag)
	}
	return out
}

func TestTemplateGeneratorMatchesKeyword(t *testing.T) {
	g := NewTemplateGenerator(helloRules(), "fallback")
	history := []convo.Message{{Role: convo.RoleUser, Content: "hello"}}

	ch, err := g.Generate(context.Background(), history)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	frags := collect(t, ch)
	want := []string{"Hi", " there"}
	if len(frags) != len(want) {
		t.Fatalf("fragments = %v, want %v", frags, want)
	}
	for i := range want {
		if frags[i] != want[i] {
			t.Fatalf("fragment %d = %q, want %q", i, frags[i], want[i])
		}
	}
	if got := strings.Join(frags, ""); got != "Hi there" {
		t.Fatalf("concatenation = %q", got)
	}
}

func TestTemplateGeneratorFallback(t *testing.T) {
	g := NewTemplateGenerator(helloRules(), "I did not catch that.")
	history := []convo.Message{{Role: convo.RoleUser, Content: "xyzzy"}}

	ch, err := g.Generate(context.Background(), history)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := strings.Join(collect(t, ch), ""); got != "I did not catch that." {
		t.Fatalf("fallback reply = %q", got)
	}
}

func TestTemplateGeneratorMatchIsCaseInsensitive(t *testing.T) {
	g := NewTemplateGenerator(helloRules(), "fallback")
	history := []convo.Message{{Role: convo.RoleUser, Content: "Well HELLO friend"}}

	ch, err := g.Generate(context.Background(), history)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := strings.Join(collect(t, ch), ""); got != "Hi there" {
		t.Fatalf("reply = %q", got)
	}
}

func TestTemplateGeneratorCancelTruncatesStream(t *testing.T) {
	g := NewTemplateGenerator(nil, "one two three four five six")
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := g.Generate(ctx, []convo.Message{{Role: convo.RoleUser, Content: "anything"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	first, ok := <-ch
	if !ok || first != "one" {
		t.Fatalf("first fragment = %q, ok=%v", first, ok)
	}
	cancel()
	var rest int
	for range ch {
		rest++
	}
	if rest >= 5 {
		t.Fatalf("expected truncated stream, drained %d fragments after cancel", rest)
	}
}

func TestTemplateGeneratorRejectsCancelledContext(t *testing.T) {
	g := NewTemplateGenerator(nil, "fallback")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Generate(ctx, nil); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}

func TestSplitFragmentsRoundTrip(t *testing.T) {
	cases := []string{"Hi there", "one", "", "a b c d", " leading space", "trailing "}
	for _, c := range cases {
		frags := SplitFragments(c)
		if got := strings.Join(frags, ""); got != c {
			t.Fatalf("round trip of %q = %q", c, got)
		}
		for i, frag := range frags {
			if frag == "" {
				t.Fatalf("fragment %d of %q is empty", i, c)
			}
		}
	}
}
