package turnctl

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/voxwire/voxwire/pkg/convo"
	"github.com/voxwire/voxwire/pkg/errorsx"
	"github.com/voxwire/voxwire/pkg/frames"
	"github.com/voxwire/voxwire/pkg/metrics"
	"github.com/voxwire/voxwire/pkg/responder"
)

type captureEmitter struct {
	mu     sync.Mutex
	frames []frames.Frame
	failOn int
}

func (c *captureEmitter) Emit(f frames.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn > 0 && len(c.frames)+1 == c.failOn {
		return errors.New("emit failed")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *captureEmitter) All() []frames.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frames.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// feedGen is a generator whose fragments are fed by the test.
type feedGen struct {
	ch      chan string
	started chan struct{}
}

func newFeedGen() *feedGen {
	return &feedGen{ch: make(chan string), started: make(chan struct{})}
}

func (g *feedGen) Name() string { return "feed" }

func (g *feedGen) Generate(ctx context.Context, history []convo.Message) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		close(g.started)
		for frag := range g.ch {
			select {
			case <-ctx.Done():
				return
			case out <- frag:
			}
		}
	}()
	return out, nil
}

type failGen struct{}

func (failGen) Name() string { return "fail" }
func (failGen) Generate(context.Context, []convo.Message) (<-chan string, error) {
	return nil, errors.New("provider down")
}

func systemNames(fs []frames.Frame) []string {
	var out []string
	for _, f := range fs {
		if sf, ok := f.(frames.SystemFrame); ok {
			out = append(out, sf.Name())
		}
	}
	return out
}

func textFrames(fs []frames.Frame) []frames.TextFrame {
	var out []frames.TextFrame
	for _, f := range fs {
		if tf, ok := f.(frames.TextFrame); ok {
			out = append(out, tf)
		}
	}
	return out
}

func TestControllerStreamsAndCommits(t *testing.T) {
	gen := responder.NewTemplateGenerator([]responder.Rule{{Match: "hello", Reply: "Hi there"}}, "fallback")
	state := convo.NewState("")
	em := &captureEmitter{}
	c := NewController("s1", state, gen, em, Options{})

	if err := c.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.Wait()

	all := em.All()
	names := systemNames(all)
	if len(names) != 2 || names[0] != frames.SystemTurnStart || names[1] != frames.SystemTurnEnd {
		t.Fatalf("boundaries = %v", names)
	}
	if _, ok := all[0].(frames.SystemFrame); !ok {
		t.Fatalf("first frame must be the start boundary, got %T", all[0])
	}

	texts := textFrames(all)
	if len(texts) != 2 || texts[0].Text() != "Hi" || texts[1].Text() != " there" {
		t.Fatalf("fragments = %+v", texts)
	}
	for i, tf := range texts {
		if got := tf.Meta()[frames.MetaSeq]; got != strconv.Itoa(i) {
			t.Fatalf("fragment %d seq = %q", i, got)
		}
	}

	last, ok := state.LastByRole(convo.RoleAssistant)
	if !ok || last.Content != "Hi there" {
		t.Fatalf("committed reply = %q, ok=%v", last.Content, ok)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected IDLE after commit, got %s", c.State())
	}
}

func TestControllerSequenceIsGapFree(t *testing.T) {
	gen := responder.NewTemplateGenerator(nil, "a b c d e f g h i j k l")
	state := convo.NewState("")
	em := &captureEmitter{}
	c := NewController("s1", state, gen, em, Options{})

	if err := c.Submit(context.Background(), "anything"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.Wait()

	texts := textFrames(em.All())
	if len(texts) != 12 {
		t.Fatalf("expected 12 fragments, got %d", len(texts))
	}
	for i, tf := range texts {
		if got := tf.Meta()[frames.MetaSeq]; got != strconv.Itoa(i) {
			t.Fatalf("fragment %d carries seq %q", i, got)
		}
	}
}

func TestControllerRejectsWhileBusy(t *testing.T) {
	gen := newFeedGen()
	state := convo.NewState("")
	em := &captureEmitter{}
	c := NewController("s1", state, gen, em, Options{})

	if err := c.Submit(context.Background(), "first"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-gen.started

	err := c.Submit(context.Background(), "second")
	if err == nil {
		t.Fatalf("expected busy rejection")
	}
	if !errorsx.HasReason(err, errorsx.ReasonTurnBusy) {
		t.Fatalf("expected turn_busy reason, got %s", errorsx.Reason(err))
	}

	close(gen.ch)
	c.Wait()

	// Only the first utterance made it into history.
	msgs := state.Messages()
	if len(msgs) != 1 || msgs[0].Content != "first" {
		t.Fatalf("history = %+v", msgs)
	}
}

func TestControllerInterruptCancelsWithoutCommit(t *testing.T) {
	gen := newFeedGen()
	state := convo.NewState("")
	em := &captureEmitter{}
	c := NewController("s1", state, gen, em, Options{})

	if err := c.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-gen.started
	gen.ch <- "partial"

	waitForFragments(t, em, 1)
	if !c.Interrupt("barge_in") {
		t.Fatalf("expected interrupt to land")
	}
	c.Wait()
	close(gen.ch)

	names := systemNames(em.All())
	if len(names) != 2 || names[1] != frames.SystemTurnCancelled {
		t.Fatalf("boundaries = %v", names)
	}
	var cancelled frames.SystemFrame
	for _, f := range em.All() {
		if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == frames.SystemTurnCancelled {
			cancelled = sf
		}
	}
	if cancelled.Meta()[frames.MetaReason] != "barge_in" {
		t.Fatalf("cancel reason = %q", cancelled.Meta()[frames.MetaReason])
	}

	if _, ok := state.LastByRole(convo.RoleAssistant); ok {
		t.Fatalf("cancelled turn must not commit assistant text")
	}
	if c.State() != StateIdle {
		t.Fatalf("expected IDLE after cancel, got %s", c.State())
	}

	// The controller accepts a fresh turn after cancellation.
	gen2 := responder.NewTemplateGenerator(nil, "ok")
	c2 := NewController("s1", state, gen2, em, Options{})
	if err := c2.Submit(context.Background(), "again"); err != nil {
		t.Fatalf("submit after cancel: %v", err)
	}
	c2.Wait()
}

func TestControllerIgnoresEmptyUtterance(t *testing.T) {
	state := convo.NewState("")
	em := &captureEmitter{}
	c := NewController("s1", state, responder.NewTemplateGenerator(nil, "ok"), em, Options{})

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := c.Submit(context.Background(), text); err != nil {
			t.Fatalf("submit %q: %v", text, err)
		}
	}
	c.Wait()

	if c.State() != StateIdle {
		t.Fatalf("empty submit must not start a turn, state = %s", c.State())
	}
	if got := len(em.All()); got != 0 {
		t.Fatalf("empty submit emitted %d frames", got)
	}
	if got := len(state.Messages()); got != 0 {
		t.Fatalf("empty submit appended %d messages", got)
	}
}

func TestControllerRecordsTurnMetrics(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	state := convo.NewState("")
	c := NewController("s1", state, responder.NewTemplateGenerator(nil, "hi there"), &captureEmitter{}, Options{Observer: obs})

	if err := c.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.Wait()

	counts := map[string]int{}
	for _, ev := range obs.Snapshot() {
		counts[ev.Name]++
	}
	if counts[metrics.EventTurnAccepted] != 1 {
		t.Fatalf("turn_accepted recorded %d times", counts[metrics.EventTurnAccepted])
	}
	if counts[metrics.EventFragment] != 2 {
		t.Fatalf("fragment events = %d", counts[metrics.EventFragment])
	}
	if counts[metrics.EventTurnCommit] != 1 {
		t.Fatalf("turn_commit recorded %d times", counts[metrics.EventTurnCommit])
	}
}

func TestControllerInterruptWithNoTurnIsNoop(t *testing.T) {
	c := NewController("s1", convo.NewState(""), failGen{}, &captureEmitter{}, Options{})
	if c.Interrupt("barge_in") {
		t.Fatalf("expected no-op interrupt on idle controller")
	}
}

func TestControllerGeneratorFailureEmitsBoundary(t *testing.T) {
	state := convo.NewState("")
	em := &captureEmitter{}
	c := NewController("s1", state, failGen{}, em, Options{})

	if err := c.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.Wait()

	names := systemNames(em.All())
	if len(names) != 1 || names[0] != frames.SystemTurnCancelled {
		t.Fatalf("boundaries = %v", names)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected IDLE after failure, got %s", c.State())
	}
	if _, ok := state.LastByRole(convo.RoleAssistant); ok {
		t.Fatalf("failed turn must not commit")
	}
}

func TestControllerEmitterFailureCancelsTurn(t *testing.T) {
	gen := responder.NewTemplateGenerator(nil, "one two three")
	state := convo.NewState("")
	em := &captureEmitter{failOn: 2}
	c := NewController("s1", state, gen, em, Options{})

	if err := c.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.Wait()

	names := systemNames(em.All())
	if len(names) == 0 || names[len(names)-1] != frames.SystemTurnCancelled {
		t.Fatalf("expected cancelled boundary, got %v", names)
	}
	if _, ok := state.LastByRole(convo.RoleAssistant); ok {
		t.Fatalf("turn with emit failure must not commit")
	}
}

func waitForFragments(t *testing.T, em *captureEmitter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(textFrames(em.All())) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d fragments", n)
}
