package processors

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voxwire/voxwire/pkg/convo"
	"github.com/voxwire/voxwire/pkg/frames"
	"github.com/voxwire/voxwire/pkg/responder"
	"github.com/voxwire/voxwire/pkg/turnctl"
)

type frameCapture struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (c *frameCapture) Emit(f frames.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *frameCapture) snapshot() []frames.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frames.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func transcriptFrame(streamID, text string, final bool) frames.TextFrame {
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   frames.SourceTranscript,
	}
	if final {
		meta[frames.MetaIsFinal] = "true"
	}
	return frames.NewTextFrame(streamID, time.Now().UnixNano(), text, meta)
}

func newTestController(em turnctl.Emitter, reply string) *turnctl.Controller {
	gen := responder.NewTemplateGenerator(nil, reply)
	return turnctl.NewController("stream-1", convo.NewState(""), gen, em, turnctl.Options{})
}

func TestTurnProcessorSubmitsFinalTranscript(t *testing.T) {
	em := &frameCapture{}
	ctrl := newTestController(em, "Hi there")
	proc := NewTurnProcessor(ctrl)

	out, err := proc.Process(transcriptFrame("stream-1", "hello", true))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != nil {
		t.Fatalf("final transcript should be consumed, got %d frames", len(out))
	}
	ctrl.Wait()

	var fragments int
	for _, f := range em.snapshot() {
		if f.Kind() == frames.KindText {
			fragments++
		}
	}
	if fragments != 2 {
		t.Fatalf("expected streamed fragments, got %d", fragments)
	}
}

func TestTurnProcessorDropsUtteranceWhileBusy(t *testing.T) {
	em := &frameCapture{}
	gen := newFeedThroughGen()
	ctrl := turnctl.NewController("stream-1", convo.NewState(""), gen, em, turnctl.Options{})
	proc := NewTurnProcessor(ctrl)

	if _, err := proc.Process(transcriptFrame("stream-1", "first", true)); err != nil {
		t.Fatalf("process first: %v", err)
	}
	<-gen.started

	if _, err := proc.Process(transcriptFrame("stream-1", "second", true)); err != nil {
		t.Fatalf("busy drop must not error: %v", err)
	}

	close(gen.ch)
	ctrl.Wait()
}

func TestTurnProcessorBargeInOnInterim(t *testing.T) {
	em := &frameCapture{}
	gen := newFeedThroughGen()
	ctrl := turnctl.NewController("stream-1", convo.NewState(""), gen, em, turnctl.Options{})
	proc := NewTurnProcessor(ctrl)
	proc.SetBargeIn(true)

	if _, err := proc.Process(transcriptFrame("stream-1", "hello", true)); err != nil {
		t.Fatalf("process: %v", err)
	}
	<-gen.started

	out, err := proc.Process(transcriptFrame("stream-1", "wait", false))
	if err != nil {
		t.Fatalf("process interim: %v", err)
	}
	if len(out) != 1 || out[0].Kind() != frames.KindControl {
		t.Fatalf("expected interruption control frame, got %v", out)
	}
	cf := out[0].(frames.ControlFrame)
	if cf.Code() != frames.ControlStartInterruption {
		t.Fatalf("control code = %s", cf.Code())
	}
	ctrl.Wait()
	close(gen.ch)

	var cancelled bool
	for _, f := range em.snapshot() {
		if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == frames.SystemTurnCancelled {
			cancelled = true
		}
	}
	if !cancelled {
		t.Fatalf("expected cancelled boundary after barge-in")
	}
}

func TestTurnProcessorIgnoresInterimWithoutBargeIn(t *testing.T) {
	em := &frameCapture{}
	ctrl := newTestController(em, "reply")
	proc := NewTurnProcessor(ctrl)

	out, err := proc.Process(transcriptFrame("stream-1", "um", false))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != nil {
		t.Fatalf("interim without barge-in must be consumed silently")
	}
}

func TestTurnProcessorPassesResponderTextThrough(t *testing.T) {
	em := &frameCapture{}
	ctrl := newTestController(em, "reply")
	proc := NewTurnProcessor(ctrl)

	tf := responderText("stream-1", "Hi")
	out, err := proc.Process(tf)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("responder fragment must pass through")
	}
}

// feedThroughGen streams fragments fed by the test until its channel closes.
type feedThroughGen struct {
	ch      chan string
	started chan struct{}
}

func newFeedThroughGen() *feedThroughGen {
	return &feedThroughGen{ch: make(chan string), started: make(chan struct{})}
}

func (g *feedThroughGen) Name() string { return "feed" }

func (g *feedThroughGen) Generate(ctx context.Context, history []convo.Message) (<-chan string, error) {
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
