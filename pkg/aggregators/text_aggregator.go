package aggregators

import (
	"strings"
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/frames"
	"github.com/voxwire/voxwire/pkg/pipeline"
)

// TextAggregator joins buffered tokens onto final transcript segments before
// they reach the turn stage. Interim transcripts and responder output pass
// through untouched; interims stay live so the turn stage can react to user
// speech mid-turn, and buffering cumulative interims would duplicate their
// text in the flushed utterance.
type TextAggregator struct {
	mu          sync.Mutex
	cfg         AggregatorConfig
	sb          strings.Builder
	tokenCount  int
	firstPTS    int64
	streamID    string
	meta        map[string]string
	lastTokenAt time.Time
	history     []string
}

func NewTextAggregator(cfg AggregatorConfig) *TextAggregator {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 10
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 300 * time.Millisecond
	}
	return &TextAggregator{cfg: cfg}
}

func (a *TextAggregator) Configure(cfg AggregatorConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cfg.MaxHistory > 0 {
		a.cfg.MaxHistory = cfg.MaxHistory
	}
	if cfg.FlushTimeout > 0 {
		a.cfg.FlushTimeout = cfg.FlushTimeout
	}
	return nil
}

func (a *TextAggregator) AddToken(tok string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sb.WriteString(tok)
	a.tokenCount++
	a.lastTokenAt = time.Now()
}

func (a *TextAggregator) Flush() string {
	f := a.FlushFrame()
	if f != nil {
		return f.Text()
	}
	return ""
}

func (a *TextAggregator) FlushFrame() *frames.TextFrame {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := strings.TrimSpace(a.sb.String())
	if out == "" {
		return nil
	}

	tf := frames.NewTextFrame(a.streamID, a.firstPTS, out, finalMeta(a.meta))

	a.reset()
	a.appendHistory(out)

	return &tf
}

func (a *TextAggregator) Name() string { return "text_aggregator" }

func (a *TextAggregator) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindText:
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		if meta[frames.MetaSource] != frames.SourceTranscript {
			return []frames.Frame{f}, nil
		}
		if meta[frames.MetaIsFinal] != "true" {
			// Interims pass through live for barge-in detection.
			return []frames.Frame{f}, nil
		}
		a.mu.Lock()
		if a.firstPTS == 0 {
			a.firstPTS = tf.PTS()
			a.streamID = meta[frames.MetaStreamID]
			a.meta = meta
		}
		a.sb.WriteString(tf.Text())
		final := strings.TrimSpace(a.sb.String())
		if final == "" {
			a.reset()
			a.mu.Unlock()
			return nil, nil
		}
		// A final segment always flushes, however short.
		out := frames.NewTextFrame(a.streamID, a.firstPTS, final, finalMeta(a.meta))
		a.reset()
		a.appendHistory(final)
		a.mu.Unlock()
		return []frames.Frame{out}, nil
	case frames.KindControl:
		// speech_final and utterance_end controls force whatever is
		// buffered out ahead of the control frame.
		cf := f.(frames.ControlFrame)
		if cf.Code() == frames.ControlFlush {
			a.mu.Lock()
			text := strings.TrimSpace(a.sb.String())
			if text != "" {
				out := frames.NewTextFrame(a.streamID, a.firstPTS, text, finalMeta(a.meta))
				a.reset()
				a.appendHistory(text)
				a.mu.Unlock()
				return []frames.Frame{out, f}, nil
			}
			a.mu.Unlock()
		}
		return []frames.Frame{f}, nil
	default:
		a.mu.Lock()
		text := strings.TrimSpace(a.sb.String())
		timeout := time.Since(a.lastTokenAt) > a.cfg.FlushTimeout && a.tokenCount > 0
		if timeout && text != "" {
			out := frames.NewTextFrame(a.streamID, a.firstPTS, text, finalMeta(a.meta))
			a.reset()
			a.appendHistory(text)
			a.mu.Unlock()
			return []frames.Frame{out, f}, nil
		}
		a.mu.Unlock()
		return []frames.Frame{f}, nil
	}
}

func (a *TextAggregator) reset() {
	a.sb.Reset()
	a.tokenCount = 0
	a.firstPTS = 0
	a.streamID = ""
	a.meta = nil
}

func finalMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[frames.MetaIsFinal] = "true"
	return out
}

var _ pipeline.FrameProcessor = (*TextAggregator)(nil)

func (a *TextAggregator) appendHistory(text string) {
	if a.cfg.MaxHistory <= 0 {
		return
	}
	a.history = append(a.history, text)
	if len(a.history) > a.cfg.MaxHistory {
		a.history = a.history[len(a.history)-a.cfg.MaxHistory:]
	}
}

func (a *TextAggregator) History() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.history))
	copy(out, a.history)
	return out
}
