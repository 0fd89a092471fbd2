package turnctl

import (
	"strconv"

	"github.com/voxwire/voxwire/pkg/frames"
)

// Emitter receives the ordered frame sequence of a turn. Implementations
// must be safe for use from the turn goroutine.
type Emitter interface {
	Emit(frame frames.Frame) error
}

func NewTurnStartFrame(streamID string, pts int64, turnID string) frames.SystemFrame {
	return frames.NewSystemFrame(streamID, pts, frames.SystemTurnStart, map[string]string{
		frames.MetaTurnID: turnID,
		frames.MetaSource: frames.SourceResponder,
	})
}

func NewTurnEndFrame(streamID string, pts int64, turnID string) frames.SystemFrame {
	return frames.NewSystemFrame(streamID, pts, frames.SystemTurnEnd, map[string]string{
		frames.MetaTurnID: turnID,
		frames.MetaSource: frames.SourceResponder,
	})
}

func NewTurnCancelledFrame(streamID string, pts int64, turnID, reason string) frames.SystemFrame {
	return frames.NewSystemFrame(streamID, pts, frames.SystemTurnCancelled, map[string]string{
		frames.MetaTurnID: turnID,
		frames.MetaReason: reason,
		frames.MetaSource: frames.SourceResponder,
	})
}

func NewFragmentFrame(streamID string, pts int64, turnID string, seq int, text string) frames.TextFrame {
	return frames.NewTextFrame(streamID, pts, text, map[string]string{
		frames.MetaTurnID: turnID,
		frames.MetaSeq:    strconv.Itoa(seq),
		frames.MetaRole:   "assistant",
		frames.MetaSource: frames.SourceResponder,
	})
}
