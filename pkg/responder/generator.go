package responder

import (
	"context"

	"github.com/voxwire/voxwire/pkg/convo"
)

// Generator produces a streamed reply for the conversation so far. The
// returned channel is lazy and finite: fragments appear as they are
// produced and the channel closes when the reply is complete. Cancelling
// ctx truncates the stream; a truncated stream cannot be resumed, callers
// start a fresh one on the next turn.
type Generator interface {
	Generate(ctx context.Context, history []convo.Message) (<-chan string, error)
	Name() string
}
