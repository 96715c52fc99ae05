// Package stream bridges reasoning runs to streaming consumers. The adapter
// turns one engine run into a bounded, ordered event channel; the websocket
// handler serves that channel over the wire.
package stream

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dossierbot/dossier/agent"
)

// defaultBuffer is the event channel capacity. The engine blocks once the
// consumer falls this far behind; events are never dropped or reordered.
const defaultBuffer = 32

// Adapter exposes engine runs as event channels.
type Adapter struct {
	engine *agent.Engine
	logger *zap.Logger
	buffer int
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithBuffer sets the event channel capacity.
func WithBuffer(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.buffer = n
		}
	}
}

// NewAdapter wraps an engine for streaming consumption.
func NewAdapter(engine *agent.Engine, opts ...Option) *Adapter {
	a := &Adapter{
		engine: engine,
		logger: zap.NewNop(),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "stream"))
	return a
}

// Message starts a run for one user message and returns its event channel.
// The channel carries events in emission order and is closed when the run
// terminates. A rejected run (admission or busy conversation) yields a single
// error event; no conversation state was created and nothing was persisted.
func (a *Adapter) Message(ctx context.Context, conversationID, userMessage string) <-chan agent.Event {
	ch := make(chan agent.Event, a.buffer)

	sink := agent.SinkFunc(func(ev agent.Event) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	})

	go func() {
		defer close(ch)
		st, err := a.engine.Run(ctx, conversationID, userMessage, sink)
		if err != nil && st == nil {
			// Rejected before a run existed: the engine emitted nothing, so
			// the rejection becomes the channel's only event.
			sink.Emit(agent.Event{
				Type:           agent.EventError,
				ConversationID: conversationID,
				Timestamp:      time.Now(),
				Status:         agent.StatusAborted,
				Reason:         err.Error(),
			})
			a.logger.Warn("run rejected",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
		}
	}()

	return ch
}

// Collect drains a run's channel and returns the terminal event. Intended for
// non-streaming callers that only want the final answer.
func (a *Adapter) Collect(ctx context.Context, conversationID, userMessage string) (agent.Event, bool) {
	var last agent.Event
	var seen bool
	for ev := range a.Message(ctx, conversationID, userMessage) {
		last = ev
		seen = true
	}
	return last, seen
}
