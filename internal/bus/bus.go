package bus

import (
	"context"
	"log/slog"
	"sync/atomic"
)

const defaultBufferSize = 100

// MessageBus is the in-process MessageRouter. Publishing blocks while the
// buffer is full and becomes a no-op once the bus is closed.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
	closed   atomic.Bool
}

// New creates a MessageBus with the default buffer size.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultBufferSize),
		outbound: make(chan OutboundMessage, defaultBufferSize),
		done:     make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	if mb.closed.Load() {
		slog.Warn("bus closed, dropping inbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	select {
	case mb.inbound <- msg:
	case <-mb.done:
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	case <-mb.done:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	if mb.closed.Load() {
		slog.Warn("bus closed, dropping outbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	select {
	case mb.outbound <- msg:
	case <-mb.done:
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		return msg, ok
	case <-mb.done:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Close unblocks every publisher and consumer. Safe to call more than once.
func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}

var _ MessageRouter = (*MessageBus)(nil)
