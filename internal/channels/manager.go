package channels

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/nextlevelbuilder/qqbridge/internal/bus"
)

// StatusProvider is implemented by channels that can describe themselves
// beyond the running flag.
type StatusProvider interface {
	Status() map[string]any
}

// Manager owns the registered channel set and drains the outbound bus,
// handing each reply to the channel named in it.
type Manager struct {
	bus bus.MessageRouter

	mu       sync.RWMutex
	channels map[string]Channel
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

func NewManager(msgBus bus.MessageRouter) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

func startChannel(ctx context.Context, name string, ch Channel) {
	slog.Info("channel starting", "channel", name)
	if err := ch.Start(ctx); err != nil {
		slog.Error("channel start failed", "channel", name, "error", err)
	}
}

func stopChannel(ctx context.Context, name string, ch Channel) {
	slog.Info("channel stopping", "channel", name)
	if err := ch.Stop(ctx); err != nil {
		slog.Error("channel stop failed", "channel", name, "error", err)
	}
}

// StartAll starts every registered channel and the outbound loop. The loop
// runs even with no channels since Reload may add some later.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	m.stopLoop = cancel
	m.loopDone = make(chan struct{})
	go m.deliverOutbound(loopCtx, m.loopDone)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}
	for name, ch := range m.channels {
		startChannel(ctx, name, ch)
	}
	slog.Info("channels started", "count", len(m.channels))
	return nil
}

// StopAll stops the outbound loop first so no reply races a stopping channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.stopLoop, m.loopDone
	m.stopLoop, m.loopDone = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		stopChannel(ctx, name, ch)
	}
	slog.Info("channels stopped", "count", len(m.channels))
	return nil
}

// Reload makes next the registered set. A channel present in both sets as
// the same value keeps running; everything else is stopped or started.
func (m *Manager) Reload(ctx context.Context, next map[string]Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, cur := range m.channels {
		if repl, ok := next[name]; ok && repl == cur {
			continue
		}
		stopChannel(ctx, name, cur)
		delete(m.channels, name)
	}
	for name, ch := range next {
		if _, ok := m.channels[name]; ok {
			continue
		}
		m.channels[name] = ch
		startChannel(ctx, name, ch)
	}
}

func (m *Manager) deliverOutbound(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("outbound loop stopped")
			return
		}
		ch, found := m.GetChannel(msg.Channel)
		if !found {
			slog.Warn("outbound: no such channel", "channel", msg.Channel, "chat_id", msg.ChatID)
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("outbound: send failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// GetStatus reports every channel, keyed by name.
func (m *Manager) GetStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]any, len(m.channels))
	for name, ch := range m.channels {
		if sp, ok := ch.(StatusProvider); ok {
			out[name] = sp.Status()
		} else {
			out[name] = map[string]any{"running": ch.IsRunning()}
		}
	}
	return out
}

// GetEnabledChannels returns the registered channel names, sorted.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (m *Manager) RegisterChannel(name string, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}
