package qq

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/nextlevelbuilder/qqbridge/internal/bus"
	"github.com/nextlevelbuilder/qqbridge/internal/channels"
	"github.com/nextlevelbuilder/qqbridge/internal/config"
	"github.com/nextlevelbuilder/qqbridge/internal/sessions"
	"github.com/nextlevelbuilder/qqbridge/internal/store"
)

// LoaderDeps are the collaborators shared by every account channel.
type LoaderDeps struct {
	Bus      bus.MessageRouter
	Pairing  store.PairingStore
	Sessions *sessions.Manager
	Registry *Registry
	Tokens   *TokenCache
	Env      EnvFallback
}

// Loader builds one Channel per enabled account and keeps the channel
// manager in sync with the config. Accounts whose resolved settings did not
// change keep their running channel across reloads.
type Loader struct {
	deps    LoaderDeps
	manager *channels.Manager

	mu     sync.Mutex
	loaded map[string]*Channel
}

func NewLoader(deps LoaderDeps, mgr *channels.Manager) *Loader {
	return &Loader{deps: deps, manager: mgr, loaded: make(map[string]*Channel)}
}

// LoadAll registers a channel for every enabled account without starting it;
// the manager's StartAll does that.
func (l *Loader) LoadAll(cfg *config.Config) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.build(cfg)
	for name, ch := range next {
		l.manager.RegisterChannel(name, ch)
	}
	l.loaded = next
	return len(next)
}

// Reload applies cfg: new or changed accounts get a fresh channel, removed or
// disabled ones are stopped.
func (l *Loader) Reload(ctx context.Context, cfg *config.Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.build(cfg)
	set := make(map[string]channels.Channel, len(next))
	for name, ch := range next {
		set[name] = ch
	}
	l.manager.Reload(ctx, set)
	l.loaded = next
	slog.Info("qq accounts reloaded", "count", len(next))
}

// LoadedNames returns the channel names currently managed by the loader.
func (l *Loader) LoadedNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.loaded))
	for name := range l.loaded {
		names = append(names, name)
	}
	return names
}

type channelSettings struct {
	account  Account
	commands config.CommandsConfig
	agentID  string
	dmScope  string
}

// build resolves every account in cfg (caller holds l.mu).
func (l *Loader) build(cfg *config.Config) map[string]*Channel {
	resolver := NewResolver(cfg.QQ(), l.deps.Env)
	next := make(map[string]*Channel)

	for _, id := range resolver.AccountIDs() {
		acct := resolver.Resolve(id)
		if !acct.Enabled {
			slog.Info("qq account disabled", "account", id)
			continue
		}
		want := channelSettings{
			account:  acct,
			commands: cfg.Commands,
			agentID:  cfg.Agent.AgentID,
			dmScope:  cfg.Agent.DMScope,
		}
		name := "qq:" + acct.AccountID
		if old, ok := l.loaded[name]; ok && reflect.DeepEqual(old.settings(), want) {
			next[name] = old
			continue
		}
		next[name] = New(Options{
			Account:  acct,
			Bus:      l.deps.Bus,
			Pairing:  l.deps.Pairing,
			Sessions: l.deps.Sessions,
			Registry: l.deps.Registry,
			Tokens:   l.deps.Tokens,
			Commands: cfg.Commands,
			AgentID:  cfg.Agent.AgentID,
			DMScope:  cfg.Agent.DMScope,
		})
	}
	return next
}
