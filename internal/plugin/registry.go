// Package plugin implements the per-instance event handler chain. The
// handler set is compiled in and fixed at process start; what varies per
// instance is the enablement override map held by each Chain.
package plugin

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"wagate/internal/model"
	"wagate/internal/wa"
)

// Config is the plugin's declared default configuration.
type Config struct {
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Event is the typed envelope handed to every enabled plugin.
type Event struct {
	Phone     string
	Kind      string // "message" | "group-participants"
	Transport Texter
	Message   *wa.MessageInfo
	Group     *wa.GroupParticipantsEvent
	Stored    *model.Message // persisted row for message events, nil when persistence failed
}

// Texter is the narrow send capability plugins use to reply on the chat
// service.
type Texter interface {
	SendText(ctx context.Context, jid, text string) (string, error)
}

// Plugin is one event handler. Handlers must be safe for concurrent use by
// a single chain and are expected to be idempotent with respect to effects
// on the chat service.
type Plugin interface {
	Name() string
	Config() Config
	Handle(ctx context.Context, evt *Event) error
}

// Factory builds a fresh plugin instance. Each Chain gets its own
// instances so plugin state (timers, batches) stays scoped to one
// gateway instance.
type Factory func(log zerolog.Logger) (Plugin, error)

// Registry holds the factories discovered at startup plus one prototype
// per plugin for metadata queries.
type Registry struct {
	log zerolog.Logger

	mu         sync.RWMutex
	factories  map[string]Factory
	prototypes map[string]Plugin
	order      []string
}

// NewRegistry loads the built-in plugin set. A factory that fails is
// logged and skipped; the others still load.
func NewRegistry(log zerolog.Logger) *Registry {
	r := &Registry{
		log:        log.With().Str("component", "plugins").Logger(),
		factories:  map[string]Factory{},
		prototypes: map[string]Plugin{},
	}
	r.Reload()
	return r
}

// builtinFactories is the fixed plugin set shipped with the gateway.
func builtinFactories() []Factory {
	return []Factory{
		func(log zerolog.Logger) (Plugin, error) { return NewWelcome(log), nil },
		func(log zerolog.Logger) (Plugin, error) { return NewAutoReply(log), nil },
	}
}

// Reload drops every loaded handler and re-instantiates the built-in set.
func (r *Registry) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = map[string]Factory{}
	r.prototypes = map[string]Plugin{}
	r.order = nil
	for _, f := range builtinFactories() {
		p, err := f(r.log)
		if err != nil {
			r.log.Error().Err(err).Msg("plugin failed to load, skipping")
			continue
		}
		name := p.Name()
		r.factories[name] = f
		r.prototypes[name] = p
		r.order = append(r.order, name)
		r.log.Info().Str("plugin", name).Bool("default_enabled", p.Config().Enabled).Msg("plugin loaded")
	}
}

// Names returns the loaded plugin names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Describe returns the declared default config for one plugin.
func (r *Registry) Describe(name string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prototypes[name]
	if !ok {
		return Config{}, false
	}
	return p.Config(), true
}

// instantiate builds fresh plugin instances for one chain.
func (r *Registry) instantiate(log zerolog.Logger) map[string]Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Plugin, len(r.factories))
	for name, f := range r.factories {
		p, err := f(log)
		if err != nil {
			r.log.Error().Err(err).Str("plugin", name).Msg("plugin instantiation failed")
			continue
		}
		out[name] = p
	}
	return out
}
