package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Status is the effective view of one plugin on one instance.
type Status struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Chain holds the per-instance plugin instances and the enablement
// override map. New instances start with every plugin disabled regardless
// of the plugin's own default flag; enabling is always an explicit act.
type Chain struct {
	phone string
	log   zerolog.Logger

	mu        sync.RWMutex
	overrides map[string]bool
	plugins   map[string]Plugin
}

// NewChain instantiates every registered plugin for one instance.
func NewChain(reg *Registry, phone string, log zerolog.Logger) *Chain {
	chainLog := log.With().Str("component", "plugin-chain").Str("phone", phone).Logger()
	return &Chain{
		phone:     phone,
		log:       chainLog,
		overrides: map[string]bool{},
		plugins:   reg.instantiate(chainLog),
	}
}

// Statuses returns the effective enablement of every plugin, sorted by name.
func (c *Chain) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, 0, len(c.plugins))
	for name, p := range c.plugins {
		out = append(out, Status{
			Name:        name,
			Enabled:     c.overrides[name],
			Description: p.Config().Description,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Enable turns one plugin on for this instance.
func (c *Chain) Enable(name string) error {
	return c.set(name, true)
}

// Disable turns one plugin off for this instance.
func (c *Chain) Disable(name string) error {
	return c.set(name, false)
}

func (c *Chain) set(name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.plugins[name]; !ok {
		return fmt.Errorf("unknown plugin %q", name)
	}
	c.overrides[name] = enabled
	return nil
}

// SetMap applies a partial override map; names missing from m keep their
// current value. Unknown names are ignored with a warning.
func (c *Chain) SetMap(m map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, enabled := range m {
		if _, ok := c.plugins[name]; !ok {
			c.log.Warn().Str("plugin", name).Msg("ignoring override for unknown plugin")
			continue
		}
		c.overrides[name] = enabled
	}
}

// Overrides returns a copy of the current override map.
func (c *Chain) Overrides() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.overrides))
	for k, v := range c.overrides {
		out[k] = v
	}
	return out
}

// SyncFromStore replaces the override map with the persisted value and
// logs the diff.
func (c *Chain) SyncFromStore(stored map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.plugins {
		was := c.overrides[name]
		now := stored[name]
		if was != now {
			c.log.Info().Str("plugin", name).Bool("was", was).Bool("now", now).Msg("plugin override synced")
		}
	}
	c.overrides = map[string]bool{}
	for name, enabled := range stored {
		if _, ok := c.plugins[name]; ok {
			c.overrides[name] = enabled
		}
	}
}

// Dispatch runs every enabled plugin concurrently and waits for all of
// them to settle. Failures (errors and panics) are logged with the plugin
// name and instance phone; they never reach the caller.
func (c *Chain) Dispatch(ctx context.Context, evt *Event) {
	c.mu.RLock()
	var enabled []Plugin
	for name, p := range c.plugins {
		if c.overrides[name] {
			enabled = append(enabled, p)
		}
	}
	c.mu.RUnlock()
	if len(enabled) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, p := range enabled {
		wg.Add(1)
		go func(p Plugin) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Str("plugin", p.Name()).Str("phone", c.phone).
						Interface("panic", r).Msg("plugin panicked")
				}
			}()
			if err := p.Handle(ctx, evt); err != nil {
				c.log.Error().Err(err).Str("plugin", p.Name()).Str("phone", c.phone).Msg("plugin failed")
			}
		}(p)
	}
	wg.Wait()
}
