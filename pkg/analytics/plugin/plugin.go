// Package plugin runs events through an ordered chain of plugins.
package plugin

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/analytics/pkg/analytics/config"
	"github.com/randalmurphal/analytics/pkg/analytics/event"
)

// Type decides when a plugin runs relative to the others.
type Type string

// Plugin types in execution order.
const (
	TypeBefore      Type = "before"
	TypeEnrichment  Type = "enrichment"
	TypeDestination Type = "destination"
	TypeAfter       Type = "after"
)

// order is the execution order of plugin types.
var order = []Type{TypeBefore, TypeEnrichment, TypeDestination, TypeAfter}

// Valid reports whether t is a known plugin type.
func (t Type) Valid() bool {
	for _, o := range order {
		if t == o {
			return true
		}
	}
	return false
}

// StageFunc handles one event type. It returns the Context to continue
// with; returning nil keeps the one passed in.
type StageFunc func(ctx context.Context, c *event.Context) (*event.Context, error)

// Instance is the client a plugin is loaded into.
type Instance interface {
	Logger() *slog.Logger
	// Settings returns the initialization-time settings for one destination.
	Settings(name string) config.Config
}

// Plugin is a named unit of work. Only the stage slots that are set are
// invoked; a plugin without a slot for an event type is skipped for it.
type Plugin struct {
	Name    string
	Version string
	Type    Type

	// Load is called once on registration. Optional.
	Load func(ctx context.Context, c *event.Context, inst Instance) error
	// IsLoaded gates destinations. Nil means loaded once Load returned.
	IsLoaded func() bool
	// Unload is called on deregistration. Optional.
	Unload func(ctx context.Context, c *event.Context, inst Instance) error

	Track    StageFunc
	Identify StageFunc
	Page     StageFunc
	Group    StageFunc
	Alias    StageFunc
	Screen   StageFunc
}

// Stage returns the slot handling events of type t, or nil.
func (p *Plugin) Stage(t event.Type) StageFunc {
	switch t {
	case event.TypeTrack:
		return p.Track
	case event.TypeIdentify:
		return p.Identify
	case event.TypePage:
		return p.Page
	case event.TypeGroup:
		return p.Group
	case event.TypeAlias:
		return p.Alias
	case event.TypeScreen:
		return p.Screen
	}
	return nil
}

// All returns a copy of p with fn in every stage slot.
func (p Plugin) All(fn StageFunc) *Plugin {
	p.Track, p.Identify, p.Page = fn, fn, fn
	p.Group, p.Alias, p.Screen = fn, fn, fn
	return &p
}

// SourceMiddleware transforms an event before any plugin runs. Returning nil
// cancels the Context.
type SourceMiddleware func(ctx context.Context, e *event.Event) *event.Event

// DestinationMiddleware transforms the copy of an event bound for a single
// destination. Returning nil skips that destination.
type DestinationMiddleware func(ctx context.Context, destination string, e *event.Event) *event.Event

type eventKey struct{}

// EventFor returns the event a destination stage should deliver: the copy
// owned by that destination after its destination middleware ran. A
// destination stage receives a view whose c.Event() is the same copy.
// Outside a destination stage it is c.Event().
func EventFor(ctx context.Context, c *event.Context) *event.Event {
	if e, ok := ctx.Value(eventKey{}).(*event.Event); ok && e != nil {
		return e
	}
	return c.Event()
}

// BasicInstance is a minimal Instance backed by a logger and a settings map.
type BasicInstance struct {
	Log          *slog.Logger
	Integrations map[string]any
}

// Logger implements Instance.
func (b BasicInstance) Logger() *slog.Logger {
	if b.Log == nil {
		return slog.Default()
	}
	return b.Log
}

// Settings implements Instance.
func (b BasicInstance) Settings(name string) config.Config {
	return config.New(b.Integrations).Sub(name)
}
