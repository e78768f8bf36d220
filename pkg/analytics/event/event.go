// Package event builds normalized analytics events and the Context envelope
// that carries one event through the plugin pipeline and delivery.
package event

import (
	"time"
)

// Type identifies the tracking call that produced an event.
type Type string

// Event types.
const (
	TypeTrack    Type = "track"
	TypeIdentify Type = "identify"
	TypeGroup    Type = "group"
	TypePage     Type = "page"
	TypeAlias    Type = "alias"
	TypeScreen   Type = "screen"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeTrack, TypeIdentify, TypeGroup, TypePage, TypeAlias, TypeScreen:
		return true
	}
	return false
}

// Event is one normalized tracking call in its wire shape.
type Event struct {
	Type        Type      `json:"type"`
	MessageID   string    `json:"messageId"`
	Timestamp   time.Time `json:"timestamp"`
	UserID      string    `json:"userId,omitempty"`
	AnonymousID string    `json:"anonymousId,omitempty"`

	// Event is the track event name.
	Event string `json:"event,omitempty"`

	// Name and Category are set by page and screen calls.
	Name     string `json:"name,omitempty"`
	Category string `json:"category,omitempty"`

	GroupID    string `json:"groupId,omitempty"`
	PreviousID string `json:"previousId,omitempty"`

	Properties   map[string]any `json:"properties,omitempty"`
	Traits       map[string]any `json:"traits,omitempty"`
	Integrations map[string]any `json:"integrations,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// Clone returns a deep copy of e. Nested maps and slices are copied so a
// destination can transform its copy without affecting others.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Properties = cloneMap(e.Properties)
	c.Traits = cloneMap(e.Traits)
	c.Integrations = cloneMap(e.Integrations)
	c.Context = cloneMap(e.Context)
	return &c
}

// Enabled reports whether delivery to the named destination is allowed by the
// event's integrations map. An explicit entry for name wins; otherwise
// "All": false disables everything not explicitly enabled.
func (e *Event) Enabled(name string) bool {
	if e == nil || e.Integrations == nil {
		return true
	}
	if v, ok := e.Integrations[name]; ok {
		if b, isBool := v.(bool); isBool {
			return b
		}
		// A settings object means enabled.
		return true
	}
	if all, ok := e.Integrations["All"].(bool); ok {
		return all
	}
	return true
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
