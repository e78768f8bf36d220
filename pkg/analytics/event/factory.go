package event

import (
	"time"

	"github.com/google/uuid"

	aerrors "github.com/randalmurphal/analytics/pkg/analytics/errors"
	"github.com/randalmurphal/analytics/pkg/analytics/identity"
)

// MessageIDPrefix starts every generated message id.
const MessageIDPrefix = "ajs-next-"

// Factory builds normalized events from tracking call arguments.
type Factory struct {
	identity identity.Provider
	settings map[string]any
	now      func() time.Time
	newID    func() string
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithDestinationSettings sets the initialization-time destination settings.
// Only their enabled state reaches events, never the settings themselves.
func WithDestinationSettings(settings map[string]any) FactoryOption {
	return func(f *Factory) {
		f.settings = settings
	}
}

// WithClock overrides the construction time source.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *Factory) {
		f.now = now
	}
}

// WithMessageIDGenerator overrides message id generation.
func WithMessageIDGenerator(fn func() string) FactoryOption {
	return func(f *Factory) {
		f.newID = fn
	}
}

// NewFactory creates a Factory resolving user ids from provider.
func NewFactory(provider identity.Provider, opts ...FactoryOption) *Factory {
	f := &Factory{
		identity: provider,
		now:      time.Now,
		newID: func() string {
			return MessageIDPrefix + uuid.NewString()
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Track builds a track event.
func (f *Factory) Track(name string, properties any, opts Options, integrations map[string]any) (*Event, error) {
	if name == "" {
		return nil, &aerrors.ValidationError{Field: "event", Message: "event name is required"}
	}
	props, err := ToObject("properties", properties)
	if err != nil {
		return nil, err
	}
	return f.normalize(&Event{
		Type:       TypeTrack,
		Event:      name,
		Properties: orEmpty(cloneMap(props)),
	}, opts, integrations)
}

// Page builds a page event. name and category are copied into properties
// unless already present there.
func (f *Factory) Page(category, name string, properties any, opts Options, integrations map[string]any) (*Event, error) {
	return f.view(TypePage, category, name, properties, opts, integrations)
}

// Screen builds a screen event with the same shape as Page.
func (f *Factory) Screen(category, name string, properties any, opts Options, integrations map[string]any) (*Event, error) {
	return f.view(TypeScreen, category, name, properties, opts, integrations)
}

func (f *Factory) view(t Type, category, name string, properties any, opts Options, integrations map[string]any) (*Event, error) {
	props, err := ToObject("properties", properties)
	if err != nil {
		return nil, err
	}
	props = orEmpty(cloneMap(props))
	if _, ok := props["name"]; !ok && name != "" {
		props["name"] = name
	}
	if _, ok := props["category"]; !ok && category != "" {
		props["category"] = category
	}
	return f.normalize(&Event{
		Type:       t,
		Name:       name,
		Category:   category,
		Properties: props,
	}, opts, integrations)
}

// Identify builds an identify event. An empty userID falls back to the
// identity provider.
func (f *Factory) Identify(userID string, traits any, opts Options, integrations map[string]any) (*Event, error) {
	t, err := ToObject("traits", traits)
	if err != nil {
		return nil, err
	}
	if userID != "" && opts.UserID == "" {
		opts.UserID = userID
	}
	return f.normalize(&Event{
		Type:   TypeIdentify,
		Traits: orEmpty(cloneMap(t)),
	}, opts, integrations)
}

// Group builds a group event.
func (f *Factory) Group(groupID string, traits any, opts Options, integrations map[string]any) (*Event, error) {
	if groupID == "" {
		return nil, &aerrors.ValidationError{Field: "groupId", Message: "group id is required"}
	}
	t, err := ToObject("traits", traits)
	if err != nil {
		return nil, err
	}
	return f.normalize(&Event{
		Type:    TypeGroup,
		GroupID: groupID,
		Traits:  orEmpty(cloneMap(t)),
	}, opts, integrations)
}

// Alias builds an alias event linking from to to. An empty from falls back
// to the current user id, then the anonymous id.
func (f *Factory) Alias(to, from string, opts Options, integrations map[string]any) (*Event, error) {
	if to == "" {
		return nil, &aerrors.ValidationError{Field: "userId", Message: "alias target is required"}
	}
	if from == "" && f.identity != nil {
		from = f.identity.ID()
		if from == "" {
			from = f.identity.AnonymousID()
		}
	}
	if opts.UserID == "" {
		opts.UserID = to
	}
	return f.normalize(&Event{
		Type:       TypeAlias,
		PreviousID: from,
	}, opts, integrations)
}

// normalize applies the option and integration rules shared by every call.
func (f *Factory) normalize(e *Event, opts Options, override map[string]any) (*Event, error) {
	e.Integrations = f.integrations(opts.Integrations, override)
	e.Context = buildContext(opts)

	e.Timestamp = opts.Timestamp
	if e.Timestamp.IsZero() {
		e.Timestamp = f.now()
	}
	e.Timestamp = e.Timestamp.UTC()

	e.MessageID = opts.MessageID
	if e.MessageID == "" {
		e.MessageID = f.newID()
	}

	e.UserID = opts.UserID
	e.AnonymousID = opts.AnonymousID
	if f.identity != nil {
		if e.UserID == "" {
			e.UserID = f.identity.ID()
		}
		if e.AnonymousID == "" {
			e.AnonymousID = f.identity.AnonymousID()
		}
	}
	if e.UserID == "" && e.AnonymousID == "" {
		return nil, &aerrors.ValidationError{Field: "userId", Message: "either userId or anonymousId is required"}
	}

	return e, nil
}

// integrations merges, lowest precedence first: enabled flags derived from
// the destination settings, opts.Integrations, then the per-call override.
func (f *Factory) integrations(fromOptions, override map[string]any) map[string]any {
	merged := make(map[string]any, len(f.settings)+len(fromOptions)+len(override))
	for name, setting := range f.settings {
		merged[name] = enabledFlag(setting)
	}
	mergeIntegrations(merged, fromOptions)
	mergeIntegrations(merged, override)
	if len(merged) == 0 {
		return nil
	}
	return merged
}

func enabledFlag(setting any) bool {
	switch s := setting.(type) {
	case nil:
		return false
	case bool:
		return s
	default:
		return true
	}
}

// mergeIntegrations folds src into dst. Two objects under the same key are
// merged key by key; anything else, booleans included, replaces the entry.
func mergeIntegrations(dst, src map[string]any) {
	for name, value := range src {
		next, nextIsObj := value.(map[string]any)
		prev, prevIsObj := dst[name].(map[string]any)
		if nextIsObj && prevIsObj {
			combined := cloneMap(prev)
			for k, v := range next {
				combined[k] = cloneValue(v)
			}
			dst[name] = combined
			continue
		}
		dst[name] = cloneValue(value)
	}
}

// buildContext assembles event.context: opts.Context first, then traits,
// then non-reserved keys, which win on collision.
func buildContext(opts Options) map[string]any {
	ctx := cloneMap(opts.Context)
	if ctx == nil {
		ctx = make(map[string]any, len(opts.Extra)+1)
	}
	if opts.Traits != nil {
		ctx[OptionTraits] = cloneMap(opts.Traits)
	}
	for k, v := range opts.Extra {
		ctx[k] = cloneValue(v)
	}
	if len(ctx) == 0 {
		return nil
	}
	return ctx
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
