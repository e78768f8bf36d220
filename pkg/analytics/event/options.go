package event

import (
	"fmt"
	"reflect"
	"time"

	aerrors "github.com/randalmurphal/analytics/pkg/analytics/errors"
)

// Reserved option keys. Every other key in a free-form options object is
// moved into the event context.
const (
	OptionTimestamp    = "timestamp"
	OptionAnonymousID  = "anonymousId"
	OptionUserID       = "userId"
	OptionContext      = "context"
	OptionIntegrations = "integrations"
	OptionTraits       = "traits"
	OptionMessageID    = "messageId"
)

// Options are the per-call overrides accepted by every tracking call.
// Zero values mean "not supplied".
type Options struct {
	Timestamp    time.Time
	AnonymousID  string
	UserID       string
	MessageID    string
	Context      map[string]any
	Integrations map[string]any

	// Traits are copied to event.context.traits.
	Traits map[string]any

	// Extra holds non-reserved keys; they end up in event.context.
	Extra map[string]any
}

// OptionsFromMap splits a free-form options object into the reserved fields
// and Extra. Reserved keys with the wrong shape fail with a ValidationError.
func OptionsFromMap(m map[string]any) (Options, error) {
	var opts Options
	for key, value := range m {
		switch key {
		case OptionTimestamp:
			ts, err := parseTimestamp(value)
			if err != nil {
				return Options{}, &aerrors.ValidationError{Field: key, Message: err.Error()}
			}
			opts.Timestamp = ts
		case OptionAnonymousID, OptionUserID, OptionMessageID:
			s, ok := value.(string)
			if !ok && value != nil {
				return Options{}, &aerrors.ValidationError{Field: key, Message: "must be a string"}
			}
			switch key {
			case OptionAnonymousID:
				opts.AnonymousID = s
			case OptionUserID:
				opts.UserID = s
			default:
				opts.MessageID = s
			}
		case OptionContext, OptionIntegrations, OptionTraits:
			obj, err := ToObject(key, value)
			if err != nil {
				return Options{}, err
			}
			switch key {
			case OptionContext:
				opts.Context = obj
			case OptionIntegrations:
				opts.Integrations = obj
			default:
				opts.Traits = obj
			}
		default:
			if opts.Extra == nil {
				opts.Extra = make(map[string]any)
			}
			opts.Extra[key] = value
		}
	}
	return opts, nil
}

func parseTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return ts, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return time.Time{}, fmt.Errorf("must be an RFC 3339 time: %w", err)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("must be a time or RFC 3339 string, got %T", v)
	}
}

// ToObject normalizes v into a plain key-value map. nil yields nil. Any map
// keyed by strings is accepted; slices, arrays, scalars and structs fail with
// a ValidationError naming field.
func ToObject(field string, v any) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return m, nil
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, nil
	}

	return nil, &aerrors.ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be an object, got %T", v),
	}
}
