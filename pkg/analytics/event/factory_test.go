package event_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aerrors "github.com/randalmurphal/analytics/pkg/analytics/errors"
	"github.com/randalmurphal/analytics/pkg/analytics/event"
	"github.com/randalmurphal/analytics/pkg/analytics/identity"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newFactory(opts ...event.FactoryOption) *event.Factory {
	opts = append([]event.FactoryOption{
		event.WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	return event.NewFactory(identity.Static{UserID: "user-1", Anonymous: "anon-1"}, opts...)
}

func TestFactory_Track(t *testing.T) {
	f := newFactory()

	e, err := f.Track("Order Completed", map[string]any{"total": 10}, event.Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, event.TypeTrack, e.Type)
	assert.Equal(t, "Order Completed", e.Event)
	assert.Equal(t, map[string]any{"total": 10}, e.Properties)
	assert.Equal(t, fixedNow, e.Timestamp)
	assert.Equal(t, "user-1", e.UserID)
	assert.Equal(t, "anon-1", e.AnonymousID)
	assert.True(t, strings.HasPrefix(e.MessageID, event.MessageIDPrefix))
	assert.Nil(t, e.Integrations)
	assert.Nil(t, e.Context)
}

func TestFactory_UniqueMessageIDs(t *testing.T) {
	f := newFactory()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		e, err := f.Track("e", nil, event.Options{}, nil)
		require.NoError(t, err)
		assert.False(t, seen[e.MessageID])
		seen[e.MessageID] = true
	}
}

func TestFactory_RejectsNonObjects(t *testing.T) {
	f := newFactory()

	tests := []struct {
		name  string
		call  func() error
		field string
	}{
		{
			name: "track properties slice",
			call: func() error {
				_, err := f.Track("e", []any{"a", "b"}, event.Options{}, nil)
				return err
			},
			field: "properties",
		},
		{
			name: "page properties array",
			call: func() error {
				_, err := f.Page("", "Home", [2]int{1, 2}, event.Options{}, nil)
				return err
			},
			field: "properties",
		},
		{
			name: "identify traits string",
			call: func() error {
				_, err := f.Identify("u", "traits", event.Options{}, nil)
				return err
			},
			field: "traits",
		},
		{
			name: "group traits slice",
			call: func() error {
				_, err := f.Group("g", []map[string]any{{}}, event.Options{}, nil)
				return err
			},
			field: "traits",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var vErr *aerrors.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestFactory_AcceptsTypedMaps(t *testing.T) {
	f := newFactory()

	e, err := f.Track("e", map[string]string{"plan": "pro"}, event.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"plan": "pro"}, e.Properties)

	e, err = f.Track("e", map[string]int{"n": 1}, event.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1}, e.Properties)
}

func TestFactory_RequiredFields(t *testing.T) {
	f := newFactory()
	var vErr *aerrors.ValidationError

	_, err := f.Track("", nil, event.Options{}, nil)
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "event", vErr.Field)

	_, err = f.Group("", nil, event.Options{}, nil)
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "groupId", vErr.Field)

	_, err = f.Alias("", "old", event.Options{}, nil)
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "userId", vErr.Field)
}

func TestFactory_IdentityResolution(t *testing.T) {
	t.Run("explicit ids win", func(t *testing.T) {
		e, err := newFactory().Track("e", nil, event.Options{UserID: "u2", AnonymousID: "a2"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "u2", e.UserID)
		assert.Equal(t, "a2", e.AnonymousID)
	})

	t.Run("unresolvable identity fails", func(t *testing.T) {
		f := event.NewFactory(identity.Static{})
		_, err := f.Track("e", nil, event.Options{}, nil)
		var vErr *aerrors.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "userId", vErr.Field)
	})

	t.Run("nil provider with explicit anonymous id", func(t *testing.T) {
		f := event.NewFactory(nil)
		e, err := f.Track("e", nil, event.Options{AnonymousID: "a"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "a", e.AnonymousID)
		assert.Empty(t, e.UserID)
	})
}

func TestFactory_Overrides(t *testing.T) {
	ts := time.Date(2020, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	e, err := newFactory().Track("e", nil, event.Options{Timestamp: ts, MessageID: "m-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "m-1", e.MessageID)
	assert.True(t, ts.Equal(e.Timestamp))
	assert.Equal(t, time.UTC, e.Timestamp.Location())
}

func TestFactory_IntegrationsMerge(t *testing.T) {
	f := newFactory(event.WithDestinationSettings(map[string]any{
		"Amplitude": map[string]any{"apiKey": "secret"},
		"Mixpanel":  false,
	}))

	t.Run("settings contribute only enabled flags", func(t *testing.T) {
		e, err := f.Track("e", nil, event.Options{}, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"Amplitude": true, "Mixpanel": false}, e.Integrations)
	})

	t.Run("objects merge and booleans replace", func(t *testing.T) {
		opts := event.Options{Integrations: map[string]any{
			"Segment.io": map[string]any{"apiHost": "a", "protocol": "https"},
			"Braze":      map[string]any{"region": "eu"},
		}}
		override := map[string]any{
			"Segment.io": map[string]any{"apiHost": "b"},
			"Braze":      false,
			"Mixpanel":   true,
		}

		e, err := f.Track("e", nil, opts, override)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"apiHost": "b", "protocol": "https"}, e.Integrations["Segment.io"])
		assert.Equal(t, false, e.Integrations["Braze"])
		assert.Equal(t, true, e.Integrations["Mixpanel"])
		assert.Equal(t, true, e.Integrations["Amplitude"])
	})

	t.Run("caller maps are not mutated", func(t *testing.T) {
		segment := map[string]any{"apiHost": "a"}
		opts := event.Options{Integrations: map[string]any{"Segment.io": segment}}
		_, err := f.Track("e", nil, opts, map[string]any{"Segment.io": map[string]any{"apiHost": "b"}})
		require.NoError(t, err)
		assert.Equal(t, "a", segment["apiHost"])
	})
}

func TestFactory_ContextFromOptions(t *testing.T) {
	opts := event.Options{
		Context: map[string]any{"ip": "1.2.3.4", "campaign": "a"},
		Traits:  map[string]any{"plan": "pro"},
		Extra:   map[string]any{"campaign": "b", "library": "go"},
	}

	e, err := newFactory().Track("e", nil, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"ip":       "1.2.3.4",
		"campaign": "b",
		"library":  "go",
		"traits":   map[string]any{"plan": "pro"},
	}, e.Context)
}

func TestFactory_PageAndScreen(t *testing.T) {
	f := newFactory()

	e, err := f.Page("Docs", "Install", map[string]any{"path": "/install"}, event.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, event.TypePage, e.Type)
	assert.Equal(t, "Install", e.Name)
	assert.Equal(t, "Docs", e.Category)
	assert.Equal(t, map[string]any{"path": "/install", "name": "Install", "category": "Docs"}, e.Properties)

	e, err = f.Screen("", "Settings", map[string]any{"name": "custom"}, event.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, event.TypeScreen, e.Type)
	assert.Equal(t, map[string]any{"name": "custom"}, e.Properties)
}

func TestFactory_IdentifyGroupAlias(t *testing.T) {
	f := newFactory()

	e, err := f.Identify("user-9", map[string]any{"email": "a@b.c"}, event.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, event.TypeIdentify, e.Type)
	assert.Equal(t, "user-9", e.UserID)
	assert.Equal(t, map[string]any{"email": "a@b.c"}, e.Traits)

	e, err = f.Identify("", nil, event.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "user-1", e.UserID)

	e, err = f.Group("acme", map[string]any{"size": 5}, event.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "acme", e.GroupID)

	e, err = f.Alias("new-id", "", event.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, event.TypeAlias, e.Type)
	assert.Equal(t, "new-id", e.UserID)
	assert.Equal(t, "user-1", e.PreviousID)
}

func TestOptionsFromMap(t *testing.T) {
	opts, err := event.OptionsFromMap(map[string]any{
		"timestamp":    "2024-03-01T12:00:00Z",
		"userId":       "u",
		"anonymousId":  "a",
		"messageId":    "m",
		"context":      map[string]any{"ip": "1.1.1.1"},
		"integrations": map[string]any{"All": false},
		"traits":       map[string]any{"plan": "pro"},
		"campaign":     "spring",
	})
	require.NoError(t, err)

	assert.Equal(t, fixedNow, opts.Timestamp)
	assert.Equal(t, "u", opts.UserID)
	assert.Equal(t, "a", opts.AnonymousID)
	assert.Equal(t, "m", opts.MessageID)
	assert.Equal(t, map[string]any{"ip": "1.1.1.1"}, opts.Context)
	assert.Equal(t, map[string]any{"All": false}, opts.Integrations)
	assert.Equal(t, map[string]any{"plan": "pro"}, opts.Traits)
	assert.Equal(t, map[string]any{"campaign": "spring"}, opts.Extra)
}

func TestOptionsFromMap_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		in    map[string]any
		field string
	}{
		{"bad timestamp", map[string]any{"timestamp": "yesterday"}, "timestamp"},
		{"numeric timestamp", map[string]any{"timestamp": 12}, "timestamp"},
		{"numeric user id", map[string]any{"userId": 12}, "userId"},
		{"array context", map[string]any{"context": []any{1}}, "context"},
		{"array traits", map[string]any{"traits": []any{1}}, "traits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := event.OptionsFromMap(tt.in)
			var vErr *aerrors.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestEvent_Enabled(t *testing.T) {
	tests := []struct {
		name         string
		integrations map[string]any
		want         bool
	}{
		{"no integrations", nil, true},
		{"explicit false", map[string]any{"Segment.io": false}, false},
		{"explicit settings object", map[string]any{"Segment.io": map[string]any{}}, true},
		{"all false", map[string]any{"All": false}, false},
		{"all false with explicit enable", map[string]any{"All": false, "Segment.io": true}, true},
		{"other destination disabled", map[string]any{"Mixpanel": false}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &event.Event{Integrations: tt.integrations}
			assert.Equal(t, tt.want, e.Enabled("Segment.io"))
		})
	}
}

func TestEvent_CloneIsDeep(t *testing.T) {
	e := &event.Event{
		Type:       event.TypeTrack,
		Properties: map[string]any{"nested": map[string]any{"a": 1}, "list": []any{1, 2}},
	}

	c := e.Clone()
	c.Properties["nested"].(map[string]any)["a"] = 2
	c.Properties["list"].([]any)[0] = 9

	assert.Equal(t, 1, e.Properties["nested"].(map[string]any)["a"])
	assert.Equal(t, 1, e.Properties["list"].([]any)[0])
}
