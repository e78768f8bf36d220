package benchmarks

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/randalmurphal/analytics/pkg/analytics/event"
	"github.com/randalmurphal/analytics/pkg/analytics/plugin"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// id is a queue item with a fixed identity.
type id string

func (i id) ID() string { return string(i) }

func trackEvent(i int) *event.Event {
	return &event.Event{
		Type:        event.TypeTrack,
		MessageID:   "bench-" + strconv.Itoa(i),
		Event:       "Benchmark",
		AnonymousID: "anon-1",
		Timestamp:   time.Unix(1_700_000_000, 0).UTC(),
		Properties:  map[string]any{"seq": i, "plan": "pro"},
	}
}

func passthrough(name string, t plugin.Type) *plugin.Plugin {
	return plugin.Plugin{Name: name, Version: "1.0.0", Type: t}.All(
		func(_ context.Context, c *event.Context) (*event.Context, error) { return c, nil },
	)
}

func mustPipeline(plugins ...*plugin.Plugin) *plugin.Pipeline {
	p := plugin.New(plugin.WithLogger(quiet))
	if err := p.Register(context.Background(), plugin.BasicInstance{Log: quiet}, plugins...); err != nil {
		panic(err)
	}
	return p
}
