package benchmarks

import (
	"context"
	"strconv"
	"testing"

	"github.com/randalmurphal/analytics/pkg/analytics/event"
	"github.com/randalmurphal/analytics/pkg/analytics/plugin"
)

func benchmarkPipeline(b *testing.B, enrichments, destinations int) {
	plugins := make([]*plugin.Plugin, 0, enrichments+destinations)
	for i := 0; i < enrichments; i++ {
		plugins = append(plugins, passthrough("enrich-"+strconv.Itoa(i), plugin.TypeEnrichment))
	}
	for i := 0; i < destinations; i++ {
		plugins = append(plugins, passthrough("dest-"+strconv.Itoa(i), plugin.TypeDestination))
	}
	p := mustPipeline(plugins...)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = p.Run(ctx, event.NewContext(trackEvent(i)))
	}
}

// BenchmarkPipeline_Enrichment_1 runs one enrichment and one destination.
func BenchmarkPipeline_Enrichment_1(b *testing.B) { benchmarkPipeline(b, 1, 1) }

// BenchmarkPipeline_Enrichment_10 runs ten enrichments and one destination.
func BenchmarkPipeline_Enrichment_10(b *testing.B) { benchmarkPipeline(b, 10, 1) }

// BenchmarkPipeline_Destinations_5 fans out to five destinations.
func BenchmarkPipeline_Destinations_5(b *testing.B) { benchmarkPipeline(b, 1, 5) }

// BenchmarkPipeline_DestinationMiddleware adds per-destination copies.
func BenchmarkPipeline_DestinationMiddleware(b *testing.B) {
	p := mustPipeline(passthrough("dest", plugin.TypeDestination))
	p.UseDestinationMiddleware("dest", func(_ context.Context, _ string, e *event.Event) *event.Event {
		e.Properties["tagged"] = true
		return e
	})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = p.Run(ctx, event.NewContext(trackEvent(i)))
	}
}

// BenchmarkContext_MarshalJSON measures the persisted Context encoding.
func BenchmarkContext_MarshalJSON(b *testing.B) {
	c := event.NewContext(trackEvent(1))
	c.Log(event.LevelInfo, "delivered", map[string]any{"attempt": 1})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.MarshalJSON()
	}
}
