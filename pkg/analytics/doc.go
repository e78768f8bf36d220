// Package analytics is a client for recording product analytics events and
// delivering them in batches to a collection endpoint.
//
// # Quick Start
//
//	s := config.Defaults()
//	s.WriteKey = "wk_123"
//
//	client, err := analytics.New(ctx, s)
//	if err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	client.Identify(ctx, "user-1", map[string]any{"plan": "pro"})
//	client.Track(ctx, "Order Completed", map[string]any{"total": 42})
//
// # Pipeline
//
// Every call builds an event, wraps it in an event.Context and runs it
// through the plugin pipeline: source middleware, before plugins,
// enrichment plugins, destinations (concurrently, each with its own
// destination middleware) and after plugins. The built-in destination
// queues events durably and hands them to a batching dispatcher.
//
// # Delivery
//
// Failed batches are retried with backoff until the attempt budget is spent.
// Close (or firing the termination signal) flushes buffered events and
// persists anything still undelivered to storage, where the next client with
// the same destination name picks it up.
//
// # Errors
//
// Tracking calls only return validation errors and ErrClosed. Delivery
// outcomes are recorded on the returned Context: its log stream,
// FailedDelivery and Sealed.
package analytics
