// Package rfqsync keeps cached query results coherent with a Supabase backend for the
// RFQ, quote and project tables of a manufacturing workflow.
//
// # Architecture
//
// The module is a set of small packages composed by the coherence layer:
//
//	pkg/cache           TTL store with pattern deletion and statistics
//	query               query result cache over a datasource, with profiles and slow query tracking
//	invalidation        rule engine turning table changes into cache invalidations
//	invalidation/rulesync   shares rules between instances through a NATS KV bucket
//	realtime            per-table channel subscriptions with retry and health reporting
//	realtime/phoenix    Supabase Realtime transport (Phoenix channels over WebSocket)
//	natsclient          NATS connection, change feed transport and KV access
//	optimistic          optimistic updates with confirmation, timeout and rollback
//	datasource          data source contract, circuit breaker and the Supabase source
//	coherence           wires the above into one Layer
//	cmd/rfqsync         daemon running a Layer with metrics and a status endpoint
//
// # Data flow
//
// A change arrives on a realtime channel, the invalidation engine deletes or schedules
// deletion of the affected cache keys, and only then are subscriber callbacks invoked.
// A confirmed optimistic mutation produces the same kind of change locally, and can be
// published on the NATS change feed for other instances.
//
// # Quick start
//
//	layer, err := coherence.New(ctx, coherence.DefaultConfig(), coherence.Dependencies{
//		Source:    source,
//		Transport: transport,
//	})
//	if err != nil {
//		return err
//	}
//	defer layer.Close()
//
//	layer.SetAuthenticationStatus(true, userID)
//	res, err := layer.Query(ctx, "projects", map[string]any{"status": "active"}, query.DefaultOptions())
//
// See cmd/rfqsync for a complete wiring, including configuration and NATS.
package rfqsync
