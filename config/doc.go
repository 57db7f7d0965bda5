// Package config loads the rfqsync configuration.
//
// A Config holds one section per component (cache, query, invalidation, realtime,
// optimistic) plus the NATS, Supabase and metrics endpoints. Each component owns the
// type and validation of its own section; this package only assembles them.
//
// # Loading
//
// Files are JSON or YAML. Layers are decoded over the defaults in order, so a file
// only needs the values it changes:
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.yaml")
//	loader.AddLayer("config/production.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//
// Durations are written as strings ("30s", "5m"). Unknown keys are rejected.
//
// # Environment
//
// These variables override file values when set:
//
//	RFQSYNC_TRANSPORT      transport (nats | supabase)
//	RFQSYNC_NATS_URL       nats.url
//	RFQSYNC_NATS_TOKEN     nats.token
//	RFQSYNC_METRICS_ADDR   metrics.addr
//	SUPABASE_URL           supabase.url
//	SUPABASE_ANON_KEY      supabase.api_key
//	SUPABASE_ACCESS_TOKEN  supabase.realtime.access_token
package config
