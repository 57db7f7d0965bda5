// Package errors classifies failures inside the cache coherency layer.
//
// Three classes drive recovery decisions:
//
//   - Transient: data source unavailable, channel errors, timeouts. The query cache may
//     fall back to cached data, the subscription manager retries with backoff.
//   - Invalid: bad rules, unknown operators, duplicate pending updates. Never retried.
//   - Fatal: configuration that prevents the layer from starting.
//
// Wrapping follows the "component.method: action failed: %w" format:
//
//	if err := source.Fetch(ctx, req); err != nil {
//	    return errors.WrapTransient(err, "QueryService", "Query", "fetch projects")
//	}
//
// Classification survives wrapping, so callers use the predicates instead of
// inspecting messages:
//
//	if errors.IsTransient(err) && opts.FallbackToCache {
//	    // serve the retained value
//	}
//
// The package re-exports Is, As and New so callers import a single errors package.
package errors
