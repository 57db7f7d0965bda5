// Package retry provides exponential backoff for transient failures.
//
// Two consumers use it in different ways:
//
//   - The realtime subscription manager schedules its own timers and only asks Config.Delay
//     for the wait before each resubscribe attempt.
//   - Startup code (NATS connect in cmd/rfqsync) runs the blocking helper Do.
//
// Delay for attempt n is BaseDelay * BackoffFactor^(n-1), capped at MaxDelay:
//
//	cfg := retry.Config{MaxAttempts: 5, BaseDelay: time.Second, BackoffFactor: 2}
//	cfg.Delay(1) // 1s
//	cfg.Delay(3) // 4s
//
// Do respects context cancellation both while fn runs and during backoff, and stops
// immediately on errors wrapped with NonRetryable.
package retry
