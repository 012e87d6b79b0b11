// Package retry provides exponential backoff retry logic for transient failures.
//
// Do and DoWithResult run a function until it succeeds, the attempts are used
// up, the context is cancelled, or the function returns an error wrapped with
// NonRetryable.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Failover(n): n attempts with no delay (walking an upstream server list)
//
// Example:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Connect(ctx)
//	})
package retry
