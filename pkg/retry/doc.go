// Package retry provides exponential backoff with jitter.
//
// Lifecycle commands are never retried: init, conf and scrap failures go
// straight back to run control. Retry is reserved for operations whose
// failures are expected to clear on their own.
//
// # Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Connect(): 10 attempts, 50ms-1s delay, used when the daemon dials NATS
//   - Send(): 3 attempts, 20ms-100ms delay, transient errors only, used by the
//     fragment sender inside its send timeout
//
// # Usage
//
//	err := retry.Do(ctx, retry.Connect(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Errors wrapped with NonRetryable stop the loop immediately, as do
// configuration and command-sequence errors under DefaultRetryable.
package retry
