// Package natsclient provides a NATS client with circuit breaker protection,
// automatic reconnection and request/reply helpers.
//
// The gateway uses it to carry sub-operations for nats locations: the
// encoded sub-operation is sent with Request and the reply payload becomes
// the sub-operation result. Respond is the serving side of the same exchange.
//
// # Circuit Breaker
//
// After a threshold of consecutive connection failures (default 5) the
// circuit opens and Connect, Publish and Request fail fast with
// ErrCircuitOpen. The circuit half-opens after the current backoff, which
// doubles on every round of failures up to the configured maximum.
//
// # Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithRequestTimeout(2*time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	reply, err := client.Request(ctx, "adfront.backend.search", payload)
//
// # Testing
//
// NewTestClient starts a NATS server in a container (testcontainers) and
// returns a connected client. Tests using it carry the integration build
// tag.
package natsclient
