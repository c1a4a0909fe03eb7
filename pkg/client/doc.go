/*
Package client provides a typed Go client for the hutch HTTP API.

The client wraps every gateway endpoint with one method, decoding
responses into the same pkg/types structs the kernel uses and mapping
gateway error reasons back onto the kernel's sentinel errors. Code
written against a local kernel ports to a remote one by swapping the
deployer handle for a Client.

	┌──────────────────── APPLICATION CODE ─────────────────────┐
	│                                                           │
	│  c := client.New("http://127.0.0.1:7177",                 │
	│          client.WithCaller("acme"))                       │
	│  id, err := c.Deploy(ctx, spec)                           │
	│                                                           │
	└──────────────────┬────────────────────────────────────────┘
	                   │ HTTP(S), JSON / ndjson
	┌──────────────────▼──────────── pkg/api ───────────────────┐
	│  gateway → kernel                                         │
	└───────────────────────────────────────────────────────────┘

# Errors

Non-2xx responses become *APIError carrying the status, the message and
the machine-readable reason. APIError unwraps onto the kernel's
sentinels, so error handling reads the same on both sides of the wire:

	_, err := c.Deploy(ctx, spec)
	switch {
	case errors.Is(err, types.ErrAlreadyRegistered):
		// use Replace instead
	case errors.Is(err, types.ErrResourceExhausted):
		// tenant is being shed, back off
	}

Capability and tenancy denials unwrap to *types.DeniedError with the
denial reason.

# Streaming

Watch replays the log from an explicit id and then follows it; Tail
skips history and follows from the server's current head. Both return a
channel that closes when the context is cancelled or the server goes
away. Ids on the stream are strictly increasing, so the last id seen is
always a safe resume point for the next Watch.

# Acting tenant

WithCaller sets the X-Hutch-Tenant header on every request. The gateway
denies cross-tenant operations whose caller does not match the subject
tenant, so management tooling acting for one tenant should always set
it.

Requests time out after 30 seconds by default; Watch and Tail streams
are exempt and run until their context is cancelled. WithHTTPClient
swaps the underlying client for custom TLS settings or test
transports; streams reuse its transport.
*/
package client
