// Package bridge exposes the embedded image-processing engine to concurrent
// hosts without ever blocking them on a native call.
//
// Each Bridge owns one worker goroutine. The worker opens its own private
// binding to the engine ABI and is the only place engine calls execute;
// callers talk to it through typed messages on a single inbound channel,
// answered on per-message reply channels in strict send order. Runtime
// startup can take hundreds of milliseconds and a single invocation is
// unbounded, so every Bridge method is an awaitable request, not a blocking
// call.
//
//	b := bridge.New()
//	if err := b.Initialize(ctx, ""); err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Shutdown(ctx)
//
//	res, err := b.Invoke(ctx, "/tmp/leaf.png")
//
// A Bridge performs no mutual exclusion of its own: correctness under
// concurrent use comes entirely from the worker's strict message ordering.
// Once sent, an invocation cannot be cancelled; a caller that abandons the
// await leaves the worker busy until the engine returns. Timeouts, if
// needed, must be layered above.
//
// Lifecycle snapshots (idle, initializing, ready, processing, completed,
// error) are broadcast through the Bridge's StatePublisher.
package bridge
