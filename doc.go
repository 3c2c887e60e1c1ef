// Package leafpress embeds a single-threaded image-processing script
// runtime inside a Go host and exposes it safely to concurrent callers.
//
// # Overview
//
// The processor ships as a WebAssembly module archive (app_modules.wasm)
// and is executed with wazero. Because the runtime is non-reentrant and a
// process-wide singleton, every call is funneled through one worker
// goroutine per bridge; the host never blocks on a native call.
//
// # Basic Usage
//
//	// One-shot processing
//	res, err := leafpress.Process(ctx, "/tmp/leaf.png", leafpress.Options{})
//
//	// Long-lived bridge
//	b := bridge.New()
//	if err := b.Initialize(ctx, ""); err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Shutdown(ctx)
//	res, err := b.Invoke(ctx, "/tmp/leaf.png")
//
// # Layers
//
// The [github.com/greenstalk/leafpress/engine] package owns the foreign
// runtime lifecycle and the ownership contract for buffers crossing the
// boundary. The [github.com/greenstalk/leafpress/bridge] package confines
// the engine to a worker goroutine, adds the async facade and broadcasts
// lifecycle state. The [github.com/greenstalk/leafpress/history] package
// optionally persists invocation records.
package leafpress
