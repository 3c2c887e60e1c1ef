// Package engine embeds the leafpress image-processing runtime and exposes
// it through a small, C-ABI-flavored surface: Init, IsInitialized,
// ProcessImage, FreeString, Shutdown, LastError and Version.
//
// The foreign runtime is a single-threaded WebAssembly module
// (app_modules.wasm) executed with wazero. It is a process-wide singleton:
// exactly one runtime may be initialized per process, and every call into it
// is serialized behind the engine mutex. Re-initializing without an
// intervening Shutdown fails with CodeAlreadyInitialized.
//
// # Ownership
//
// ProcessImage returns an *OwnedText. The caller owns it and must release it
// exactly once with FreeString, on both the success and the error branch;
// error results are JSON envelopes delivered through the same contract.
// A nil result is a distinguished signal (engine not initialized or empty
// input) and must never be parsed as an envelope.
//
// # Usage
//
//	abi := engine.Open()
//	if code := abi.Init("", assetsDir); code != engine.CodeOK {
//	    log.Fatalf("init failed: %d (%s)", code, abi.LastError())
//	}
//	defer abi.Shutdown()
//
//	out := abi.ProcessImage(`{"input_image_path":"/tmp/leaf.png"}`)
//	if out == nil {
//	    // not initialized
//	}
//	defer abi.FreeString(out)
//
// Callers are expected to funnel every call through a single owner; see the
// bridge package, which confines the engine to one worker goroutine.
package engine
