package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// EngineVersion identifies this embedding engine build.
const EngineVersion = "2.0.0"

const (
	// ArchiveName is the fixed file name of the bundled module archive,
	// located relative to the assets path at Init.
	ArchiveName = "app_modules.wasm"

	// moduleName is the fixed name the archive is imported under.
	moduleName = "image_processor"

	// entryName is the fixed entry function resolved on the module.
	entryName = "process_image_json"
)

// Code is the result of Init. Invoke-time failures never use codes; they are
// reported as JSON error envelopes instead.
type Code int32

const (
	// CodeOK means the runtime started and the entry function is cached.
	CodeOK Code = 0
	// CodeAlreadyInitialized means Init was called again without an
	// intervening Shutdown. The first initialization is untouched.
	CodeAlreadyInitialized Code = 1
	// CodeMissingAssets means the assets path was empty or does not exist.
	CodeMissingAssets Code = 2
	// CodeRuntimeFailure means the runtime failed to start, or the module
	// or its entry function could not be resolved. The runtime has been
	// fully torn down; a later Init may retry.
	CodeRuntimeFailure Code = 3
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeAlreadyInitialized:
		return "already initialized"
	case CodeMissingAssets:
		return "missing assets"
	case CodeRuntimeFailure:
		return "runtime failure"
	default:
		return fmt.Sprintf("code(%d)", int32(c))
	}
}

// ErrNotOwned is returned by FreeString for a buffer the engine does not
// currently own: either it was already freed, or it never came from
// ProcessImage.
var ErrNotOwned = errors.New("buffer not owned by engine")

// OwnedText is a result buffer owned by the caller. It must be released
// exactly once with FreeString, regardless of whether it carries a success
// or an error envelope. After release its contents are gone.
type OwnedText struct {
	s string
}

// String returns the buffer contents, or "" after the buffer was freed.
func (t *OwnedText) String() string {
	if t == nil {
		return ""
	}
	return t.s
}

// engineState is the process-wide singleton behind every ABI binding. The
// foreign runtime can only exist once per process, so its state lives at
// package level, guarded by one mutex: the owning worker and process
// teardown hooks may race. The mutex is redundant while a single worker is
// the only caller, but required if several workers ever share the loaded
// runtime in one process.
type engineState struct {
	mu          sync.Mutex
	initialized bool
	rt          Runtime

	// lastError is best effort: process-wide, overwritten by the most
	// recent failing call, and stale under concurrent callers. It is a
	// diagnostic, not the primary error channel.
	lastError string

	// live tracks outstanding owned buffers for exactly-once release.
	live map[*OwnedText]struct{}
}

var state = engineState{live: make(map[*OwnedText]struct{})}

// ABI is one owner's binding to the engine. A binding holds no runtime
// state of its own; create it inside the goroutine that will use it and do
// not share it by reference.
type ABI struct {
	loader Loader
}

// Option configures an ABI binding.
type Option func(*ABI)

// WithLoader substitutes the runtime loader. The default loads
// app_modules.wasm with wazero.
func WithLoader(l Loader) Option {
	return func(a *ABI) {
		a.loader = l
	}
}

// Open creates a binding to the engine. Bindings are local to their owner;
// the underlying runtime state is shared process-wide.
func Open(opts ...Option) *ABI {
	a := &ABI{loader: loadWasmRuntime}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Init configures and starts the foreign runtime, imports the bundled
// module from assetsPath and caches its entry function. runtimeHome
// optionally overrides the runtime's home directory. On any failure the
// runtime is fully torn down before Init returns, so a later Init can
// retry cleanly.
func (a *ABI) Init(runtimeHome, assetsPath string) Code {
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.initialized {
		state.lastError = "already initialized"
		return CodeAlreadyInitialized
	}

	if assetsPath == "" {
		state.lastError = "assets path required"
		return CodeMissingAssets
	}
	if fi, err := os.Stat(assetsPath); err != nil || !fi.IsDir() {
		state.lastError = "assets path not found: " + assetsPath
		return CodeMissingAssets
	}

	rt, err := a.loader(context.Background(), Config{
		AssetsPath:  assetsPath,
		RuntimeHome: runtimeHome,
		Logger:      Logger(),
	})
	if err != nil {
		// Loader contract: nothing is left running on error.
		state.lastError = err.Error()
		Logger().Error("runtime start failed",
			zap.String("assets", assetsPath),
			zap.Error(err))
		return CodeRuntimeFailure
	}

	state.rt = rt
	state.initialized = true
	Logger().Info("engine initialized",
		zap.String("assets", assetsPath),
		zap.String("module_version", rt.Version()))
	return CodeOK
}

// IsInitialized reports whether a successful Init is in effect.
func (a *ABI) IsInitialized() bool {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.initialized
}

// ProcessImage calls the cached entry function with inputJSON and returns
// the result as an owned buffer. Runtime-level failures are returned as a
// {"status":"error","error":...} envelope through the same ownership
// contract as success, so callers never branch their free discipline on
// outcome.
//
// It returns nil, never an envelope, only when the engine is not
// initialized or inputJSON is empty; callers must treat nil as that
// distinguished signal and not parse it.
func (a *ABI) ProcessImage(inputJSON string) *OwnedText {
	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.initialized || state.rt == nil {
		state.lastError = "engine not initialized"
		return nil
	}
	if inputJSON == "" {
		state.lastError = "empty input"
		return nil
	}

	out, err := state.rt.Invoke(context.Background(), inputJSON)
	if err != nil {
		state.lastError = err.Error()
		Logger().Warn("entry function failed", zap.Error(err))
		return own(errorEnvelope(err.Error()))
	}
	return own(out)
}

// FreeString releases a buffer returned by ProcessImage. Passing nil is
// safe. Releasing the same buffer twice, or a buffer the engine never
// handed out, returns ErrNotOwned.
func (a *ABI) FreeString(t *OwnedText) error {
	if t == nil {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if _, ok := state.live[t]; !ok {
		return ErrNotOwned
	}
	delete(state.live, t)
	t.s = ""
	return nil
}

// Shutdown releases the cached handles, finalizes the runtime and resets
// the engine to dormant. It is idempotent and safe to call before Init.
func (a *ABI) Shutdown() {
	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.initialized {
		return
	}

	if n := len(state.live); n > 0 {
		Logger().Warn("owned buffers outstanding at shutdown", zap.Int("count", n))
	}

	if state.rt != nil {
		if err := state.rt.Close(context.Background()); err != nil {
			state.lastError = err.Error()
			Logger().Warn("runtime close failed", zap.Error(err))
		}
		state.rt = nil
	}
	state.initialized = false
	Logger().Info("engine shut down")
}

// LastError returns the most recent failure diagnostic. It is process-wide
// and may be stale under concurrent callers; treat it as best effort.
func (a *ABI) LastError() string {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.lastError
}

// Version reports the engine version, extended with the guest module's own
// version when one is available.
func (a *ABI) Version() string {
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.initialized && state.rt != nil {
		if v := state.rt.Version(); v != "" {
			return EngineVersion + "+module." + v
		}
	}
	return EngineVersion
}

// LiveBuffers reports the number of owned buffers not yet released. It
// exists for leak instrumentation in tests and shutdown diagnostics.
func LiveBuffers() int {
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.live)
}

// own registers a result buffer in the live table. Callers hold state.mu.
func own(s string) *OwnedText {
	t := &OwnedText{s: s}
	state.live[t] = struct{}{}
	return t
}

func errorEnvelope(msg string) string {
	b, err := json.Marshal(struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}{Status: "error", Error: msg})
	if err != nil {
		return `{"status":"error","error":"internal: encode failure"}`
	}
	return string(b)
}
