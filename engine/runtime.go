package engine

import (
	"context"

	"go.uber.org/zap"
)

// Runtime is a loaded instance of the foreign interpreter. Implementations
// are not safe for concurrent use; the engine serializes every call behind
// its mutex and the runtime's own execution lock.
type Runtime interface {
	// Invoke calls the cached entry function with a single JSON argument
	// and returns the JSON text it produced. A returned error is a
	// runtime-level failure: the implementation must have cleared its
	// internal error state so a later Invoke can still succeed.
	Invoke(ctx context.Context, payload string) (string, error)

	// Version reports the guest module's version, or "" if the module
	// does not export one.
	Version() string

	// Close finalizes the runtime and releases all guest resources.
	// It must be safe to call once after a partial failure.
	Close(ctx context.Context) error
}

// Config carries everything a Loader needs to start the runtime.
type Config struct {
	// AssetsPath is the directory holding the bundled module archive.
	AssetsPath string

	// RuntimeHome optionally overrides the runtime's home directory.
	// Empty means the runtime default.
	RuntimeHome string

	Logger *zap.Logger
}

// Loader starts the foreign runtime, imports the bundled module and
// resolves its entry function. On error no runtime may be left running.
//
// The default loader executes app_modules.wasm with wazero; tests substitute
// an in-process runtime via Open(WithLoader(...)).
type Loader func(ctx context.Context, cfg Config) (Runtime, error)

// RuntimeError is a runtime-level failure raised while the entry function
// executed. The engine converts it into a JSON error envelope so callers
// keep a single free discipline for success and failure.
type RuntimeError struct {
	Msg string
}

func (e *RuntimeError) Error() string {
	return e.Msg
}
