package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// Guest export names. The archive is a reactor-model module: instead of
// blocking in _start it exposes its allocator and entry function so the
// host controls execution.
const (
	exportAlloc   = "alloc"
	exportFree    = "free"
	exportVersion = "module_version"

	// wasiInitialize is the reactor-model start function.
	wasiInitialize = "_initialize"
)

// wasmRuntime runs the bundled module archive with wazero.
//
// String passing: the host allocates guest memory with alloc, writes the
// UTF-8 input and calls process_image_json(ptr, len). The guest returns a
// packed u64 (result pointer in the high 32 bits, byte length in the low
// 32) naming a buffer it allocated with the same allocator. Both buffers
// are released back to the guest before Invoke returns; no guest buffer's
// lifetime crosses the boundary.
type wasmRuntime struct {
	runtime wazero.Runtime
	mod     api.Module
	entry   api.Function
	alloc   api.Function
	free    api.Function
	version string
	stderr  *guestStderr

	// callMu is the runtime's execution lock. Invoke may run on a
	// different OS thread than the one that initialized the module, and
	// wazero modules do not allow concurrent calls.
	callMu sync.Mutex
}

// loadWasmRuntime is the default Loader. It starts a fresh wazero runtime
// without a compilation cache (the engine must not write bytecode to disk),
// instantiates the module archive under its fixed name and resolves the
// entry function and allocator exports. On any failure everything started
// so far is closed before returning.
func loadWasmRuntime(ctx context.Context, cfg Config) (rt Runtime, err error) {
	archive := filepath.Join(cfg.AssetsPath, ArchiveName)
	wasmBytes, err := os.ReadFile(archive)
	if err != nil {
		return nil, fmt.Errorf("read module archive: %w", err)
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	defer func() {
		if err != nil {
			runtime.Close(ctx)
		}
	}()

	if _, werr := wasi_snapshot_preview1.Instantiate(ctx, runtime); werr != nil {
		return nil, fmt.Errorf("instantiate WASI: %w", werr)
	}

	// The processor reads input images and writes results by host path,
	// so the guest sees the host filesystem. The engine is an embedding
	// boundary, not a sandbox.
	fsConfig := wazero.NewFSConfig().WithDirMount("/", "/")

	stderr := newGuestStderr()
	modConfig := wazero.NewModuleConfig().
		WithName(moduleName).
		WithFSConfig(fsConfig).
		WithStdout(io.Discard).
		WithStderr(stderr).
		WithStartFunctions(wasiInitialize)
	if cfg.RuntimeHome != "" {
		modConfig = modConfig.WithEnv("RUNTIME_HOME", cfg.RuntimeHome)
	}

	mod, err := runtime.InstantiateWithConfig(ctx, wasmBytes, modConfig)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", moduleName, err)
	}

	entry := mod.ExportedFunction(entryName)
	if entry == nil {
		return nil, fmt.Errorf("module %s: missing %q export", moduleName, entryName)
	}
	alloc := mod.ExportedFunction(exportAlloc)
	free := mod.ExportedFunction(exportFree)
	if alloc == nil || free == nil {
		return nil, fmt.Errorf("module %s: missing allocator exports", moduleName)
	}

	w := &wasmRuntime{
		runtime: runtime,
		mod:     mod,
		entry:   entry,
		alloc:   alloc,
		free:    free,
		stderr:  stderr,
	}
	w.version = w.readVersion(ctx)

	if cfg.Logger != nil {
		cfg.Logger.Debug("module archive loaded",
			zap.String("archive", archive),
			zap.String("version", w.version))
	}
	return w, nil
}

func (w *wasmRuntime) Invoke(ctx context.Context, payload string) (string, error) {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	in, err := w.guestAlloc(ctx, []byte(payload))
	if err != nil {
		return "", w.runtimeErr("allocate input", err)
	}
	// Input lifetime is scoped to this call; released on every exit path.
	defer w.guestFree(ctx, in)

	res, err := w.entry.Call(ctx, uint64(in.ptr), uint64(in.size))
	if err != nil {
		return "", w.runtimeErr(entryName, err)
	}

	out := guestBuf{ptr: uint32(res[0] >> 32), size: uint32(res[0])}
	if out.ptr == 0 {
		return "", w.runtimeErr(entryName, errors.New("entry function returned null"))
	}

	buf, ok := w.mod.Memory().Read(out.ptr, out.size)
	if !ok {
		w.guestFree(ctx, out)
		return "", w.runtimeErr("read result", fmt.Errorf("result out of range: %d+%d", out.ptr, out.size))
	}
	// Copy out of guest memory before releasing the guest buffer.
	result := string(buf)
	w.guestFree(ctx, out)
	return result, nil
}

func (w *wasmRuntime) Version() string {
	return w.version
}

func (w *wasmRuntime) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// guestBuf is an allocation inside guest linear memory.
type guestBuf struct {
	ptr  uint32
	size uint32
}

// guestAlloc allocates size bytes in the guest and writes data into them.
func (w *wasmRuntime) guestAlloc(ctx context.Context, data []byte) (guestBuf, error) {
	res, err := w.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return guestBuf{}, err
	}
	b := guestBuf{ptr: uint32(res[0]), size: uint32(len(data))}
	if b.ptr == 0 {
		return guestBuf{}, errors.New("guest allocator returned null")
	}
	if !w.mod.Memory().Write(b.ptr, data) {
		w.guestFree(ctx, b)
		return guestBuf{}, fmt.Errorf("write at %d+%d: out of range", b.ptr, b.size)
	}
	return b, nil
}

func (w *wasmRuntime) guestFree(ctx context.Context, b guestBuf) {
	if b.ptr == 0 {
		return
	}
	if _, err := w.free.Call(ctx, uint64(b.ptr), uint64(b.size)); err != nil {
		Logger().Warn("guest free failed",
			zap.Uint32("ptr", b.ptr),
			zap.Uint32("size", b.size),
			zap.Error(err))
	}
}

// readVersion calls the optional module_version export.
func (w *wasmRuntime) readVersion(ctx context.Context) string {
	fn := w.mod.ExportedFunction(exportVersion)
	if fn == nil {
		return ""
	}
	res, err := fn.Call(ctx)
	if err != nil || len(res) == 0 {
		return ""
	}
	b := guestBuf{ptr: uint32(res[0] >> 32), size: uint32(res[0])}
	if b.ptr == 0 {
		return ""
	}
	buf, ok := w.mod.Memory().Read(b.ptr, b.size)
	if !ok {
		return ""
	}
	v := string(buf)
	w.guestFree(ctx, b)
	return v
}

// runtimeErr wraps a guest failure into a RuntimeError, folding in and
// clearing whatever the guest wrote to stderr so the next call starts with
// a clean error state.
func (w *wasmRuntime) runtimeErr(op string, err error) error {
	msg := fmt.Sprintf("%s: %v", op, err)
	if tail := w.stderr.drain(); tail != "" {
		msg += ": " + tail
	}
	return &RuntimeError{Msg: msg}
}

// guestStderr buffers guest diagnostics, bounded so a chatty guest cannot
// grow host memory without limit.
type guestStderr struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

const guestStderrLimit = 8 << 10

func newGuestStderr() *guestStderr {
	return &guestStderr{}
}

func (g *guestStderr) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.buf.Len() < guestStderrLimit {
		g.buf.Write(p)
	}
	return len(p), nil
}

// drain returns the buffered diagnostics and resets the buffer.
func (g *guestStderr) drain() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := strings.TrimSpace(g.buf.String())
	g.buf.Reset()
	if len(s) > guestStderrLimit {
		s = s[:guestStderrLimit]
	}
	return s
}
