package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

// fakeRuntime implements Runtime for testing the ABI state machine without
// a real wasm archive.
type fakeRuntime struct {
	invoke  func(payload string) (string, error)
	version string
	closed  int
}

func (f *fakeRuntime) Invoke(_ context.Context, payload string) (string, error) {
	return f.invoke(payload)
}

func (f *fakeRuntime) Version() string {
	return f.version
}

func (f *fakeRuntime) Close(context.Context) error {
	f.closed++
	return nil
}

func echoRuntime() *fakeRuntime {
	return &fakeRuntime{
		version: "0.3.1",
		invoke: func(payload string) (string, error) {
			return `{"status":"success","output_image_path":"/x","metadata":{"k":1}}`, nil
		},
	}
}

func fixedLoader(rt Runtime, err error) Loader {
	return func(context.Context, Config) (Runtime, error) {
		if err != nil {
			return nil, err
		}
		return rt, nil
	}
}

// resetEngine returns the process-wide engine state to dormant. The state
// is a singleton, so tests must not run in parallel.
func resetEngine(t *testing.T) {
	t.Helper()
	state.mu.Lock()
	if state.rt != nil {
		state.rt.Close(context.Background())
	}
	state.initialized = false
	state.rt = nil
	state.lastError = ""
	state.live = make(map[*OwnedText]struct{})
	state.mu.Unlock()
}

func mustInit(t *testing.T, abi *ABI) {
	t.Helper()
	if code := abi.Init("", t.TempDir()); code != CodeOK {
		t.Fatalf("init failed: %v (%s)", code, abi.LastError())
	}
}

func TestInitMissingAssets(t *testing.T) {
	resetEngine(t)
	abi := Open(WithLoader(fixedLoader(echoRuntime(), nil)))

	if code := abi.Init("", ""); code != CodeMissingAssets {
		t.Fatalf("empty assets path: got %v, want %v", code, CodeMissingAssets)
	}
	if code := abi.Init("", "/nonexistent/assets/dir"); code != CodeMissingAssets {
		t.Fatalf("missing assets dir: got %v, want %v", code, CodeMissingAssets)
	}
	if abi.IsInitialized() {
		t.Error("engine reports initialized after failed init")
	}
}

func TestInitRuntimeFailureThenRetry(t *testing.T) {
	resetEngine(t)

	failing := Open(WithLoader(fixedLoader(nil, errors.New("module import error"))))
	if code := failing.Init("", t.TempDir()); code != CodeRuntimeFailure {
		t.Fatalf("got %v, want %v", code, CodeRuntimeFailure)
	}
	if failing.IsInitialized() {
		t.Fatal("engine reports initialized after runtime failure")
	}
	if failing.LastError() == "" {
		t.Error("lastError empty after runtime failure")
	}

	// The failure path must leave nothing behind: a later init succeeds.
	abi := Open(WithLoader(fixedLoader(echoRuntime(), nil)))
	mustInit(t, abi)
	defer abi.Shutdown()

	if !abi.IsInitialized() {
		t.Fatal("retry after failure did not initialize")
	}
}

func TestInitTwiceKeepsFirstRuntime(t *testing.T) {
	resetEngine(t)

	first := echoRuntime()
	abi := Open(WithLoader(fixedLoader(first, nil)))
	mustInit(t, abi)
	defer abi.Shutdown()

	second := Open(WithLoader(fixedLoader(echoRuntime(), nil)))
	if code := second.Init("", t.TempDir()); code != CodeAlreadyInitialized {
		t.Fatalf("got %v, want %v", code, CodeAlreadyInitialized)
	}

	// First initialization untouched and still serving calls.
	if first.closed != 0 {
		t.Error("first runtime was closed by the rejected init")
	}
	out := abi.ProcessImage(`{"input_image_path":"/a"}`)
	if out == nil {
		t.Fatal("invoke failed after rejected re-init")
	}
	if err := abi.FreeString(out); err != nil {
		t.Fatalf("free: %v", err)
	}
}

func TestProcessImageBeforeInitReturnsNil(t *testing.T) {
	resetEngine(t)
	abi := Open(WithLoader(fixedLoader(echoRuntime(), nil)))

	if out := abi.ProcessImage(`{"input_image_path":"/a"}`); out != nil {
		t.Fatalf("expected nil before init, got %q", out.String())
	}
	if abi.LastError() != "engine not initialized" {
		t.Errorf("lastError = %q", abi.LastError())
	}
}

func TestProcessImageEmptyInputReturnsNil(t *testing.T) {
	resetEngine(t)
	abi := Open(WithLoader(fixedLoader(echoRuntime(), nil)))
	mustInit(t, abi)
	defer abi.Shutdown()

	if out := abi.ProcessImage(""); out != nil {
		t.Fatalf("expected nil for empty input, got %q", out.String())
	}
}

func TestProcessImageOwnership(t *testing.T) {
	resetEngine(t)
	abi := Open(WithLoader(fixedLoader(echoRuntime(), nil)))
	mustInit(t, abi)
	defer abi.Shutdown()

	out := abi.ProcessImage(`{"input_image_path":"/a"}`)
	if out == nil {
		t.Fatal("invoke returned nil")
	}
	if LiveBuffers() != 1 {
		t.Fatalf("live buffers = %d, want 1", LiveBuffers())
	}

	if err := abi.FreeString(out); err != nil {
		t.Fatalf("first free: %v", err)
	}
	if LiveBuffers() != 0 {
		t.Fatalf("live buffers after free = %d, want 0", LiveBuffers())
	}

	// Double free is detected, not silently ignored.
	if err := abi.FreeString(out); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("double free: got %v, want ErrNotOwned", err)
	}

	// A buffer the engine never handed out is rejected too.
	if err := abi.FreeString(&OwnedText{s: "x"}); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("foreign buffer: got %v, want ErrNotOwned", err)
	}

	// Freeing nil is safe, like free_string(NULL).
	if err := abi.FreeString(nil); err != nil {
		t.Fatalf("free nil: %v", err)
	}
}

func TestRuntimeErrorReturnsEnvelope(t *testing.T) {
	resetEngine(t)

	calls := 0
	rt := &fakeRuntime{
		invoke: func(payload string) (string, error) {
			calls++
			if calls == 1 {
				return "", &RuntimeError{Msg: `division by "zero"` + "\nline 3"}
			}
			return `{"status":"success","output_image_path":"/x"}`, nil
		},
	}
	abi := Open(WithLoader(fixedLoader(rt, nil)))
	mustInit(t, abi)
	defer abi.Shutdown()

	out := abi.ProcessImage(`{"input_image_path":"/a"}`)
	if out == nil {
		t.Fatal("runtime error must yield an envelope, not nil")
	}

	var env struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal([]byte(out.String()), &env); err != nil {
		t.Fatalf("envelope not parseable: %v (%q)", err, out.String())
	}
	if env.Status != "error" || env.Error == "" {
		t.Fatalf("envelope = %+v", env)
	}
	if err := abi.FreeString(out); err != nil {
		t.Fatalf("free error envelope: %v", err)
	}

	// The failure must not corrupt the runtime: a well-formed call still
	// succeeds.
	out = abi.ProcessImage(`{"input_image_path":"/b"}`)
	if out == nil {
		t.Fatal("invoke after runtime error returned nil")
	}
	defer abi.FreeString(out)

	if err := json.Unmarshal([]byte(out.String()), &env); err != nil {
		t.Fatalf("second result not parseable: %v", err)
	}
	if env.Status != "success" {
		t.Fatalf("second call status = %q", env.Status)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	resetEngine(t)
	abi := Open(WithLoader(fixedLoader(echoRuntime(), nil)))

	// Safe before init.
	abi.Shutdown()

	rt := echoRuntime()
	abi = Open(WithLoader(fixedLoader(rt, nil)))
	mustInit(t, abi)

	abi.Shutdown()
	abi.Shutdown()

	if rt.closed != 1 {
		t.Errorf("runtime closed %d times, want 1", rt.closed)
	}
	if abi.IsInitialized() {
		t.Error("engine reports initialized after shutdown")
	}

	// Shutdown resets to dormant: init works again.
	mustInit(t, abi)
	abi.Shutdown()
}

func TestVersion(t *testing.T) {
	resetEngine(t)
	abi := Open(WithLoader(fixedLoader(echoRuntime(), nil)))

	if got := abi.Version(); got != EngineVersion {
		t.Errorf("dormant version = %q, want %q", got, EngineVersion)
	}

	mustInit(t, abi)
	defer abi.Shutdown()

	if got, want := abi.Version(), EngineVersion+"+module.0.3.1"; got != want {
		t.Errorf("version = %q, want %q", got, want)
	}
}

func TestErrorEnvelopeEscapesMessage(t *testing.T) {
	env := errorEnvelope("bad \"path\"\r\n\tC:\\img")
	var parsed struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal([]byte(env), &parsed); err != nil {
		t.Fatalf("envelope not parseable: %v (%q)", err, env)
	}
	if parsed.Error != "bad \"path\"\r\n\tC:\\img" {
		t.Errorf("error text mangled: %q", parsed.Error)
	}
}
