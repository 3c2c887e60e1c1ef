package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/greenstalk/leafpress/engine"
)

// recordingRuntime implements engine.Runtime and records the order of
// engine-level events, so tests can assert the worker's strict message
// ordering.
type recordingRuntime struct {
	mu      sync.Mutex
	events  []string
	invoke  func(payload string) (string, error)
	version string
}

func (r *recordingRuntime) record(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingRuntime) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingRuntime) Invoke(_ context.Context, payload string) (string, error) {
	r.record("invoke")
	if r.invoke != nil {
		return r.invoke(payload)
	}
	return `{"status":"success","output_image_path":"/out.png"}`, nil
}

func (r *recordingRuntime) Version() string {
	return r.version
}

func (r *recordingRuntime) Close(context.Context) error {
	r.record("close")
	return nil
}

func testLoader(rt engine.Runtime) engine.Loader {
	return func(context.Context, engine.Config) (engine.Runtime, error) {
		return rt, nil
	}
}

func startTestWorker(t *testing.T, rt engine.Runtime) *worker {
	t.Helper()
	w, err := startWorker(zap.NewNop(), engine.WithLoader(testLoader(rt)))
	require.NoError(t, err)
	t.Cleanup(w.stop)
	return w
}

func sendInit(t *testing.T, w *worker, assets string) initReply {
	t.Helper()
	reply := make(chan initReply, 1)
	require.NoError(t, w.send(context.Background(), &initMsg{
		assetsPath: assets,
		reply:      reply,
	}))
	select {
	case r := <-reply:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("init reply never arrived")
		return initReply{}
	}
}

func TestWorkerInvokeInvokeShutdownOrdering(t *testing.T) {
	rt := &recordingRuntime{
		invoke: func(string) (string, error) {
			time.Sleep(30 * time.Millisecond)
			return `{"status":"success","output_image_path":"/out.png"}`, nil
		},
	}
	w := startTestWorker(t, rt)
	r := sendInit(t, w, t.TempDir())
	require.Equal(t, engine.CodeOK, r.code)

	// Queue both invokes and the shutdown back to back, without waiting
	// in between.
	ctx := context.Background()
	inv1 := make(chan invokeReply, 1)
	inv2 := make(chan invokeReply, 1)
	down := make(chan struct{}, 1)
	require.NoError(t, w.send(ctx, &invokeMsg{inputJSON: `{"input_image_path":"/a"}`, reply: inv1}))
	require.NoError(t, w.send(ctx, &invokeMsg{inputJSON: `{"input_image_path":"/b"}`, reply: inv2}))
	require.NoError(t, w.send(ctx, &shutdownMsg{reply: down}))

	select {
	case <-down:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown reply never arrived")
	}

	// Shutdown never interleaves mid-invoke: by the time it replied, both
	// invocations had completed and replied, in order.
	require.Len(t, inv1, 1)
	require.Len(t, inv2, 1)
	assert.Equal(t, []string{"invoke", "invoke", "close"}, rt.Events())

	// Every owned buffer was released before the next message ran.
	assert.Equal(t, 0, engine.LiveBuffers())
}

func TestWorkerFreesResultBeforeReply(t *testing.T) {
	rt := &recordingRuntime{}
	w := startTestWorker(t, rt)
	r := sendInit(t, w, t.TempDir())
	require.Equal(t, engine.CodeOK, r.code)

	reply := make(chan invokeReply, 1)
	require.NoError(t, w.send(context.Background(), &invokeMsg{
		inputJSON: `{"input_image_path":"/a"}`,
		reply:     reply,
	}))
	out := <-reply
	require.NoError(t, out.err)
	assert.Contains(t, out.payload, `"status":"success"`)

	// The reply is observable only after the owned buffer was freed.
	assert.Equal(t, 0, engine.LiveBuffers())

	shutdownTestWorker(t, w)
}

func TestWorkerInitFailureShutsEngineDown(t *testing.T) {
	failing := func(context.Context, engine.Config) (engine.Runtime, error) {
		return nil, &engine.RuntimeError{Msg: "module import error"}
	}
	w, err := startWorker(zap.NewNop(), engine.WithLoader(failing))
	require.NoError(t, err)
	t.Cleanup(w.stop)

	r := sendInit(t, w, t.TempDir())
	assert.Equal(t, engine.CodeRuntimeFailure, r.code)
	assert.NotEmpty(t, r.errText)

	// No half-initialized runtime lingers: a pre-init invoke still gets
	// the distinguished not-initialized signal.
	reply := make(chan invokeReply, 1)
	require.NoError(t, w.send(context.Background(), &invokeMsg{
		inputJSON: `{"input_image_path":"/a"}`,
		reply:     reply,
	}))
	out := <-reply
	assert.ErrorIs(t, out.err, ErrNotInitialized)
	assert.Empty(t, out.payload)

	shutdownTestWorker(t, w)
}

func TestWorkerVersionMessage(t *testing.T) {
	rt := &recordingRuntime{version: "0.3.1"}
	w := startTestWorker(t, rt)
	r := sendInit(t, w, t.TempDir())
	require.Equal(t, engine.CodeOK, r.code)
	assert.Equal(t, engine.EngineVersion+"+module.0.3.1", r.version)

	reply := make(chan string, 1)
	require.NoError(t, w.send(context.Background(), &versionMsg{reply: reply}))
	assert.Equal(t, engine.EngineVersion+"+module.0.3.1", <-reply)

	shutdownTestWorker(t, w)
}

func TestWorkerSendAfterStop(t *testing.T) {
	rt := &recordingRuntime{}
	w := startTestWorker(t, rt)
	shutdownTestWorker(t, w)

	err := w.send(context.Background(), &versionMsg{reply: make(chan string, 1)})
	assert.ErrorIs(t, err, ErrWorkerStopped)
}

// shutdownTestWorker drives the normal shutdown message and waits for the
// loop to exit, returning the engine singleton to dormant for the next
// test.
func shutdownTestWorker(t *testing.T, w *worker) {
	t.Helper()
	reply := make(chan struct{}, 1)
	if err := w.send(context.Background(), &shutdownMsg{reply: reply}); err == nil {
		select {
		case <-reply:
		case <-time.After(5 * time.Second):
			t.Fatal("shutdown reply never arrived")
		}
	}
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never exited")
	}
}
