package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/greenstalk/leafpress/engine"
)

var (
	// ErrNotInitialized is returned when Invoke runs before a successful
	// Initialize, or after Shutdown.
	ErrNotInitialized = errors.New("bridge: not initialized")

	// ErrAlreadyInitialized is returned by Initialize when the bridge is
	// already running.
	ErrAlreadyInitialized = errors.New("bridge: already initialized")
)

// InitError reports a non-zero engine init code.
type InitError struct {
	Code    engine.Code
	Message string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("bridge: engine init failed: %s: %s", e.Code, e.Message)
}

// EngineError carries the engine's error text verbatim, without
// re-diagnosis; upstream layers surface Message as-is.
type EngineError struct {
	Message   string
	RequestID string
}

func (e *EngineError) Error() string {
	return e.Message
}

// Result is a completed invocation.
type Result struct {
	RequestID  string
	OutputPath string
	Metadata   map[string]any
	Duration   time.Duration
}

// Bridge is the client facade over the worker. It performs no mutual
// exclusion across concurrent callers; ordering comes from the worker's
// single message loop.
type Bridge struct {
	log        *zap.Logger
	pub        *StatePublisher
	engineOpts []engine.Option

	shutdownTimeout time.Duration

	w           *worker
	initialized atomic.Bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.log = l
	}
}

// WithRuntimeLoader substitutes the engine's runtime loader, e.g. for an
// alternate guest build or an in-process runtime in tests.
func WithRuntimeLoader(l engine.Loader) Option {
	return func(b *Bridge) {
		b.engineOpts = append(b.engineOpts, engine.WithLoader(l))
	}
}

// WithStatePublisher attaches an externally created publisher, typically to
// control the ready delay.
func WithStatePublisher(p *StatePublisher) Option {
	return func(b *Bridge) {
		b.pub = p
	}
}

// WithShutdownTimeout bounds how long Shutdown waits for the engine-level
// shutdown reply before stopping the worker anyway.
func WithShutdownTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.shutdownTimeout = d
	}
}

// New creates a dormant Bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		log:             zap.NewNop(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.pub == nil {
		b.pub = NewStatePublisher()
	}
	return b
}

// States returns the bridge's lifecycle publisher.
func (b *Bridge) States() *StatePublisher {
	return b.pub
}

// InitOption configures a single Initialize call.
type InitOption func(*initConfig)

type initConfig struct {
	runtimeHome string
}

// WithRuntimeHome overrides the foreign runtime's home directory.
func WithRuntimeHome(dir string) InitOption {
	return func(c *initConfig) {
		c.runtimeHome = dir
	}
}

// Initialize resolves the runtime bundle, spawns the worker and drives the
// engine init. The assets directory is derived from the bundle's location.
// It fails with ErrAlreadyInitialized if the bridge is already running.
func (b *Bridge) Initialize(ctx context.Context, locator string, opts ...InitOption) error {
	if b.w != nil || b.initialized.Load() {
		return ErrAlreadyInitialized
	}

	var cfg initConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	b.pub.publish(StateInitializing, 0.1, "starting engine")

	libraryPath, err := ResolveBundle(locator)
	if err != nil {
		b.pub.publish(StateError, 0, err.Error())
		return err
	}
	assetsPath := filepath.Dir(libraryPath)

	w, err := startWorker(b.log, b.engineOpts...)
	if err != nil {
		b.pub.publish(StateError, 0, err.Error())
		return err
	}

	reply := make(chan initReply, 1)
	msg := &initMsg{
		libraryPath: libraryPath,
		runtimeHome: cfg.runtimeHome,
		assetsPath:  assetsPath,
		reply:       reply,
	}
	if err := w.send(ctx, msg); err != nil {
		w.stop()
		b.pub.publish(StateError, 0, err.Error())
		return err
	}

	select {
	case r := <-reply:
		if r.code != engine.CodeOK {
			w.stop()
			b.pub.publish(StateError, 0, r.errText)
			return &InitError{Code: r.code, Message: r.errText}
		}
		b.w = w
		b.initialized.Store(true)
		b.log.Info("bridge initialized",
			zap.String("library", libraryPath),
			zap.String("engine_version", r.version))
		b.pub.publish(StateReady, 1, "ready")
		return nil
	case <-ctx.Done():
		w.stop()
		b.pub.publish(StateError, 0, ctx.Err().Error())
		return ctx.Err()
	}
}

// InvokeOption configures a single Invoke call.
type InvokeOption func(*invokeConfig)

type invokeConfig struct {
	outputDir string
}

// WithOutputDir asks the processor to write its result into dir instead of
// the runtime's temp directory.
func WithOutputDir(dir string) InvokeOption {
	return func(c *invokeConfig) {
		c.outputDir = dir
	}
}

// Invoke processes one image. The input must exist on disk; engine failures
// are returned as *EngineError with the engine's message verbatim.
//
// Abandoning the await (ctx cancellation) does not interrupt the engine
// call; the worker stays busy until it completes.
func (b *Bridge) Invoke(ctx context.Context, inputPath string, opts ...InvokeOption) (*Result, error) {
	start := time.Now()

	w := b.w
	if !b.initialized.Load() || w == nil {
		return nil, ErrNotInitialized
	}
	if _, err := os.Stat(inputPath); err != nil {
		return nil, fmt.Errorf("bridge: input image: %w", err)
	}

	var cfg invokeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	id := newRequestID()
	payload, err := json.Marshal(requestEnvelope{
		InputImagePath: inputPath,
		OutputDir:      cfg.outputDir,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: encode request: %w", err)
	}

	b.pub.publish(StateProcessing, 0.2, "processing "+filepath.Base(inputPath))
	b.log.Debug("invoke",
		zap.String("request_id", id),
		zap.String("input", inputPath))

	reply := make(chan invokeReply, 1)
	if err := w.send(ctx, &invokeMsg{inputJSON: string(payload), reply: reply}); err != nil {
		b.pub.publish(StateError, 0, err.Error())
		return nil, err
	}

	var r invokeReply
	select {
	case r = <-reply:
	case <-w.done:
		b.pub.publish(StateError, 0, ErrWorkerStopped.Error())
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		b.pub.publish(StateError, 0, ctx.Err().Error())
		return nil, ctx.Err()
	}
	if r.err != nil {
		b.pub.publish(StateError, 0, r.err.Error())
		return nil, r.err
	}

	resp, err := parseResponse(r.payload)
	if err != nil {
		b.pub.publish(StateError, 0, err.Error())
		return nil, err
	}
	if resp.Status != statusSuccess {
		b.log.Warn("engine reported failure",
			zap.String("request_id", id),
			zap.String("error", resp.Error))
		b.pub.publish(StateError, 0, resp.Error)
		return nil, &EngineError{Message: resp.Error, RequestID: id}
	}

	b.pub.publish(StateCompleted, 1, "completed")
	return &Result{
		RequestID:  id,
		OutputPath: resp.OutputImagePath,
		Metadata:   resp.Metadata,
		Duration:   time.Since(start),
	}, nil
}

// Version reports the engine version through the worker.
func (b *Bridge) Version(ctx context.Context) (string, error) {
	w := b.w
	if w == nil {
		return "", ErrNotInitialized
	}
	reply := make(chan string, 1)
	if err := w.send(ctx, &versionMsg{reply: reply}); err != nil {
		return "", err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-w.done:
		return "", ErrWorkerStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Shutdown stops the engine and the worker. It is safe before Initialize
// and after a previous Shutdown. The worker is stopped even if the
// engine-level shutdown errors or never replies, so the goroutine cannot
// leak.
func (b *Bridge) Shutdown(ctx context.Context) error {
	w := b.w
	if w == nil {
		b.pub.publish(StateIdle, 0, "disposed")
		return nil
	}
	b.initialized.Store(false)

	var err error
	reply := make(chan struct{}, 1)
	if serr := w.send(ctx, &shutdownMsg{reply: reply}); serr != nil {
		if !errors.Is(serr, ErrWorkerStopped) {
			err = serr
		}
	} else {
		select {
		case <-reply:
		case <-w.done:
		case <-time.After(b.shutdownTimeout):
			err = errors.New("bridge: engine shutdown timed out")
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	w.stop()
	b.w = nil
	b.pub.publish(StateIdle, 0, "disposed")
	if err != nil {
		b.log.Warn("shutdown", zap.Error(err))
	}
	return err
}

// newRequestID returns a ULID for correlating one invocation across logs
// and history.
func newRequestID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
