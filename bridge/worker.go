package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/greenstalk/leafpress/engine"
)

var (
	// ErrWorkerStopped is returned for requests sent after the worker
	// exited.
	ErrWorkerStopped = errors.New("bridge: worker stopped")

	errHandshakeTimeout = errors.New("bridge: worker handshake timeout")
)

const (
	inboxDepth       = 16
	handshakeTimeout = 5 * time.Second
)

// worker owns the engine binding. The binding is created inside the worker
// goroutine and never leaves it; every engine call executes there,
// synchronously and in strict message arrival order, with no fan-out.
type worker struct {
	inbox chan message
	quit  chan struct{}
	done  chan struct{}

	stopOnce   sync.Once
	log        *zap.Logger
	engineOpts []engine.Option

	// owns is true while this worker's Init holds the engine. Only the
	// loop goroutine touches it. A worker whose Init was rejected (the
	// engine already belongs to another worker) must not tear the engine
	// down on its way out.
	owns bool
}

// startWorker spawns the worker and waits for its handshake. If the
// handshake never arrives the spawn fails fast with no worker left running.
func startWorker(log *zap.Logger, opts ...engine.Option) (*worker, error) {
	w := &worker{
		inbox:      make(chan message, inboxDepth),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log,
		engineOpts: opts,
	}

	ready := make(chan struct{})
	go w.loop(ready)

	select {
	case <-ready:
		return w, nil
	case <-time.After(handshakeTimeout):
		w.stop()
		return nil, errHandshakeTimeout
	}
}

func (w *worker) loop(ready chan<- struct{}) {
	defer close(w.done)

	// Private ABI binding, local to this goroutine for its whole life.
	abi := engine.Open(w.engineOpts...)
	close(ready)

	for {
		select {
		case msg := <-w.inbox:
			if w.handle(abi, msg) {
				return
			}
		case <-w.quit:
			// Last-resort stop: the engine-level shutdown message may
			// never have been processed, so issue it here.
			if w.owns {
				abi.Shutdown()
			}
			return
		}
	}
}

// handle processes one message and reports whether the worker should exit.
func (w *worker) handle(abi *engine.ABI, msg message) (last bool) {
	switch m := msg.(type) {
	case *initMsg:
		w.log.Debug("worker init",
			zap.String("library", m.libraryPath),
			zap.String("assets", m.assetsPath))
		code := abi.Init(m.runtimeHome, m.assetsPath)
		switch code {
		case engine.CodeOK:
			w.owns = true
			m.reply <- initReply{code: code, version: abi.Version()}
		case engine.CodeAlreadyInitialized:
			// The existing initialization stays untouched.
			m.reply <- initReply{code: code, errText: abi.LastError()}
		default:
			// The engine tears itself down on failure; shut down again
			// here so no half-initialized runtime can linger.
			errText := abi.LastError()
			abi.Shutdown()
			m.reply <- initReply{code: code, errText: errText}
		}

	case *invokeMsg:
		out := abi.ProcessImage(m.inputJSON)
		if out == nil {
			// Distinguished signal: never parsed as an envelope.
			m.reply <- invokeReply{err: ErrNotInitialized}
			return false
		}
		payload := out.String()
		// The owned buffer is released before the reply is sent; its
		// lifetime never crosses the worker boundary.
		if err := abi.FreeString(out); err != nil {
			w.log.Error("worker free result", zap.Error(err))
		}
		m.reply <- invokeReply{payload: payload}

	case *shutdownMsg:
		abi.Shutdown()
		w.owns = false
		m.reply <- struct{}{}
		return true

	case *versionMsg:
		m.reply <- abi.Version()
	}
	return false
}

// send queues a message for the worker. It fails instead of blocking when
// the worker is gone or ctx expires before the message is accepted.
func (w *worker) send(ctx context.Context, msg message) error {
	select {
	case w.inbox <- msg:
		return nil
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop tears the worker down without draining queued messages. The facade
// uses it when the engine-level shutdown errors or never replies, so the
// goroutine is not leaked.
func (w *worker) stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
	})
}
