package fleet

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/Rajchodisetti/dip-scalper/internal/observ"
	"github.com/Rajchodisetti/dip-scalper/internal/scalp"
	"github.com/rs/zerolog"
)

type task func(ctx context.Context, m *scalp.Machine)

// worker owns one machine and runs its tasks one at a time in arrival
// order. The queue is unbounded so producers never wait on a slow broker
// call for this symbol.
type worker struct {
	m   *scalp.Machine
	log zerolog.Logger

	mu     sync.Mutex
	queue  []task
	closed bool
	notify chan struct{}
}

func newWorker(m *scalp.Machine, log zerolog.Logger) *worker {
	return &worker{
		m:      m,
		log:    log.With().Str("symbol", m.Symbol()).Logger(),
		notify: make(chan struct{}, 1),
	}
}

// enqueue never blocks. It reports false once the worker is closed.
func (w *worker) enqueue(t task) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, t)
	w.mu.Unlock()
	w.wake()
	return true
}

func (w *worker) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.wake()
}

func (w *worker) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// next blocks for the next task. After close the in-flight task is allowed
// to finish but anything still queued is dropped.
func (w *worker) next() (task, bool) {
	for {
		w.mu.Lock()
		if w.closed {
			dropped := len(w.queue)
			w.queue = nil
			w.mu.Unlock()
			if dropped > 0 {
				w.log.Info().Int("dropped", dropped).Msg("worker stopped with queued events")
			}
			return nil, false
		}
		if len(w.queue) > 0 {
			t := w.queue[0]
			w.queue[0] = nil
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return t, true
		}
		w.mu.Unlock()
		<-w.notify
	}
}

func (w *worker) loop(ctx context.Context) {
	for {
		t, ok := w.next()
		if !ok {
			return
		}
		w.run(ctx, t)
	}
}

func (w *worker) run(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			observ.IncHandlerPanic(w.m.Symbol())
			w.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("handler panicked")
		}
	}()
	t(ctx, w.m)
}
