package client

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectpool/objectpool/internal/config"
	"github.com/objectpool/objectpool/internal/metrics"
	"github.com/objectpool/objectpool/internal/session"
	perrors "github.com/objectpool/objectpool/pkg/errors"
)

// callbackEvent pairs a completion with the callback to invoke for it.
type callbackEvent struct {
	comp *Completion
	fn   Callback
}

// engine drives asynchronous operations to their milestones. A single
// poll loop walks the pending set asking the session for progress; a
// fixed pool of dispatch workers invokes milestone callbacks so a slow
// callback can never stall polling.
type engine struct {
	sess    session.Session
	logger  *slog.Logger
	metrics *metrics.Collector
	cfg     config.Engine

	// Each worker owns one queue. A completion's events always land on
	// the same queue, so its ack callback runs before its complete
	// callback even with many workers.
	queues    []chan callbackEvent
	nextQueue atomic.Uint64
	kick      chan struct{}
	quit      chan struct{}

	pollWg   sync.WaitGroup
	workerWg sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*Completion

	// sendMu serializes event sends against engine shutdown so a late
	// callback registration never hits a closed channel.
	sendMu  sync.RWMutex
	stopped bool
	started bool
}

func newEngine(sess session.Session, logger *slog.Logger, collector *metrics.Collector, cfg config.Engine) *engine {
	e := &engine{
		sess:    sess,
		logger:  logger.With("component", "engine"),
		metrics: collector,
		cfg:     cfg,
		queues:  make([]chan callbackEvent, cfg.DispatchWorkers),
		kick:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		pending: make(map[string]*Completion),
	}
	perQueue := cfg.QueueSize / cfg.DispatchWorkers
	if perQueue < 1 {
		perQueue = 1
	}
	for i := range e.queues {
		e.queues[i] = make(chan callbackEvent, perQueue)
	}
	return e
}

func (e *engine) start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	for i := 0; i < e.cfg.DispatchWorkers; i++ {
		e.workerWg.Add(1)
		go e.dispatchWorker(e.queues[i])
	}
	e.pollWg.Add(1)
	go e.pollLoop()
}

// submit hands one built request to the session and registers a
// completion for it. The returned completion carries the caller's
// reference; the engine holds the second one until complete.
func (e *engine) submit(req *session.Request, batch *opBatch, opType string, onFinal func()) (*Completion, error) {
	e.sendMu.RLock()
	stopped := e.stopped
	e.sendMu.RUnlock()
	if stopped {
		return nil, perrors.New(perrors.ErrCodeInvalidHandle, "cluster handle is shut down")
	}

	id, err := e.sess.Submit(context.Background(), req)
	if err != nil {
		return nil, perrors.Wrap(perrors.ErrCodeTransportFailure, "submit failed", err).
			WithOperation(opType).WithObject(req.Object)
	}

	comp := newCompletion(e, batch, opType, onFinal)
	comp.queue = int(e.nextQueue.Add(1) % uint64(len(e.queues)))
	e.mu.Lock()
	e.pending[id] = comp
	e.mu.Unlock()
	e.metrics.OperationStarted()

	// Nudge the poller so short operations are not stuck waiting out a
	// full poll interval.
	select {
	case e.kick <- struct{}{}:
	default:
	}
	return comp, nil
}

func (e *engine) pollLoop() {
	defer e.pollWg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
			e.pollPending()
		case <-e.kick:
			e.pollPending()
		}
	}
}

func (e *engine) pollPending() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.mu.Lock()
		comp, ok := e.pending[id]
		e.mu.Unlock()
		if !ok {
			continue
		}

		res, err := e.sess.PollResult(context.Background(), id)
		if err != nil {
			e.logger.Warn("poll failed, failing operation",
				"request_id", id, "error", err)
			e.resolve(id, comp, perrors.Wrap(perrors.ErrCodeTransportFailure, "poll failed", err))
			continue
		}
		if res.AckReached {
			comp.markAck(res.AckErr)
		}
		if res.Complete {
			e.mu.Lock()
			delete(e.pending, id)
			e.mu.Unlock()
			comp.markComplete(res.Err)
		}
	}
}

// resolve fails one pending operation at both milestones.
func (e *engine) resolve(id string, comp *Completion, err error) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
	comp.markComplete(err)
}

// dispatch queues one callback invocation on the completion's worker
// queue. After shutdown the callback runs on its own goroutine instead;
// the pool is gone but late registrations still fire.
func (e *engine) dispatch(comp *Completion, fn Callback) {
	e.sendMu.RLock()
	if e.stopped {
		e.sendMu.RUnlock()
		go fn(comp)
		return
	}
	q := e.queues[comp.queue]
	q <- callbackEvent{comp: comp, fn: fn}
	e.metrics.QueueDepth(len(q))
	e.sendMu.RUnlock()
}

func (e *engine) dispatchWorker(queue chan callbackEvent) {
	defer e.workerWg.Done()
	for ev := range queue {
		ev.fn(ev.comp)
		e.metrics.CallbackDispatched()
		e.metrics.QueueDepth(len(queue))
	}
}

// stop halts polling, fails every pending operation with an
// invalid-handle error, and drains the dispatch queue.
func (e *engine) stop() {
	e.sendMu.Lock()
	if e.stopped {
		e.sendMu.Unlock()
		return
	}
	e.stopped = true
	e.sendMu.Unlock()

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()

	close(e.quit)
	if started {
		e.pollWg.Wait()
	}

	e.mu.Lock()
	orphaned := make(map[string]*Completion, len(e.pending))
	for id, comp := range e.pending {
		orphaned[id] = comp
	}
	e.pending = make(map[string]*Completion)
	e.mu.Unlock()

	for id, comp := range orphaned {
		e.logger.Warn("failing operation pending at shutdown", "request_id", id)
		comp.markComplete(perrors.New(perrors.ErrCodeInvalidHandle,
			"cluster handle shut down with the operation in flight"))
	}

	for _, q := range e.queues {
		close(q)
	}
	if started {
		e.workerWg.Wait()
	}
}
