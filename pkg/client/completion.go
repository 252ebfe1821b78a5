package client

import (
	"context"
	"sync"
	"time"

	perrors "github.com/objectpool/objectpool/pkg/errors"
)

// Callback is invoked by a dispatch worker when a completion reaches a
// milestone. Callbacks must not block for long; they share the engine's
// worker pool with every other in-flight operation.
type Callback func(*Completion)

// Completion tracks one asynchronous operation through its two
// milestones: acknowledged (the cluster accepted and ordered the
// operation) and complete (the operation is durable and its results are
// final). A completion is created with two references, one held by the
// caller and one by the engine; the engine drops its reference when the
// operation completes, and the caller must call Release exactly once.
type Completion struct {
	eng       *engine
	batch     *opBatch
	opType    string
	queue     int
	submitted time.Time

	ackCh      chan struct{}
	completeCh chan struct{}

	mu         sync.Mutex
	refs       int
	acked      bool
	completed  bool
	ackErr     error
	err        error
	ackCb      Callback
	completeCb Callback
	ackFired   bool
	compFired  bool
	onFinal    func()
}

func newCompletion(eng *engine, batch *opBatch, opType string, onFinal func()) *Completion {
	return &Completion{
		eng:        eng,
		batch:      batch,
		opType:     opType,
		submitted:  time.Now(),
		ackCh:      make(chan struct{}),
		completeCh: make(chan struct{}),
		refs:       2,
		onFinal:    onFinal,
	}
}

// IsAckReached reports whether the acknowledged milestone was reached.
func (c *Completion) IsAckReached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

// IsComplete reports whether the complete milestone was reached.
func (c *Completion) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// WaitForAck blocks until the operation is acknowledged or the context
// is cancelled, and returns the acknowledgment outcome.
func (c *Completion) WaitForAck(ctx context.Context) error {
	select {
	case <-c.ackCh:
		return c.AckValue()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForComplete blocks until the operation is complete or the context
// is cancelled, and returns the final outcome.
func (c *Completion) WaitForComplete(ctx context.Context) error {
	select {
	case <-c.completeCh:
		return c.ReturnValue()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AckValue returns the acknowledgment outcome. Before the milestone it
// returns a NOT_READY error; afterwards the value is stable.
func (c *Completion) AckValue() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acked {
		return perrors.New(perrors.ErrCodeNotReady, "operation not yet acknowledged")
	}
	return c.ackErr
}

// ReturnValue returns the final outcome of the operation: nil on
// success, otherwise the first failing step's error. Before the
// complete milestone it returns a NOT_READY error; afterwards every
// call returns the same value.
func (c *Completion) ReturnValue() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.completed {
		return perrors.New(perrors.ErrCodeNotReady, "operation not yet complete")
	}
	return c.err
}

// OnAck registers the acknowledged-milestone callback. If the milestone
// already passed and no callback has fired for it, fn is dispatched
// immediately; once a callback has fired for the milestone further
// registrations are ignored.
func (c *Completion) OnAck(fn Callback) {
	c.mu.Lock()
	if c.ackFired {
		c.mu.Unlock()
		return
	}
	c.ackCb = fn
	fire := c.acked && fn != nil
	if fire {
		c.ackFired = true
	}
	c.mu.Unlock()
	if fire {
		c.eng.dispatch(c, fn)
	}
}

// OnComplete registers the complete-milestone callback, with the same
// late-registration behavior as OnAck.
func (c *Completion) OnComplete(fn Callback) {
	c.mu.Lock()
	if c.compFired {
		c.mu.Unlock()
		return
	}
	c.completeCb = fn
	fire := c.completed && fn != nil
	if fire {
		c.compFired = true
	}
	c.mu.Unlock()
	if fire {
		c.eng.dispatch(c, fn)
	}
}

// Release drops the caller's reference. Callers must release every
// completion they obtain, exactly once; releasing twice panics.
func (c *Completion) Release() {
	c.decref()
}

func (c *Completion) decref() {
	c.mu.Lock()
	c.refs--
	refs := c.refs
	c.mu.Unlock()
	if refs < 0 {
		panic("objectpool: completion released after its reference count reached zero")
	}
}

// markAck is called by the engine poll loop when the acknowledged
// milestone is reached.
func (c *Completion) markAck(err error) {
	c.mu.Lock()
	if c.acked {
		c.mu.Unlock()
		return
	}
	c.acked = true
	c.ackErr = err
	fn := c.ackCb
	fire := fn != nil && !c.ackFired
	if fire {
		c.ackFired = true
	}
	c.mu.Unlock()

	close(c.ackCh)
	c.eng.metrics.RecordLatency("ack", time.Since(c.submitted))
	if fire {
		c.eng.dispatch(c, fn)
	}
}

// markComplete is called by the engine poll loop when the operation is
// final. It publishes step results, runs the pool's bookkeeping hook,
// and drops the engine's reference.
func (c *Completion) markComplete(err error) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	var ackFn Callback
	if !c.acked {
		// A failure before acknowledgment still resolves both
		// milestones so waiters never hang.
		c.acked = true
		c.ackErr = err
		close(c.ackCh)
		if c.ackCb != nil && !c.ackFired {
			c.ackFired = true
			ackFn = c.ackCb
		}
	}
	c.completed = true
	c.err = err
	fn := c.completeCb
	fire := fn != nil && !c.compFired
	if fire {
		c.compFired = true
	}
	final := c.onFinal
	c.onFinal = nil
	c.mu.Unlock()

	if c.batch != nil {
		c.batch.done.Store(true)
	}
	close(c.completeCh)
	result := "success"
	if err != nil {
		result = string(perrors.Code(err))
		if result == "" {
			result = "error"
		}
	}
	c.eng.metrics.RecordLatency("complete", time.Since(c.submitted))
	c.eng.metrics.RecordOperation(c.opType, result)
	c.eng.metrics.OperationFinished()
	if final != nil {
		final()
	}
	if ackFn != nil {
		c.eng.dispatch(c, ackFn)
	}
	if fire {
		c.eng.dispatch(c, fn)
	}
	c.decref()
}
