package client

import (
	"sync/atomic"

	"github.com/objectpool/objectpool/internal/session"
	perrors "github.com/objectpool/objectpool/pkg/errors"
)

// CompareOp is the operator of a compare step.
type CompareOp = session.CompareOp

// Compare operators.
const (
	CmpEq  = session.CmpEq
	CmpNe  = session.CmpNe
	CmpGt  = session.CmpGt
	CmpGte = session.CmpGte
	CmpLt  = session.CmpLt
	CmpLte = session.CmpLte
)

type batchState int

const (
	batchBuilding batchState = iota
	batchExecuted
	batchReleased
)

// opBatch is the shared core of WriteBatch and ReadBatch: an ordered
// list of steps with a consume-once lifecycle. Batches are built and
// executed by one goroutine; they carry no lock.
type opBatch struct {
	state batchState
	ops   []*session.SubOp

	// done flips when the operation that consumed the batch reached its
	// complete milestone and step results became valid. It is the one
	// field read by other goroutines, via step accessors.
	done atomic.Bool
}

// Len returns the number of steps added so far.
func (b *opBatch) Len() int {
	return len(b.ops)
}

func (b *opBatch) add(op *session.SubOp) error {
	switch b.state {
	case batchExecuted:
		return perrors.New(perrors.ErrCodeBatchConsumed, "batch already executed")
	case batchReleased:
		return perrors.New(perrors.ErrCodeBatchConsumed, "batch already released")
	}
	b.ops = append(b.ops, op)
	return nil
}

// consume transitions the batch to executed and hands its steps over.
func (b *opBatch) consume() ([]*session.SubOp, error) {
	switch b.state {
	case batchExecuted:
		return nil, perrors.New(perrors.ErrCodeBatchConsumed, "batch already executed")
	case batchReleased:
		return nil, perrors.New(perrors.ErrCodeBatchConsumed, "batch already released")
	}
	if len(b.ops) == 0 {
		return nil, perrors.New(perrors.ErrCodeInvalidArgument, "batch has no steps")
	}
	b.state = batchExecuted
	return b.ops, nil
}

// Release discards the batch. Releasing is optional for executed
// batches but required to retire a batch that was never executed.
func (b *opBatch) Release() {
	b.state = batchReleased
}

func (b *opBatch) ready() bool {
	return b.done.Load()
}

// stepErr maps a step's recorded result to the caller-facing error,
// guarding against reads before the operation completed.
func (b *opBatch) stepErr(op *session.SubOp) error {
	if !b.ready() {
		return perrors.Newf(perrors.ErrCodeNotReady, "%s step result not yet available", op.Kind)
	}
	return op.Result.Err
}
