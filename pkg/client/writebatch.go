package client

import (
	"github.com/objectpool/objectpool/internal/session"
	perrors "github.com/objectpool/objectpool/pkg/errors"
)

// WriteBatch is an ordered list of mutating steps executed atomically
// against a single object: either every step applies, or the object is
// left untouched. Guard steps (compares, asserts) placed before the
// mutations turn a batch into a conditional update.
//
// A batch is single-use: once executed it cannot be extended or
// executed again.
type WriteBatch struct {
	opBatch
}

// NewWriteBatch creates an empty write batch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{}
}

// Create adds a step that creates the object. With exclusive set the
// batch fails with OBJECT_EXISTS if the object is already there;
// otherwise the step is a no-op on an existing object.
func (b *WriteBatch) Create(exclusive bool) error {
	return b.add(&session.SubOp{Kind: session.OpCreate, Exclusive: exclusive})
}

// Write adds a step that writes data at the given byte offset, growing
// the object if the write extends past its end.
func (b *WriteBatch) Write(data []byte, offset uint64) error {
	return b.add(&session.SubOp{Kind: session.OpWrite, Value: data, Offset: offset})
}

// WriteFull adds a step that replaces the entire object body.
func (b *WriteBatch) WriteFull(data []byte) error {
	return b.add(&session.SubOp{Kind: session.OpWriteFull, Value: data})
}

// Append adds a step that appends data to the object.
func (b *WriteBatch) Append(data []byte) error {
	return b.add(&session.SubOp{Kind: session.OpAppend, Value: data})
}

// Truncate adds a step that resizes the object, zero-filling on growth.
func (b *WriteBatch) Truncate(size uint64) error {
	return b.add(&session.SubOp{Kind: session.OpTruncate, Offset: size})
}

// Zero adds a step that zero-fills a byte range without changing the
// object's size, unless the range extends past the end.
func (b *WriteBatch) Zero(offset, length uint64) error {
	return b.add(&session.SubOp{Kind: session.OpZero, Offset: offset, Length: length})
}

// Remove adds a step that deletes the object.
func (b *WriteBatch) Remove() error {
	return b.add(&session.SubOp{Kind: session.OpRemove})
}

// SetXattr adds a step that sets one extended attribute.
func (b *WriteBatch) SetXattr(name string, value []byte) error {
	if name == "" {
		return perrors.New(perrors.ErrCodeInvalidArgument, "xattr name must not be empty")
	}
	return b.add(&session.SubOp{Kind: session.OpSetXattr, Name: name, Value: value})
}

// RmXattr adds a step that removes one extended attribute.
func (b *WriteBatch) RmXattr(name string) error {
	return b.add(&session.SubOp{Kind: session.OpRmXattr, Name: name})
}

// CmpXattr adds a guard step comparing an extended attribute's value.
// If the comparison does not hold the batch fails with ASSERT_FAILED
// and no mutation applies.
func (b *WriteBatch) CmpXattr(name string, op CompareOp, value []byte) error {
	return b.add(&session.SubOp{Kind: session.OpCmpXattr, Name: name, Compare: op, Value: value})
}

// OmapSet adds a step that sets the given keys in the object's
// key-value map.
func (b *WriteBatch) OmapSet(entries map[string][]byte) error {
	if len(entries) == 0 {
		return perrors.New(perrors.ErrCodeInvalidArgument, "omap set requires at least one entry")
	}
	copied := make(map[string][]byte, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	return b.add(&session.SubOp{Kind: session.OpOmapSet, Entries: copied})
}

// OmapRmKeys adds a step that removes the given keys from the object's
// key-value map. Missing keys are ignored.
func (b *WriteBatch) OmapRmKeys(keys ...string) error {
	return b.add(&session.SubOp{Kind: session.OpOmapRmKeys, Keys: keys})
}

// OmapClear adds a step that removes every key from the object's
// key-value map.
func (b *WriteBatch) OmapClear() error {
	return b.add(&session.SubOp{Kind: session.OpOmapClear})
}

// OmapCmp adds a guard step comparing one key's value in the object's
// key-value map.
func (b *WriteBatch) OmapCmp(key string, op CompareOp, value []byte) error {
	return b.add(&session.SubOp{Kind: session.OpOmapCmp, Name: key, Compare: op, Value: value})
}

// AssertExists adds a guard step requiring the object to exist.
func (b *WriteBatch) AssertExists() error {
	return b.add(&session.SubOp{Kind: session.OpAssertExists})
}

// AssertVersion adds a guard step requiring the object's version to
// match. Combined with a prior Stat this gives optimistic concurrency:
// of two racing updates guarded on the same version, exactly one wins.
func (b *WriteBatch) AssertVersion(version uint64) error {
	return b.add(&session.SubOp{Kind: session.OpAssertVersion, Version: version})
}

// SetAllocationHint adds an advisory step hinting at the object's
// expected final size and write sizes. It never fails the batch.
func (b *WriteBatch) SetAllocationHint(expectedSize, expectedWriteSize uint64) error {
	return b.add(&session.SubOp{Kind: session.OpSetAllocHint, HintSize: expectedSize, HintWrite: expectedWriteSize})
}

// StepErrors returns the per-step outcome of an executed batch, in step
// order. On an all-or-nothing failure the failing guard carries its
// error and the untried steps carry nil.
func (b *WriteBatch) StepErrors() ([]error, error) {
	if !b.ready() {
		return nil, perrors.New(perrors.ErrCodeNotReady, "batch results not yet available")
	}
	errs := make([]error, len(b.ops))
	for i, op := range b.ops {
		errs[i] = op.Result.Err
	}
	return errs, nil
}
