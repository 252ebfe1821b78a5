package client

import (
	"time"

	"github.com/objectpool/objectpool/internal/session"
)

// ReadBatch is an ordered list of read steps executed against a single
// point-in-time view of one object: every step observes the same state,
// even if writers land between steps. Each add returns a step handle
// whose accessors become valid once the batch has executed.
type ReadBatch struct {
	opBatch
}

// NewReadBatch creates an empty read batch.
func NewReadBatch() *ReadBatch {
	return &ReadBatch{}
}

// Read adds a step reading length bytes starting at offset. Reads past
// the end of the object are clamped.
func (b *ReadBatch) Read(offset, length uint64) (*ReadStep, error) {
	op := &session.SubOp{Kind: session.OpRead, Offset: offset, Length: length}
	if err := b.add(op); err != nil {
		return nil, err
	}
	return &ReadStep{b: &b.opBatch, op: op}, nil
}

// Stat adds a step reading the object's size, modification time, and
// version.
func (b *ReadBatch) Stat() (*StatStep, error) {
	op := &session.SubOp{Kind: session.OpStat}
	if err := b.add(op); err != nil {
		return nil, err
	}
	return &StatStep{b: &b.opBatch, op: op}, nil
}

// GetXattr adds a step reading one extended attribute.
func (b *ReadBatch) GetXattr(name string) (*XattrStep, error) {
	op := &session.SubOp{Kind: session.OpGetXattr, Name: name}
	if err := b.add(op); err != nil {
		return nil, err
	}
	return &XattrStep{b: &b.opBatch, op: op}, nil
}

// GetXattrs adds a step reading all extended attributes.
func (b *ReadBatch) GetXattrs() (*EntriesStep, error) {
	op := &session.SubOp{Kind: session.OpGetXattrs}
	if err := b.add(op); err != nil {
		return nil, err
	}
	return &EntriesStep{b: &b.opBatch, op: op}, nil
}

// OmapGetKeys adds a step reading up to maxReturn keys of the object's
// key-value map, starting after the given key.
func (b *ReadBatch) OmapGetKeys(after string, maxReturn int) (*OmapKeysStep, error) {
	op := &session.SubOp{Kind: session.OpOmapGetKeys, After: after, MaxReturn: maxReturn}
	if err := b.add(op); err != nil {
		return nil, err
	}
	return &OmapKeysStep{b: &b.opBatch, op: op}, nil
}

// OmapGetVals adds a step reading up to maxReturn key-value pairs of
// the object's key-value map, starting after the given key.
func (b *ReadBatch) OmapGetVals(after string, maxReturn int) (*EntriesStep, error) {
	op := &session.SubOp{Kind: session.OpOmapGetVals, After: after, MaxReturn: maxReturn}
	if err := b.add(op); err != nil {
		return nil, err
	}
	return &EntriesStep{b: &b.opBatch, op: op}, nil
}

// OmapGetValsByKeys adds a step reading the values of specific keys.
// Missing keys are absent from the result rather than errors.
func (b *ReadBatch) OmapGetValsByKeys(keys ...string) (*EntriesStep, error) {
	op := &session.SubOp{Kind: session.OpOmapGetValsByKeys, Keys: keys}
	if err := b.add(op); err != nil {
		return nil, err
	}
	return &EntriesStep{b: &b.opBatch, op: op}, nil
}

// AssertExists adds a guard step requiring the object to exist. A
// failing guard aborts the remaining reads in the batch.
func (b *ReadBatch) AssertExists() error {
	return b.add(&session.SubOp{Kind: session.OpAssertExists})
}

// AssertVersion adds a guard step requiring the object's version to
// match.
func (b *ReadBatch) AssertVersion(version uint64) error {
	return b.add(&session.SubOp{Kind: session.OpAssertVersion, Version: version})
}

// CmpXattr adds a guard step comparing an extended attribute's value.
func (b *ReadBatch) CmpXattr(name string, op CompareOp, value []byte) error {
	return b.add(&session.SubOp{Kind: session.OpCmpXattr, Name: name, Compare: op, Value: value})
}

// OmapCmp adds a guard step comparing one key's value in the object's
// key-value map.
func (b *ReadBatch) OmapCmp(key string, op CompareOp, value []byte) error {
	return b.add(&session.SubOp{Kind: session.OpOmapCmp, Name: key, Compare: op, Value: value})
}

// ReadStep is the handle of a byte-range read.
type ReadStep struct {
	b  *opBatch
	op *session.SubOp
}

// Bytes returns the data read. Before the batch completes it returns a
// NOT_READY error.
func (s *ReadStep) Bytes() ([]byte, error) {
	if err := s.b.stepErr(s.op); err != nil {
		return nil, err
	}
	return s.op.Result.Bytes, nil
}

// StatStep is the handle of a stat step.
type StatStep struct {
	b  *opBatch
	op *session.SubOp
}

// Size returns the object's size in bytes.
func (s *StatStep) Size() (uint64, error) {
	if err := s.b.stepErr(s.op); err != nil {
		return 0, err
	}
	return s.op.Result.Size, nil
}

// ModTime returns the object's last modification time.
func (s *StatStep) ModTime() (time.Time, error) {
	if err := s.b.stepErr(s.op); err != nil {
		return time.Time{}, err
	}
	return s.op.Result.ModTime, nil
}

// Version returns the object's version, usable with AssertVersion.
func (s *StatStep) Version() (uint64, error) {
	if err := s.b.stepErr(s.op); err != nil {
		return 0, err
	}
	return s.op.Result.Version, nil
}

// XattrStep is the handle of a single-attribute read.
type XattrStep struct {
	b  *opBatch
	op *session.SubOp
}

// Value returns the attribute value.
func (s *XattrStep) Value() ([]byte, error) {
	if err := s.b.stepErr(s.op); err != nil {
		return nil, err
	}
	return s.op.Result.Bytes, nil
}

// EntriesStep is the handle of a step yielding named entries: all
// xattrs, or a page of omap pairs.
type EntriesStep struct {
	b  *opBatch
	op *session.SubOp
}

// Entries returns the named entries read by the step.
func (s *EntriesStep) Entries() (map[string][]byte, error) {
	if err := s.b.stepErr(s.op); err != nil {
		return nil, err
	}
	return s.op.Result.Entries, nil
}

// More reports whether a paged read stopped short of the full map. It
// is meaningful only after the batch completed.
func (s *EntriesStep) More() bool {
	return s.b.ready() && s.op.Result.More
}

// OmapKeysStep is the handle of a paged omap key read.
type OmapKeysStep struct {
	b  *opBatch
	op *session.SubOp
}

// Keys returns the page of keys, in ascending order.
func (s *OmapKeysStep) Keys() ([]string, error) {
	if err := s.b.stepErr(s.op); err != nil {
		return nil, err
	}
	return s.op.Result.Keys, nil
}

// More reports whether further keys remain past this page.
func (s *OmapKeysStep) More() bool {
	return s.b.ready() && s.op.Result.More
}
