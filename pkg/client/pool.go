package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectpool/objectpool/internal/session"
	perrors "github.com/objectpool/objectpool/pkg/errors"
)

// SnapLive directs reads at the mutable head of objects rather than a
// snapshot.
const SnapLive = session.SnapLive

// PoolContext is an I/O handle bound to one pool. It carries the
// settings every operation issued through it inherits: locator key,
// namespace, read snapshot, and write snapshot context. Setters and
// operations may race; each operation observes a consistent snapshot of
// the settings taken at submit time.
type PoolContext struct {
	cluster *Cluster
	name    string
	id      int64

	mu        sync.Mutex
	locator   string
	namespace string
	readSnap  uint64
	snapc     session.SnapContext

	inflight atomic.Int64
	closed   atomic.Bool
}

// Name returns the pool's name.
func (p *PoolContext) Name() string { return p.name }

// ID returns the pool's numeric id.
func (p *PoolContext) ID() int64 { return p.id }

// SetLocatorKey overrides the placement key for subsequent operations.
// An empty key restores placement by object name.
func (p *PoolContext) SetLocatorKey(key string) {
	p.mu.Lock()
	p.locator = key
	p.mu.Unlock()
}

// SetNamespace scopes subsequent operations and listings to the given
// namespace. The empty string is the default namespace.
func (p *PoolContext) SetNamespace(ns string) {
	p.mu.Lock()
	p.namespace = ns
	p.mu.Unlock()
}

// SetReadSnapshot directs subsequent reads at the given snapshot.
// SnapLive restores reads of the mutable head.
func (p *PoolContext) SetReadSnapshot(snap uint64) {
	p.mu.Lock()
	p.readSnap = snap
	p.mu.Unlock()
}

// SetWriteSnapshotContext sets the snapshot context subsequent writes
// carry, driving copy-on-write preservation of snapshot state.
func (p *PoolContext) SetWriteSnapshotContext(current uint64, members []uint64) {
	p.mu.Lock()
	p.snapc = session.SnapContext{Current: current, Members: append([]uint64(nil), members...)}
	p.mu.Unlock()
}

// Close invalidates the pool context. It fails if operations issued
// through the context are still in flight.
func (p *PoolContext) Close() error {
	if n := p.inflight.Load(); n > 0 {
		return perrors.Newf(perrors.ErrCodeInvalidHandle,
			"pool context has %d operations in flight", n).WithPool(p.name)
	}
	if p.closed.Swap(true) {
		return perrors.New(perrors.ErrCodeInvalidHandle, "pool context already closed").WithPool(p.name)
	}
	p.cluster.forgetPool(p)
	return nil
}

func (p *PoolContext) invalidate() {
	p.closed.Store(true)
}

func (p *PoolContext) check() error {
	if p.closed.Load() {
		return perrors.New(perrors.ErrCodeInvalidHandle, "pool context is closed").WithPool(p.name)
	}
	if !p.cluster.connected() {
		return perrors.New(perrors.ErrCodeNotConnected, "cluster is not connected").WithPool(p.name)
	}
	return nil
}

// request builds a session request from the context's current settings.
func (p *PoolContext) request(oid string, ops []*session.SubOp, readOnly bool) *session.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	req := &session.Request{
		PoolID:    p.id,
		Object:    oid,
		Locator:   p.locator,
		Namespace: p.namespace,
		ReadOnly:  readOnly,
		Ops:       ops,
	}
	if readOnly {
		req.ReadSnap = p.readSnap
	} else {
		req.Snapc = session.SnapContext{
			Current: p.snapc.Current,
			Members: append([]uint64(nil), p.snapc.Members...),
		}
	}
	return req
}

func (p *PoolContext) submit(oid string, batch *opBatch, ops []*session.SubOp, readOnly bool) (*Completion, error) {
	opType := "write"
	if readOnly {
		opType = "read"
	}
	p.inflight.Add(1)
	comp, err := p.cluster.engine.submit(p.request(oid, ops, readOnly), batch, opType, func() {
		p.inflight.Add(-1)
	})
	if err != nil {
		p.inflight.Add(-1)
		return nil, err
	}
	return comp, nil
}

// Operate executes a write batch synchronously, blocking until the
// operation is complete. The batch is consumed whether or not it
// succeeds.
func (p *PoolContext) Operate(ctx context.Context, oid string, b *WriteBatch) error {
	comp, err := p.OperateAsync(oid, b)
	if err != nil {
		return err
	}
	defer comp.Release()
	return comp.WaitForComplete(ctx)
}

// OperateAsync submits a write batch and returns immediately with a
// completion tracking its milestones. The caller must release the
// completion.
func (p *PoolContext) OperateAsync(oid string, b *WriteBatch) (*Completion, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	ops, err := b.consume()
	if err != nil {
		return nil, err
	}
	return p.submit(oid, &b.opBatch, ops, false)
}

// ExecuteRead executes a read batch synchronously. Step handles are
// valid once it returns, even when the overall result is an error.
func (p *PoolContext) ExecuteRead(ctx context.Context, oid string, b *ReadBatch) error {
	comp, err := p.ExecuteReadAsync(oid, b)
	if err != nil {
		return err
	}
	defer comp.Release()
	return comp.WaitForComplete(ctx)
}

// ExecuteReadAsync submits a read batch and returns immediately with a
// completion. Step handles become valid at the complete milestone.
func (p *PoolContext) ExecuteReadAsync(oid string, b *ReadBatch) (*Completion, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	ops, err := b.consume()
	if err != nil {
		return nil, err
	}
	return p.submit(oid, &b.opBatch, ops, true)
}

// Write writes data at the given offset of an object.
func (p *PoolContext) Write(ctx context.Context, oid string, data []byte, offset uint64) error {
	b := NewWriteBatch()
	if err := b.Write(data, offset); err != nil {
		return err
	}
	return p.Operate(ctx, oid, b)
}

// WriteFull replaces an object's body, creating the object if needed.
func (p *PoolContext) WriteFull(ctx context.Context, oid string, data []byte) error {
	b := NewWriteBatch()
	if err := b.WriteFull(data); err != nil {
		return err
	}
	return p.Operate(ctx, oid, b)
}

// Append appends data to an object.
func (p *PoolContext) Append(ctx context.Context, oid string, data []byte) error {
	b := NewWriteBatch()
	if err := b.Append(data); err != nil {
		return err
	}
	return p.Operate(ctx, oid, b)
}

// Truncate resizes an object to size bytes, zero-filling on growth.
func (p *PoolContext) Truncate(ctx context.Context, oid string, size uint64) error {
	b := NewWriteBatch()
	if err := b.Truncate(size); err != nil {
		return err
	}
	return p.Operate(ctx, oid, b)
}

// Remove deletes an object.
func (p *PoolContext) Remove(ctx context.Context, oid string) error {
	b := NewWriteBatch()
	if err := b.Remove(); err != nil {
		return err
	}
	return p.Operate(ctx, oid, b)
}

// Read reads length bytes at offset from an object.
func (p *PoolContext) Read(ctx context.Context, oid string, offset, length uint64) ([]byte, error) {
	b := NewReadBatch()
	step, err := b.Read(offset, length)
	if err != nil {
		return nil, err
	}
	if err := p.ExecuteRead(ctx, oid, b); err != nil {
		return nil, err
	}
	return step.Bytes()
}

// Stat returns an object's size, modification time, and version.
func (p *PoolContext) Stat(ctx context.Context, oid string) (size uint64, modTime time.Time, version uint64, err error) {
	b := NewReadBatch()
	step, err := b.Stat()
	if err != nil {
		return 0, time.Time{}, 0, err
	}
	if err := p.ExecuteRead(ctx, oid, b); err != nil {
		return 0, time.Time{}, 0, err
	}
	if size, err = step.Size(); err != nil {
		return 0, time.Time{}, 0, err
	}
	modTime, _ = step.ModTime()
	version, _ = step.Version()
	return size, modTime, version, nil
}

// GetXattr reads one extended attribute of an object.
func (p *PoolContext) GetXattr(ctx context.Context, oid, name string) ([]byte, error) {
	b := NewReadBatch()
	step, err := b.GetXattr(name)
	if err != nil {
		return nil, err
	}
	if err := p.ExecuteRead(ctx, oid, b); err != nil {
		return nil, err
	}
	return step.Value()
}

// SetXattr sets one extended attribute of an object.
func (p *PoolContext) SetXattr(ctx context.Context, oid, name string, value []byte) error {
	b := NewWriteBatch()
	if err := b.SetXattr(name, value); err != nil {
		return err
	}
	return p.Operate(ctx, oid, b)
}

// RmXattr removes one extended attribute of an object.
func (p *PoolContext) RmXattr(ctx context.Context, oid, name string) error {
	b := NewWriteBatch()
	if err := b.RmXattr(name); err != nil {
		return err
	}
	return p.Operate(ctx, oid, b)
}

// ListXattrs reads all extended attributes of an object.
func (p *PoolContext) ListXattrs(ctx context.Context, oid string) (map[string][]byte, error) {
	b := NewReadBatch()
	step, err := b.GetXattrs()
	if err != nil {
		return nil, err
	}
	if err := p.ExecuteRead(ctx, oid, b); err != nil {
		return nil, err
	}
	return step.Entries()
}

// OmapSet sets keys in an object's key-value map.
func (p *PoolContext) OmapSet(ctx context.Context, oid string, entries map[string][]byte) error {
	b := NewWriteBatch()
	if err := b.OmapSet(entries); err != nil {
		return err
	}
	return p.Operate(ctx, oid, b)
}

// OmapGetVals reads a page of an object's key-value map.
func (p *PoolContext) OmapGetVals(ctx context.Context, oid, after string, maxReturn int) (map[string][]byte, bool, error) {
	b := NewReadBatch()
	step, err := b.OmapGetVals(after, maxReturn)
	if err != nil {
		return nil, false, err
	}
	if err := p.ExecuteRead(ctx, oid, b); err != nil {
		return nil, false, err
	}
	entries, err := step.Entries()
	if err != nil {
		return nil, false, err
	}
	return entries, step.More(), nil
}

// OmapGet reads the named keys of an object's key-value map. Absent
// keys are left out of the result.
func (p *PoolContext) OmapGet(ctx context.Context, oid string, keys ...string) (map[string][]byte, error) {
	b := NewReadBatch()
	step, err := b.OmapGetValsByKeys(keys...)
	if err != nil {
		return nil, err
	}
	if err := p.ExecuteRead(ctx, oid, b); err != nil {
		return nil, err
	}
	return step.Entries()
}

// Objects returns an iterator over the object names visible in the
// context's namespace.
func (p *PoolContext) Objects() *ObjectIterator {
	p.mu.Lock()
	ns := p.namespace
	p.mu.Unlock()
	return &ObjectIterator{pool: p, namespace: ns}
}

// Xattrs returns an iterator over an object's extended attributes.
func (p *PoolContext) Xattrs(oid string) *AttrIterator {
	return p.attrIterator(oid, p.cluster.sess.ListXattrs)
}

// Omap returns an iterator over an object's key-value map, in key
// order.
func (p *PoolContext) Omap(oid string) *AttrIterator {
	return p.attrIterator(oid, p.cluster.sess.ListOmap)
}

func (p *PoolContext) attrIterator(oid string, list listAttrsFunc) *AttrIterator {
	p.mu.Lock()
	ns := p.namespace
	p.mu.Unlock()
	return &AttrIterator{pool: p, namespace: ns, oid: oid, list: list}
}
