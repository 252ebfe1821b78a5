package client

import (
	"context"

	"github.com/objectpool/objectpool/internal/session"
	perrors "github.com/objectpool/objectpool/pkg/errors"
)

// iteratorPrefetch is the minimum page size fetched from the session,
// so callers draining one name at a time still move in pages.
const iteratorPrefetch = 64

// ObjectIterator walks the object names of a pool namespace, forward
// only. It reflects a live listing: objects created or removed during
// iteration may or may not appear.
type ObjectIterator struct {
	pool      *PoolContext
	namespace string

	cursor    string
	buf       []string
	exhausted bool
	closed    bool
}

// Next returns up to max object names. An empty slice with a nil error
// means the listing is exhausted; later calls keep returning empty.
func (it *ObjectIterator) Next(ctx context.Context, max int) ([]string, error) {
	if it.closed {
		return nil, perrors.New(perrors.ErrCodeInvalidHandle, "iterator is closed")
	}
	if err := it.pool.check(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, perrors.Newf(perrors.ErrCodeInvalidArgument, "max must be positive, got %d", max)
	}

	out := make([]string, 0, max)
	for len(out) < max {
		if len(it.buf) == 0 {
			if it.exhausted {
				break
			}
			limit := max - len(out)
			if limit < iteratorPrefetch {
				limit = iteratorPrefetch
			}
			page, err := it.pool.cluster.sess.ListObjects(ctx, it.pool.id, it.namespace, it.cursor, limit)
			if err != nil {
				return nil, err
			}
			it.buf = page.Names
			it.cursor = page.Cursor
			if page.Cursor == "" {
				it.exhausted = true
			}
			if len(page.Names) == 0 {
				break
			}
		}
		n := max - len(out)
		if n > len(it.buf) {
			n = len(it.buf)
		}
		out = append(out, it.buf[:n]...)
		it.buf = it.buf[n:]
	}
	return out, nil
}

// Close releases the iterator. Further Next calls fail.
func (it *ObjectIterator) Close() {
	it.closed = true
	it.buf = nil
}

// Attr is one named entry yielded by an attribute iterator.
type Attr struct {
	Name  string
	Value []byte
}

type listAttrsFunc func(ctx context.Context, poolID int64, namespace, oid, cursor string, limit int) (*session.AttrPage, error)

// AttrIterator walks an object's extended attributes or key-value map,
// in ascending name order.
type AttrIterator struct {
	pool      *PoolContext
	namespace string
	oid       string
	list      listAttrsFunc

	cursor    string
	buf       []session.AttrEntry
	exhausted bool
	closed    bool
}

// Next returns up to max entries. An empty slice with a nil error means
// the listing is exhausted.
func (it *AttrIterator) Next(ctx context.Context, max int) ([]Attr, error) {
	if it.closed {
		return nil, perrors.New(perrors.ErrCodeInvalidHandle, "iterator is closed")
	}
	if err := it.pool.check(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, perrors.Newf(perrors.ErrCodeInvalidArgument, "max must be positive, got %d", max)
	}

	out := make([]Attr, 0, max)
	for len(out) < max {
		if len(it.buf) == 0 {
			if it.exhausted {
				break
			}
			limit := max - len(out)
			if limit < iteratorPrefetch {
				limit = iteratorPrefetch
			}
			page, err := it.list(ctx, it.pool.id, it.namespace, it.oid, it.cursor, limit)
			if err != nil {
				return nil, err
			}
			it.buf = page.Entries
			it.cursor = page.Cursor
			if page.Cursor == "" {
				it.exhausted = true
			}
			if len(page.Entries) == 0 {
				break
			}
		}
		n := max - len(out)
		if n > len(it.buf) {
			n = len(it.buf)
		}
		for _, e := range it.buf[:n] {
			out = append(out, Attr{Name: e.Name, Value: e.Value})
		}
		it.buf = it.buf[n:]
	}
	return out, nil
}

// Close releases the iterator.
func (it *AttrIterator) Close() {
	it.closed = true
	it.buf = nil
}
