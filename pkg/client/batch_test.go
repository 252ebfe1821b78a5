package client

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/objectpool/objectpool/pkg/errors"
)

func testPool(t *testing.T) *PoolContext {
	t.Helper()
	c, _ := newTestCluster(t, "rbd")
	pool, err := c.OpenPool(context.Background(), "rbd")
	require.NoError(t, err)
	return pool
}

func TestWriteThenReadBack(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	wb := NewWriteBatch()
	require.NoError(t, wb.WriteFull([]byte("hello")))
	require.NoError(t, wb.SetXattr("owner", []byte("alice")))
	require.NoError(t, wb.OmapSet(map[string][]byte{"k": []byte("v")}))
	require.NoError(t, pool.Operate(ctx, "greeting", wb))

	rb := NewReadBatch()
	data, err := rb.Read(0, 64)
	require.NoError(t, err)
	owner, err := rb.GetXattr("owner")
	require.NoError(t, err)
	kv, err := rb.OmapGetValsByKeys("k")
	require.NoError(t, err)
	require.NoError(t, pool.ExecuteRead(ctx, "greeting", rb))

	body, err := data.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), body)

	val, err := owner.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), val)

	entries, err := kv.Entries()
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), entries["k"])
}

func TestRoundTripPreservesBytes(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	payload := []byte{0x00, 0xff, 0x10, 0x00, 0x7f, 0x80, 0x01}
	require.NoError(t, pool.WriteFull(ctx, "binary", payload))

	got, err := pool.Read(ctx, "binary", 0, uint64(len(payload))+8)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPartialWriteAndSparseRead(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	require.NoError(t, pool.Write(ctx, "sparse", []byte("tail"), 8))

	got, err := pool.Read(ctx, "sparse", 0, 64)
	require.NoError(t, err)
	require.Len(t, got, 12)
	assert.Equal(t, make([]byte, 8), got[:8])
	assert.Equal(t, []byte("tail"), got[8:])
}

func TestFailedGuardLeavesNoSideEffects(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	require.NoError(t, pool.WriteFull(ctx, "guarded", []byte("original")))
	require.NoError(t, pool.SetXattr(ctx, "guarded", "state", []byte("old")))

	wb := NewWriteBatch()
	require.NoError(t, wb.CmpXattr("state", CmpEq, []byte("new")))
	require.NoError(t, wb.WriteFull([]byte("clobbered")))
	require.NoError(t, wb.OmapSet(map[string][]byte{"seen": []byte("yes")}))

	err := pool.Operate(ctx, "guarded", wb)
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeAssertFailed, perrors.Code(err))

	// Nothing after the failing guard applied.
	body, err := pool.Read(ctx, "guarded", 0, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), body)
	entries, _, err := pool.OmapGetVals(ctx, "guarded", "", 10)
	require.NoError(t, err)
	assert.NotContains(t, entries, "seen")

	errs, err := wb.StepErrors()
	require.NoError(t, err)
	require.Len(t, errs, 3)
	assert.Equal(t, perrors.ErrCodeAssertFailed, perrors.Code(errs[0]))
	assert.NoError(t, errs[1])
	assert.NoError(t, errs[2])
}

func TestMissingXattrDistinctFromMissingObject(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	require.NoError(t, pool.WriteFull(ctx, "obj", []byte("x")))

	_, err := pool.GetXattr(ctx, "obj", "nope")
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeXattrNotFound, perrors.Code(err))

	_, err = pool.GetXattr(ctx, "ghost", "nope")
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeObjectNotFound, perrors.Code(err))
}

func TestReadGuardAbortsRemainingSteps(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	require.NoError(t, pool.WriteFull(ctx, "obj", []byte("payload")))

	rb := NewReadBatch()
	require.NoError(t, rb.CmpXattr("missing", CmpEq, []byte("x")))
	step, err := rb.Read(0, 64)
	require.NoError(t, err)

	err = pool.ExecuteRead(ctx, "obj", rb)
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeAssertFailed, perrors.Code(err))

	// The read after the failing guard was never tried.
	body, err := step.Bytes()
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestExclusiveCreate(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	wb := NewWriteBatch()
	require.NoError(t, wb.Create(true))
	require.NoError(t, pool.Operate(ctx, "once", wb))

	wb = NewWriteBatch()
	require.NoError(t, wb.Create(true))
	err := pool.Operate(ctx, "once", wb)
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeObjectExists, perrors.Code(err))
}

func TestReadMissingObject(t *testing.T) {
	pool := testPool(t)

	_, err := pool.Read(context.Background(), "ghost", 0, 16)
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeObjectNotFound, perrors.Code(err))
}

func TestBatchIsConsumeOnce(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	wb := NewWriteBatch()
	require.NoError(t, wb.WriteFull([]byte("x")))
	require.NoError(t, pool.Operate(ctx, "obj", wb))

	err := wb.Append([]byte("more"))
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeBatchConsumed, perrors.Code(err))

	err = pool.Operate(ctx, "obj", wb)
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeBatchConsumed, perrors.Code(err))

	rb := NewReadBatch()
	_, err = rb.Stat()
	require.NoError(t, err)
	require.NoError(t, pool.ExecuteRead(ctx, "obj", rb))
	_, err = rb.Read(0, 1)
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeBatchConsumed, perrors.Code(err))
}

func TestReleasedBatchCannotExecute(t *testing.T) {
	pool := testPool(t)

	wb := NewWriteBatch()
	require.NoError(t, wb.WriteFull([]byte("x")))
	wb.Release()

	err := pool.Operate(context.Background(), "obj", wb)
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeBatchConsumed, perrors.Code(err))
}

func TestEmptyBatchRejected(t *testing.T) {
	pool := testPool(t)

	err := pool.Operate(context.Background(), "obj", NewWriteBatch())
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeInvalidArgument, perrors.Code(err))
}

func TestStepResultsNotReadyBeforeComplete(t *testing.T) {
	c, sess := newTestCluster(t, "rbd")
	ctx := context.Background()
	pool, err := c.OpenPool(ctx, "rbd")
	require.NoError(t, err)

	require.NoError(t, pool.WriteFull(ctx, "obj", []byte("data")))

	sess.SetHold(true)
	rb := NewReadBatch()
	step, err := rb.Read(0, 16)
	require.NoError(t, err)
	comp, err := pool.ExecuteReadAsync("obj", rb)
	require.NoError(t, err)
	defer comp.Release()

	_, err = step.Bytes()
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeNotReady, perrors.Code(err))

	sess.ResolveAll()
	require.NoError(t, comp.WaitForComplete(ctx))

	body, err := step.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), body)
}

func TestStatAndTruncate(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	require.NoError(t, pool.WriteFull(ctx, "obj", []byte("0123456789")))

	size, _, version, err := pool.Stat(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), size)
	assert.Equal(t, uint64(1), version)

	require.NoError(t, pool.Truncate(ctx, "obj", 4))

	body, err := pool.Read(ctx, "obj", 0, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), body)
}

func TestXattrHelpers(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	require.NoError(t, pool.WriteFull(ctx, "obj", []byte("x")))
	require.NoError(t, pool.SetXattr(ctx, "obj", "owner", []byte("alice")))
	require.NoError(t, pool.SetXattr(ctx, "obj", "mode", []byte("0644")))

	attrs, err := pool.ListXattrs(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"owner": []byte("alice"),
		"mode":  []byte("0644"),
	}, attrs)

	require.NoError(t, pool.RmXattr(ctx, "obj", "mode"))

	attrs, err = pool.ListXattrs(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"owner": []byte("alice")}, attrs)
}

func TestOmapGetSelectedKeys(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	require.NoError(t, pool.WriteFull(ctx, "idx", []byte("x")))
	require.NoError(t, pool.OmapSet(ctx, "idx", map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
		"c": []byte("3"),
	}))

	got, err := pool.OmapGet(ctx, "idx", "a", "c", "missing")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"a": []byte("1"),
		"c": []byte("3"),
	}, got)
}

func TestAssertVersionRace(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	require.NoError(t, pool.WriteFull(ctx, "counter", []byte("0")))
	_, _, version, err := pool.Stat(ctx, "counter")
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wb := NewWriteBatch()
			if err := wb.AssertVersion(version); err != nil {
				results[i] = err
				return
			}
			if err := wb.WriteFull([]byte{byte('a' + i)}); err != nil {
				results[i] = err
				return
			}
			results[i] = pool.Operate(ctx, "counter", wb)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.Equal(t, perrors.ErrCodeAssertFailed, perrors.Code(err))
		}
	}
	assert.Equal(t, 1, wins, "exactly one guarded writer must win")
}
