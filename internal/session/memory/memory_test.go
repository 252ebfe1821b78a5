package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectpool/objectpool/internal/session"
	perrors "github.com/objectpool/objectpool/pkg/errors"
)

func newConnected(t *testing.T, pools ...string) *Session {
	t.Helper()
	s := New(pools...)
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func submitWait(t *testing.T, s *Session, req *session.Request) *session.Result {
	t.Helper()
	id, err := s.Submit(context.Background(), req)
	require.NoError(t, err)
	res, err := s.PollResult(context.Background(), id)
	require.NoError(t, err)
	require.True(t, res.Complete)
	return res
}

func writeReq(poolID int64, oid string, ops ...*session.SubOp) *session.Request {
	return &session.Request{PoolID: poolID, Object: oid, Ops: ops}
}

func readReq(poolID int64, oid string, ops ...*session.SubOp) *session.Request {
	return &session.Request{PoolID: poolID, Object: oid, ReadOnly: true, Ops: ops}
}

func TestLookupPool(t *testing.T) {
	s := newConnected(t, "rbd")

	id, err := s.LookupPool(context.Background(), "rbd")
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = s.LookupPool(context.Background(), "nope")
	assert.True(t, perrors.IsCode(err, perrors.ErrCodePoolNotFound))
}

func TestLookupPoolNotConnected(t *testing.T) {
	s := New("rbd")
	_, err := s.LookupPool(context.Background(), "rbd")
	assert.True(t, perrors.IsCode(err, perrors.ErrCodeNotConnected))
}

func TestWriteThenReadBack(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")

	res := submitWait(t, s, writeReq(pid, "obj",
		&session.SubOp{Kind: session.OpWrite, Value: []byte("hello"), Offset: 0},
		&session.SubOp{Kind: session.OpSetXattr, Name: "k", Value: []byte("v")},
	))
	require.NoError(t, res.Err)

	read := &session.SubOp{Kind: session.OpRead, Offset: 0, Length: 5}
	xattr := &session.SubOp{Kind: session.OpGetXattr, Name: "k"}
	res = submitWait(t, s, readReq(pid, "obj", read, xattr))
	require.NoError(t, res.Err)

	assert.Equal(t, []byte("hello"), read.Result.Bytes)
	assert.Equal(t, []byte("v"), xattr.Result.Bytes)
}

func TestFailedAssertLeavesNoSideEffects(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")

	res := submitWait(t, s, writeReq(pid, "obj",
		&session.SubOp{Kind: session.OpWriteFull, Value: []byte("base")},
	))
	require.NoError(t, res.Err)

	// write, failing compare, write: nothing may be applied
	a := &session.SubOp{Kind: session.OpWriteFull, Value: []byte("changed")}
	b := &session.SubOp{Kind: session.OpCmpXattr, Name: "missing", Compare: session.CmpEq, Value: []byte("x")}
	c := &session.SubOp{Kind: session.OpSetXattr, Name: "after", Value: []byte("y")}
	res = submitWait(t, s, writeReq(pid, "obj", a, b, c))
	assert.True(t, perrors.IsCode(res.Err, perrors.ErrCodeAssertFailed))
	assert.Error(t, b.Result.Err)
	assert.NoError(t, c.Result.Err, "aborted steps carry no error of their own")

	read := &session.SubOp{Kind: session.OpRead, Offset: 0, Length: 64}
	attrs := &session.SubOp{Kind: session.OpGetXattrs}
	res = submitWait(t, s, readReq(pid, "obj", read, attrs))
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("base"), read.Result.Bytes)
	assert.Empty(t, attrs.Result.Entries)
}

func TestAssertVersionRace(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")

	res := submitWait(t, s, writeReq(pid, "obj",
		&session.SubOp{Kind: session.OpWriteFull, Value: []byte("v1")},
	))
	require.NoError(t, res.Err)

	stat := &session.SubOp{Kind: session.OpStat}
	res = submitWait(t, s, readReq(pid, "obj", stat))
	require.NoError(t, res.Err)
	version := stat.Result.Version

	first := submitWait(t, s, writeReq(pid, "obj",
		&session.SubOp{Kind: session.OpAssertVersion, Version: version},
		&session.SubOp{Kind: session.OpWriteFull, Value: []byte("first")},
	))
	second := submitWait(t, s, writeReq(pid, "obj",
		&session.SubOp{Kind: session.OpAssertVersion, Version: version},
		&session.SubOp{Kind: session.OpWriteFull, Value: []byte("second")},
	))

	require.NoError(t, first.Err)
	assert.True(t, perrors.IsCode(second.Err, perrors.ErrCodeAssertFailed))

	read := &session.SubOp{Kind: session.OpRead, Offset: 0, Length: 16}
	res = submitWait(t, s, readReq(pid, "obj", read))
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("first"), read.Result.Bytes)
}

func TestExclusiveCreate(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")

	res := submitWait(t, s, writeReq(pid, "obj",
		&session.SubOp{Kind: session.OpCreate, Exclusive: true},
	))
	require.NoError(t, res.Err)

	res = submitWait(t, s, writeReq(pid, "obj",
		&session.SubOp{Kind: session.OpCreate, Exclusive: true},
	))
	assert.True(t, perrors.IsCode(res.Err, perrors.ErrCodeObjectExists))
}

func TestReadMissingObject(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")

	read := &session.SubOp{Kind: session.OpRead, Offset: 0, Length: 4}
	res := submitWait(t, s, readReq(pid, "ghost", read))
	assert.True(t, perrors.IsCode(res.Err, perrors.ErrCodeObjectNotFound))
}

func TestRemoveDropsObjectFromListing(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")

	for _, oid := range []string{"a", "b", "c"} {
		res := submitWait(t, s, writeReq(pid, oid,
			&session.SubOp{Kind: session.OpWriteFull, Value: []byte(oid)},
		))
		require.NoError(t, res.Err)
	}

	res := submitWait(t, s, writeReq(pid, "b",
		&session.SubOp{Kind: session.OpRemove},
	))
	require.NoError(t, res.Err)

	page, err := s.ListObjects(context.Background(), pid, "", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, page.Names)
	assert.Empty(t, page.Cursor)
}

func TestListObjectsPagination(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")

	want := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		oid := fmt.Sprintf("obj-%03d", i)
		want = append(want, oid)
		res := submitWait(t, s, writeReq(pid, oid,
			&session.SubOp{Kind: session.OpWriteFull, Value: []byte("x")},
		))
		require.NoError(t, res.Err)
	}

	var got []string
	cursor := ""
	pages := 0
	for {
		page, err := s.ListObjects(context.Background(), pid, "", cursor, 10)
		require.NoError(t, err)
		got = append(got, page.Names...)
		pages++
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	assert.Equal(t, want, got)
	assert.Equal(t, 3, pages)
}

func TestNamespaceIsolation(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")

	res := submitWait(t, s, &session.Request{
		PoolID: pid, Object: "shared", Namespace: "ns1",
		Ops: []*session.SubOp{{Kind: session.OpWriteFull, Value: []byte("one")}},
	})
	require.NoError(t, res.Err)
	res = submitWait(t, s, &session.Request{
		PoolID: pid, Object: "shared", Namespace: "ns2",
		Ops: []*session.SubOp{{Kind: session.OpWriteFull, Value: []byte("two")}},
	})
	require.NoError(t, res.Err)

	page, err := s.ListObjects(context.Background(), pid, "ns1", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, page.Names)

	read := &session.SubOp{Kind: session.OpRead, Offset: 0, Length: 8}
	res = submitWait(t, s, &session.Request{
		PoolID: pid, Object: "shared", Namespace: "ns2", ReadOnly: true,
		Ops: []*session.SubOp{read},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("two"), read.Result.Bytes)
}

func TestSnapshotCopyOnWrite(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")

	res := submitWait(t, s, writeReq(pid, "obj",
		&session.SubOp{Kind: session.OpWriteFull, Value: []byte("before")},
	))
	require.NoError(t, res.Err)

	snap := s.CreateSnapshot()

	res = submitWait(t, s, &session.Request{
		PoolID: pid, Object: "obj",
		Snapc: session.SnapContext{Current: snap, Members: []uint64{snap}},
		Ops:   []*session.SubOp{{Kind: session.OpWriteFull, Value: []byte("after")}},
	})
	require.NoError(t, res.Err)

	head := &session.SubOp{Kind: session.OpRead, Offset: 0, Length: 16}
	res = submitWait(t, s, readReq(pid, "obj", head))
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("after"), head.Result.Bytes)

	old := &session.SubOp{Kind: session.OpRead, Offset: 0, Length: 16}
	res = submitWait(t, s, &session.Request{
		PoolID: pid, Object: "obj", ReadOnly: true, ReadSnap: snap,
		Ops: []*session.SubOp{old},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("before"), old.Result.Bytes)
}

func TestSnapshotExcludesLaterObjects(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")

	snap := s.CreateSnapshot()

	res := submitWait(t, s, writeReq(pid, "newborn",
		&session.SubOp{Kind: session.OpWriteFull, Value: []byte("late")},
	))
	require.NoError(t, res.Err)

	// the object was created after the snapshot was cut, so a read at
	// that snapshot must not see it
	res = submitWait(t, s, &session.Request{
		PoolID: pid, Object: "newborn", ReadOnly: true, ReadSnap: snap,
		Ops: []*session.SubOp{{Kind: session.OpRead, Length: 4}},
	})
	assert.True(t, perrors.IsCode(res.Err, perrors.ErrCodeObjectNotFound))

	res = submitWait(t, s, &session.Request{
		PoolID: pid, Object: "newborn", ReadOnly: true, ReadSnap: snap,
		Ops: []*session.SubOp{{Kind: session.OpStat}},
	})
	assert.True(t, perrors.IsCode(res.Err, perrors.ErrCodeObjectNotFound))

	head := &session.SubOp{Kind: session.OpRead, Offset: 0, Length: 4}
	res = submitWait(t, s, readReq(pid, "newborn", head))
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("late"), head.Result.Bytes)
}

func TestSnapshotStatReportsCloneVersion(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")

	res := submitWait(t, s, writeReq(pid, "obj",
		&session.SubOp{Kind: session.OpWriteFull, Value: []byte("v1")},
	))
	require.NoError(t, res.Err)

	snap := s.CreateSnapshot()

	res = submitWait(t, s, &session.Request{
		PoolID: pid, Object: "obj",
		Snapc: session.SnapContext{Current: snap, Members: []uint64{snap}},
		Ops:   []*session.SubOp{{Kind: session.OpWriteFull, Value: []byte("v2")}},
	})
	require.NoError(t, res.Err)

	headStat := &session.SubOp{Kind: session.OpStat}
	res = submitWait(t, s, readReq(pid, "obj", headStat))
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(2), headStat.Result.Version)

	snapStat := &session.SubOp{Kind: session.OpStat}
	res = submitWait(t, s, &session.Request{
		PoolID: pid, Object: "obj", ReadOnly: true, ReadSnap: snap,
		Ops: []*session.SubOp{snapStat},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(1), snapStat.Result.Version)
	assert.Equal(t, uint64(2), snapStat.Result.Size)
	assert.True(t, snapStat.Result.ModTime.Before(headStat.Result.ModTime) ||
		snapStat.Result.ModTime.Equal(headStat.Result.ModTime))
}

func TestSnapshotInvalid(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")

	res := submitWait(t, s, writeReq(pid, "obj",
		&session.SubOp{Kind: session.OpWriteFull, Value: []byte("x")},
	))
	require.NoError(t, res.Err)

	// never-issued snapshot id
	res = submitWait(t, s, &session.Request{
		PoolID: pid, Object: "obj", ReadOnly: true, ReadSnap: 999,
		Ops: []*session.SubOp{{Kind: session.OpRead, Length: 1}},
	})
	assert.True(t, perrors.IsCode(res.Err, perrors.ErrCodeSnapshotInvalid))

	// removed snapshot id
	snap := s.CreateSnapshot()
	s.RemoveSnapshot(snap)
	res = submitWait(t, s, &session.Request{
		PoolID: pid, Object: "obj", ReadOnly: true, ReadSnap: snap,
		Ops: []*session.SubOp{{Kind: session.OpRead, Length: 1}},
	})
	assert.True(t, perrors.IsCode(res.Err, perrors.ErrCodeSnapshotInvalid))
}

func TestHoldDefersApplication(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")
	s.SetHold(true)

	id, err := s.Submit(context.Background(), writeReq(pid, "obj",
		&session.SubOp{Kind: session.OpWriteFull, Value: []byte("x")},
	))
	require.NoError(t, err)

	res, err := s.PollResult(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, res.AckReached)
	assert.False(t, res.Complete)

	s.Resolve(id)
	res, err = s.PollResult(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.AckReached)
	assert.True(t, res.Complete)
	assert.NoError(t, res.Err)
}

func TestOmapPagedReads(t *testing.T) {
	s := newConnected(t, "rbd")
	pid, _ := s.LookupPool(context.Background(), "rbd")

	entries := map[string][]byte{}
	for i := 0; i < 7; i++ {
		entries[fmt.Sprintf("k%02d", i)] = []byte{byte(i)}
	}
	res := submitWait(t, s, writeReq(pid, "obj",
		&session.SubOp{Kind: session.OpOmapSet, Entries: entries},
	))
	require.NoError(t, res.Err)

	get := &session.SubOp{Kind: session.OpOmapGetKeys, After: "", MaxReturn: 4}
	res = submitWait(t, s, readReq(pid, "obj", get))
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"k00", "k01", "k02", "k03"}, get.Result.Keys)
	assert.True(t, get.Result.More)

	get = &session.SubOp{Kind: session.OpOmapGetKeys, After: "k03", MaxReturn: 4}
	res = submitWait(t, s, readReq(pid, "obj", get))
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"k04", "k05", "k06"}, get.Result.Keys)
	assert.False(t, get.Result.More)
}
