// Package memory implements the cluster-session contract against an
// in-process object store. It is the reference session: pools, versioned
// objects, self-managed snapshots with copy-on-write, and atomic batch
// application, with no network underneath.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/objectpool/objectpool/internal/session"
	perrors "github.com/objectpool/objectpool/pkg/errors"
)

// keySep joins namespace and object name into a single index key. It
// sorts before any printable character, so namespace prefixes stay
// contiguous in the btree.
const keySep = "\x00"

type snapClone struct {
	id      uint64
	state   *session.State
	version uint64
	mtime   time.Time
}

type object struct {
	head    *session.State
	version uint64
	mtime   time.Time
	// born is the newest snapshot id already taken when the object was
	// created; reads at that snapshot or older see no object.
	born uint64
	// clones preserved for snapshot reads, ascending by snapshot id
	clones    []snapClone
	maxCloned uint64
}

// at resolves the state, version, and mtime visible at the given
// snapshot id: the oldest clone taken at or after the snapshot, else
// the head.
func (o *object) at(snap uint64) (*session.State, uint64, time.Time) {
	for _, c := range o.clones {
		if c.id >= snap {
			return c.state, c.version, c.mtime
		}
	}
	return o.head, o.version, o.mtime
}

type pool struct {
	id      int64
	name    string
	objects map[string]*object
	index   *btree.BTreeG[string]
}

func newPool(id int64, name string) *pool {
	return &pool{
		id:      id,
		name:    name,
		objects: make(map[string]*object),
		index:   btree.NewG[string](8, func(a, b string) bool { return a < b }),
	}
}

type pending struct {
	req *session.Request
	res session.Result
}

// Session is an in-memory cluster session.
type Session struct {
	mu        sync.Mutex
	connected bool
	pools     map[string]*pool
	poolsByID map[int64]*pool
	nextPool  int64
	nextSnap  uint64
	removed   map[uint64]bool // rolled-back snapshot ids
	results   map[string]*pending
	hold      bool
}

// New creates a session with the given pools pre-created.
func New(pools ...string) *Session {
	s := &Session{
		pools:     make(map[string]*pool),
		poolsByID: make(map[int64]*pool),
		removed:   make(map[uint64]bool),
		results:   make(map[string]*pending),
	}
	for _, name := range pools {
		s.createPoolLocked(name)
	}
	return s
}

// Connect marks the session usable.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Close tears the session down and fails held requests.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	for _, p := range s.results {
		if !p.res.Complete {
			p.res.AckReached = true
			p.res.Complete = true
			p.res.Err = perrors.New(perrors.ErrCodeTransportFailure, "session closed")
		}
	}
	return nil
}

// CreatePool adds a pool. Used by tests and by cluster bootstrap.
func (s *Session) CreatePool(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[name]; ok {
		return perrors.Newf(perrors.ErrCodePoolExists, "pool %q already exists", name)
	}
	s.createPoolLocked(name)
	return nil
}

func (s *Session) createPoolLocked(name string) {
	s.nextPool++
	p := newPool(s.nextPool, name)
	s.pools[name] = p
	s.poolsByID[p.id] = p
}

// LookupPool resolves a pool name to its id.
func (s *Session) LookupPool(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, perrors.New(perrors.ErrCodeNotConnected, "session not connected")
	}
	p, ok := s.pools[name]
	if !ok {
		return 0, perrors.Newf(perrors.ErrCodePoolNotFound, "pool %q unknown", name)
	}
	return p.id, nil
}

// CreateSnapshot allocates the next self-managed snapshot id. Ids are
// monotonically increasing across the whole cluster.
func (s *Session) CreateSnapshot() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSnap++
	return s.nextSnap
}

// RemoveSnapshot rolls a snapshot id out of existence. Reads against it
// fail from then on.
func (s *Session) RemoveSnapshot(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[id] = true
}

// SetHold parks submitted requests until Resolve is called. Test hook
// for observing milestone order.
func (s *Session) SetHold(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = hold
}

// Resolve applies a held request.
func (s *Session) Resolve(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.results[id]; ok && !p.res.Complete {
		s.applyLocked(p)
	}
}

// ResolveAll applies every held request in submission-id order.
func (s *Session) ResolveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.results))
	for id := range s.results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if p := s.results[id]; !p.res.Complete {
			s.applyLocked(p)
		}
	}
}

// Submit accepts one atomic batch. Unless the session is in hold mode
// the batch is applied immediately and both milestones are reached by
// the first poll.
func (s *Session) Submit(ctx context.Context, req *session.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", perrors.New(perrors.ErrCodeNotConnected, "session not connected")
	}

	id := uuid.NewString()
	p := &pending{req: req}
	s.results[id] = p
	if !s.hold {
		s.applyLocked(p)
	}
	return id, nil
}

// PollResult reports milestone progress. A completed request id is
// forgotten after it is reported once.
func (s *Session) PollResult(ctx context.Context, id string) (*session.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.results[id]
	if !ok {
		return nil, perrors.Newf(perrors.ErrCodeTransportFailure, "unknown request id %s", id)
	}
	res := p.res
	if res.Complete {
		delete(s.results, id)
	}
	return &res, nil
}

func (s *Session) applyLocked(p *pending) {
	p.res.AckReached = true
	p.res.Complete = true
	p.res.Err = s.execute(p.req)
}

// execute applies one batch atomically: all sub-ops run against a clone
// of the head state and the clone is only swapped in if every step
// succeeded.
func (s *Session) execute(req *session.Request) error {
	pl, ok := s.poolsByID[req.PoolID]
	if !ok {
		return perrors.Newf(perrors.ErrCodePoolNotFound, "pool id %d unknown", req.PoolID)
	}

	key := req.Namespace + keySep + req.Object
	obj := pl.objects[key]
	exists := obj != nil

	var state *session.State
	version := uint64(0)
	mtime := time.Time{}
	if exists {
		version = obj.version
		mtime = obj.mtime
	}

	if req.ReadOnly && req.ReadSnap != session.SnapLive {
		if err := s.checkSnap(req.ReadSnap); err != nil {
			return err
		}
		if exists && req.ReadSnap <= obj.born {
			// the object did not exist when the snapshot was taken
			exists = false
			version = 0
			mtime = time.Time{}
		} else if exists {
			var snapState *session.State
			snapState, version, mtime = obj.at(req.ReadSnap)
			state = snapState.Clone()
		}
	} else if exists {
		state = obj.head.Clone()
	}

	removed := false
	created := false
	for _, op := range req.Ops {
		if state == nil && session.NeedsObject(op.Kind) {
			err := perrors.Newf(perrors.ErrCodeObjectNotFound, "object %q does not exist", req.Object).
				WithObject(req.Object)
			op.Result.Err = err
			return err
		}
		if state == nil {
			// implicit create on the first mutating op
			state = session.NewState()
			created = true
		}
		if op.Kind == session.OpCreate && op.Exclusive && exists {
			err := perrors.Newf(perrors.ErrCodeObjectExists, "object %q already exists", req.Object).
				WithObject(req.Object)
			op.Result.Err = err
			return err
		}
		if err := session.ApplyOp(op, state, req.Object, version, mtime, exists || created); err != nil {
			op.Result.Err = err
			return err
		}
		if op.Kind == session.OpRemove {
			removed = true
		}
	}

	if req.ReadOnly {
		return nil
	}

	// Commit. Snapshot clones preserve the pre-write state for the
	// newest snapshot the object has not cloned yet.
	if removed {
		delete(pl.objects, key)
		pl.index.Delete(key)
		return nil
	}

	if obj == nil {
		obj = &object{born: s.nextSnap}
		pl.objects[key] = obj
		pl.index.ReplaceOrInsert(key)
	} else if snap := newestMember(req.Snapc); snap > obj.maxCloned {
		obj.clones = append(obj.clones, snapClone{
			id:      snap,
			state:   obj.head,
			version: obj.version,
			mtime:   obj.mtime,
		})
		obj.maxCloned = snap
	}
	obj.head = state
	obj.version++
	obj.mtime = time.Now()
	return nil
}

func (s *Session) checkSnap(snap uint64) error {
	if snap > s.nextSnap || s.removed[snap] {
		return perrors.Newf(perrors.ErrCodeSnapshotInvalid, "snapshot %d does not exist", snap)
	}
	return nil
}

func newestMember(snapc session.SnapContext) uint64 {
	max := snapc.Current
	for _, id := range snapc.Members {
		if id > max {
			max = id
		}
	}
	return max
}

// ListObjects pages through object names in a namespace, ordered by name.
// The returned cursor resumes after the last name of the page.
func (s *Session) ListObjects(ctx context.Context, poolID int64, namespace, cursor string, limit int) (*session.ObjectPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.poolsByID[poolID]
	if !ok {
		return nil, perrors.Newf(perrors.ErrCodePoolNotFound, "pool id %d unknown", poolID)
	}

	prefix := namespace + keySep
	start := prefix
	if cursor != "" {
		start = cursor + keySep // resume strictly after the cursor key
	}

	page := &session.ObjectPage{}
	more := false
	pl.index.AscendGreaterOrEqual(start, func(key string) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		if len(page.Names) == limit {
			more = true
			return false
		}
		page.Names = append(page.Names, strings.TrimPrefix(key, prefix))
		return true
	})
	if more {
		page.Cursor = prefix + page.Names[len(page.Names)-1]
	}
	return page, nil
}

// ListXattrs pages through an object's extended attributes by name.
func (s *Session) ListXattrs(ctx context.Context, poolID int64, namespace, oid, cursor string, limit int) (*session.AttrPage, error) {
	return s.listEntries(poolID, namespace, oid, cursor, limit, func(st *session.State) map[string][]byte {
		return st.Xattrs
	})
}

// ListOmap pages through an object's key-value map by key.
func (s *Session) ListOmap(ctx context.Context, poolID int64, namespace, oid, cursor string, limit int) (*session.AttrPage, error) {
	return s.listEntries(poolID, namespace, oid, cursor, limit, func(st *session.State) map[string][]byte {
		return st.Omap
	})
}

func (s *Session) listEntries(poolID int64, namespace, oid, cursor string, limit int, get func(*session.State) map[string][]byte) (*session.AttrPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.poolsByID[poolID]
	if !ok {
		return nil, perrors.Newf(perrors.ErrCodePoolNotFound, "pool id %d unknown", poolID)
	}
	obj, ok := pl.objects[namespace+keySep+oid]
	if !ok {
		return nil, perrors.Newf(perrors.ErrCodeObjectNotFound, "object %q does not exist", oid).WithObject(oid)
	}

	m := get(obj.head)
	names := session.SortedKeysAfter(m, cursor)
	page := &session.AttrPage{}
	for _, name := range names {
		if len(page.Entries) == limit {
			page.Cursor = page.Entries[len(page.Entries)-1].Name
			break
		}
		page.Entries = append(page.Entries, session.AttrEntry{
			Name:  name,
			Value: append([]byte(nil), m[name]...),
		})
	}
	return page, nil
}
