// Package session defines the cluster-session contract the client core
// dispatches through. A session owns transport, placement, and
// authentication; the core only builds requests, polls results, and pages
// through listings.
package session

import (
	"context"
	"time"
)

// SnapLive addresses the mutable head of an object rather than a snapshot.
const SnapLive uint64 = 0

// SnapContext is the write snapshot context: the ordered set of snapshot
// ids an object participates in plus the current marker used for
// copy-on-write.
type SnapContext struct {
	Current uint64
	Members []uint64
}

// OpKind tags a sub-operation. The set is closed: sessions switch on it
// exhaustively.
type OpKind int

const (
	OpCreate OpKind = iota
	OpWrite
	OpWriteFull
	OpAppend
	OpTruncate
	OpZero
	OpRemove
	OpRead
	OpStat
	OpSetXattr
	OpRmXattr
	OpGetXattr
	OpGetXattrs
	OpCmpXattr
	OpOmapSet
	OpOmapRmKeys
	OpOmapClear
	OpOmapCmp
	OpOmapGetKeys
	OpOmapGetVals
	OpOmapGetValsByKeys
	OpAssertExists
	OpAssertVersion
	OpSetAllocHint
)

// String returns the wire name of the op kind.
func (k OpKind) String() string {
	names := [...]string{
		"create", "write", "write_full", "append", "truncate", "zero",
		"remove", "read", "stat", "set_xattr", "rm_xattr", "get_xattr",
		"get_xattrs", "cmp_xattr", "omap_set", "omap_rm_keys", "omap_clear",
		"omap_cmp", "omap_get_keys", "omap_get_vals", "omap_get_vals_by_keys",
		"assert_exists", "assert_version", "set_alloc_hint",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// CompareOp is the operator of a compare sub-operation.
type CompareOp int

const (
	CmpEq CompareOp = iota
	CmpNe
	CmpGt
	CmpGte
	CmpLt
	CmpLte
)

// SubOp is one typed step of an atomic batch. Input fields depend on the
// kind; the Result slot is filled by the session during execution.
type SubOp struct {
	Kind SubOpKind

	// Inputs
	Name      string            // xattr name / omap key
	Value     []byte            // write data, xattr value, compare operand
	Entries   map[string][]byte // omap set
	Keys      []string          // omap key selection
	After     string            // omap pagination start (exclusive)
	MaxReturn int               // omap pagination limit
	Offset    uint64
	Length    uint64
	Compare   CompareOp
	Version   uint64 // assert-version operand
	Exclusive bool   // create: fail if the object exists
	HintSize  uint64 // alloc hint: expected object size
	HintWrite uint64 // alloc hint: expected write size

	// Result is populated once the owning request completes.
	Result StepResult
}

// SubOpKind aliases OpKind at the sub-op field for readability.
type SubOpKind = OpKind

// StepResult is the per-step outcome: its own error code and output,
// independent of the overall request result.
type StepResult struct {
	Err     error
	Bytes   []byte
	Entries map[string][]byte
	Keys    []string
	More    bool // a paged omap read has further entries
	Size    uint64
	ModTime time.Time
	Version uint64
}

// Request is one atomic batch bound for a single object.
type Request struct {
	PoolID    int64
	Object    string
	Locator   string
	Namespace string
	ReadSnap  uint64
	Snapc     SnapContext
	ReadOnly  bool
	Ops       []*SubOp
}

// Result reports milestone state for a submitted request. Step results
// are attached to the request's sub-ops once Complete is true.
type Result struct {
	AckReached bool
	Complete   bool
	AckErr     error
	Err        error
}

// ObjectPage is one page of an object listing.
type ObjectPage struct {
	Names  []string
	Cursor string // empty means no further pages
}

// AttrEntry is one named entry of an xattr or omap listing.
type AttrEntry struct {
	Name  string
	Value []byte
}

// AttrPage is one page of an attribute or omap listing.
type AttrPage struct {
	Entries []AttrEntry
	Cursor  string
}

// Session is the external cluster collaborator. Implementations must be
// safe for concurrent use once connected.
type Session interface {
	// Connect establishes the session. Calling other methods before
	// Connect returns an error.
	Connect(ctx context.Context) error

	// Close tears the session down. In-flight requests resolve with a
	// transport failure.
	Close() error

	// LookupPool resolves a pool name to its id.
	LookupPool(ctx context.Context, name string) (int64, error)

	// Submit dispatches one atomic batch and returns its request id.
	// Dispatch is asynchronous; results arrive via PollResult.
	Submit(ctx context.Context, req *Request) (string, error)

	// PollResult reports milestone progress for a submitted request.
	// Once it reports Complete, the request id is forgotten and the
	// request's sub-op result slots are populated.
	PollResult(ctx context.Context, id string) (*Result, error)

	// ListObjects pages through object names in a pool namespace.
	ListObjects(ctx context.Context, poolID int64, namespace, cursor string, limit int) (*ObjectPage, error)

	// ListXattrs pages through an object's extended attributes.
	ListXattrs(ctx context.Context, poolID int64, namespace, oid, cursor string, limit int) (*AttrPage, error)

	// ListOmap pages through an object's key-value map.
	ListOmap(ctx context.Context, poolID int64, namespace, oid, cursor string, limit int) (*AttrPage, error)
}
