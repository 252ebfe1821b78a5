package s3

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/objectpool/objectpool/internal/session"
)

// record is the stored form of one object: payload, attributes, omap, and
// the version counter, serialized as a single S3 object so a conditional
// PUT replaces all of it atomically.
type record struct {
	Data    []byte            `json:"data"`
	Xattrs  map[string][]byte `json:"xattrs,omitempty"`
	Omap    map[string][]byte `json:"omap,omitempty"`
	Version uint64            `json:"version"`
	ModTime time.Time         `json:"mod_time"`

	// Deleted marks a tombstone: the record is still present in the
	// bucket so removal can ride the same conditional-write protocol,
	// but the object no longer exists.
	Deleted bool `json:"deleted,omitempty"`
}

func newRecord() *record {
	return &record{
		Xattrs: make(map[string][]byte),
		Omap:   make(map[string][]byte),
	}
}

func decodeRecord(data []byte) (*record, error) {
	r := newRecord()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to decode object record: %w", err)
	}
	if r.Xattrs == nil {
		r.Xattrs = make(map[string][]byte)
	}
	if r.Omap == nil {
		r.Omap = make(map[string][]byte)
	}
	return r, nil
}

func (r *record) encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode object record: %w", err)
	}
	return data, nil
}

func (r *record) state() *session.State {
	return &session.State{Data: r.Data, Xattrs: r.Xattrs, Omap: r.Omap}
}

func (r *record) setState(st *session.State) {
	r.Data = st.Data
	r.Xattrs = st.Xattrs
	r.Omap = st.Omap
}

// poolMarker is the zero-byte object that makes a pool exist in the
// bucket layout.
const poolMarker = ".pool"

// escape keeps namespace and object names from colliding with the "/"
// separated key layout.
func escape(s string) string {
	return strings.NewReplacer("%", "%25", "/", "%2F").Replace(s)
}

func unescape(s string) string {
	out := strings.ReplaceAll(s, "%2F", "/")
	return strings.ReplaceAll(out, "%25", "%")
}

// nsSegment renders a namespace as a key segment. The "@" sigil keeps
// the default (empty) namespace a real segment, distinct from the pool
// marker and from any other namespace's keys.
func nsSegment(namespace string) string {
	return "@" + escape(namespace)
}

// objectKey maps (pool, namespace, object) onto a bucket key.
func objectKey(prefix, pool, namespace, oid string) string {
	return path.Join(prefix, pool, nsSegment(namespace), escape(oid))
}

// namespacePrefix is the listing prefix of one pool namespace.
func namespacePrefix(prefix, pool, namespace string) string {
	return path.Join(prefix, pool, nsSegment(namespace)) + "/"
}

func poolMarkerKey(prefix, pool string) string {
	return path.Join(prefix, pool, poolMarker)
}
