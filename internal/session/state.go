package session

import (
	"bytes"
	"sort"
	"time"

	perrors "github.com/objectpool/objectpool/pkg/errors"
)

// State is the materialized content of one object: byte payload, extended
// attributes, and the key-value map. Sessions apply batches against a
// clone of it so a failing step leaves the stored object untouched.
type State struct {
	Data   []byte
	Xattrs map[string][]byte
	Omap   map[string][]byte
}

// NewState returns an empty object state.
func NewState() *State {
	return &State{
		Xattrs: make(map[string][]byte),
		Omap:   make(map[string][]byte),
	}
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	c := &State{
		Data:   append([]byte(nil), s.Data...),
		Xattrs: make(map[string][]byte, len(s.Xattrs)),
		Omap:   make(map[string][]byte, len(s.Omap)),
	}
	for k, v := range s.Xattrs {
		c.Xattrs[k] = append([]byte(nil), v...)
	}
	for k, v := range s.Omap {
		c.Omap[k] = append([]byte(nil), v...)
	}
	return c
}

// NeedsObject reports whether the op fails on a missing object rather
// than implicitly creating it.
func NeedsObject(k OpKind) bool {
	switch k {
	case OpRead, OpStat, OpRemove,
		OpGetXattr, OpGetXattrs, OpCmpXattr,
		OpOmapGetKeys, OpOmapGetVals, OpOmapGetValsByKeys,
		OpOmapCmp, OpAssertExists, OpAssertVersion,
		OpTruncate, OpZero:
		return true
	}
	return false
}

// ApplyOp evaluates one sub-op against the state, filling the op's result
// slot. version/mtime describe the object before the batch; exists
// reports whether the object existed (or was created earlier in the same
// batch). Returns the step error, which aborts the batch.
func ApplyOp(op *SubOp, state *State, oid string, version uint64, mtime time.Time, exists bool) error {
	switch op.Kind {
	case OpCreate, OpSetAllocHint, OpRemove:
		// existence checks and removal commit are the session's concern

	case OpWrite:
		end := op.Offset + uint64(len(op.Value))
		if uint64(len(state.Data)) < end {
			grown := make([]byte, end)
			copy(grown, state.Data)
			state.Data = grown
		}
		copy(state.Data[op.Offset:], op.Value)

	case OpWriteFull:
		state.Data = append([]byte(nil), op.Value...)

	case OpAppend:
		state.Data = append(state.Data, op.Value...)

	case OpTruncate:
		if uint64(len(state.Data)) > op.Offset {
			state.Data = state.Data[:op.Offset]
		} else {
			grown := make([]byte, op.Offset)
			copy(grown, state.Data)
			state.Data = grown
		}

	case OpZero:
		end := op.Offset + op.Length
		if end > uint64(len(state.Data)) {
			end = uint64(len(state.Data))
		}
		for i := op.Offset; i < end; i++ {
			state.Data[i] = 0
		}

	case OpRead:
		if op.Offset >= uint64(len(state.Data)) {
			op.Result.Bytes = nil
			break
		}
		end := op.Offset + op.Length
		if end > uint64(len(state.Data)) {
			end = uint64(len(state.Data))
		}
		op.Result.Bytes = append([]byte(nil), state.Data[op.Offset:end]...)

	case OpStat:
		op.Result.Size = uint64(len(state.Data))
		op.Result.ModTime = mtime
		op.Result.Version = version

	case OpSetXattr:
		state.Xattrs[op.Name] = append([]byte(nil), op.Value...)

	case OpRmXattr:
		delete(state.Xattrs, op.Name)

	case OpGetXattr:
		v, ok := state.Xattrs[op.Name]
		if !ok {
			return perrors.Newf(perrors.ErrCodeXattrNotFound, "xattr %q not set", op.Name).
				WithObject(oid)
		}
		op.Result.Bytes = append([]byte(nil), v...)

	case OpGetXattrs:
		out := make(map[string][]byte, len(state.Xattrs))
		for k, v := range state.Xattrs {
			out[k] = append([]byte(nil), v...)
		}
		op.Result.Entries = out

	case OpCmpXattr:
		if !Compare(state.Xattrs[op.Name], op.Value, op.Compare) {
			return perrors.Newf(perrors.ErrCodeAssertFailed, "xattr %q comparison failed", op.Name).
				WithObject(oid)
		}

	case OpOmapSet:
		for k, v := range op.Entries {
			state.Omap[k] = append([]byte(nil), v...)
		}

	case OpOmapRmKeys:
		for _, k := range op.Keys {
			delete(state.Omap, k)
		}

	case OpOmapClear:
		state.Omap = make(map[string][]byte)

	case OpOmapCmp:
		if !Compare(state.Omap[op.Name], op.Value, op.Compare) {
			return perrors.Newf(perrors.ErrCodeAssertFailed, "omap key %q comparison failed", op.Name).
				WithObject(oid)
		}

	case OpOmapGetKeys:
		keys := SortedKeysAfter(state.Omap, op.After)
		more := false
		if op.MaxReturn > 0 && len(keys) > op.MaxReturn {
			keys = keys[:op.MaxReturn]
			more = true
		}
		op.Result.Keys = keys
		op.Result.More = more

	case OpOmapGetVals:
		keys := SortedKeysAfter(state.Omap, op.After)
		more := false
		if op.MaxReturn > 0 && len(keys) > op.MaxReturn {
			keys = keys[:op.MaxReturn]
			more = true
		}
		out := make(map[string][]byte, len(keys))
		for _, k := range keys {
			out[k] = append([]byte(nil), state.Omap[k]...)
		}
		op.Result.Entries = out
		op.Result.More = more

	case OpOmapGetValsByKeys:
		out := make(map[string][]byte, len(op.Keys))
		for _, k := range op.Keys {
			if v, ok := state.Omap[k]; ok {
				out[k] = append([]byte(nil), v...)
			}
		}
		op.Result.Entries = out

	case OpAssertExists:
		if !exists {
			return perrors.Newf(perrors.ErrCodeObjectNotFound, "object %q does not exist", oid).
				WithObject(oid)
		}

	case OpAssertVersion:
		if version != op.Version {
			return perrors.Newf(perrors.ErrCodeAssertFailed,
				"version assertion failed: have %d, want %d", version, op.Version).
				WithObject(oid)
		}
	}
	return nil
}

// Compare evaluates a byte comparison under the given operator.
func Compare(have, want []byte, op CompareOp) bool {
	c := bytes.Compare(have, want)
	switch op {
	case CmpEq:
		return c == 0
	case CmpNe:
		return c != 0
	case CmpGt:
		return c > 0
	case CmpGte:
		return c >= 0
	case CmpLt:
		return c < 0
	case CmpLte:
		return c <= 0
	}
	return false
}

// SortedKeysAfter returns the map's keys strictly after the cursor key,
// ascending.
func SortedKeysAfter(m map[string][]byte, after string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if after != "" && k <= after {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
