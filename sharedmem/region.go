// Package sharedmem validates client-supplied (offset, size) buffer
// descriptors against the fixed shared data region, and copies bounded
// path strings out of it into server-owned scratch buffers.
//
// Adapted from the teacher's bufpool package (github.com/kuleuven/nfs4go,
// bufpool/buf.go, bufpool/pool.go): the teacher's Buf is a grow-on-write
// buffer drawn from a pool of many interchangeable buffers; spec.md's
// shared region is the opposite shape — one fixed-capacity buffer, never
// resized, that the client (not the server) owns. Region keeps Buf's
// cursor-less flat-byte-slice representation but drops pooling and growth.
// Validation semantics are ported from original_source's get_buffer and
// copy_path (components/fs/nfs/op.c).
package sharedmem

import (
	"github.com/asyncfs/fsbridge/command"
	"github.com/sirupsen/logrus"
)

// Region is the fixed-capacity byte range shared with the client, used for
// path strings and file payloads. All buffer descriptors in commands are
// offsets into this region.
type Region struct {
	buf []byte
}

// NewRegion allocates a Region of the given capacity. In a real deployment
// this would be backed by the actual shared-memory mapping set up by the
// host; the core only ever sees it as a plain byte slice.
func NewRegion(capacity int) *Region {
	return &Region{buf: make([]byte, capacity)}
}

// Capacity returns CLIENT_SHARE, the size of the region.
func (r *Region) Capacity() uint64 {
	return uint64(len(r.buf))
}

// GetUnsafeForTest exposes the backing slice directly, bypassing
// descriptor validation. It exists only so tests can populate the region
// the way a real client would write into shared memory; production code
// must always go through Get.
func (r *Region) GetUnsafeForTest() []byte {
	return r.buf
}

// Get validates desc per spec.md §3 and returns the slice of the region it
// names. A zero-sized buffer is rejected: it carries no information and
// would otherwise complicate downstream handlers (spec.md §4.3).
func (r *Region) Get(desc command.Buffer) ([]byte, bool) {
	share := r.Capacity()

	if desc.Offset >= share || desc.Size > share-desc.Offset || desc.Size == 0 {
		return nil, false
	}

	return r.buf[desc.Offset : desc.Offset+desc.Size], true
}

// MaxPath is the maximum length, excluding the terminating null, of a path
// copied out of the region by CopyPath.
const MaxPath = 4096

// MaxName is the minimum buffer size a DIR_READ caller must supply to
// receive an entry name.
const MaxName = 256

// PathSlot names one of the two server-owned scratch buffers CopyPath
// copies into. Rename needs both simultaneously; every other path-taking
// command uses SlotA.
type PathSlot int

const (
	SlotA PathSlot = iota
	SlotB

	numPathSlots
)

// PathScratch holds the two null-terminated path scratch buffers spec.md
// §4.3 describes: sized so that RENAME can hold both of its paths at once
// without a heap allocation. The dispatcher guarantees it never reuses a
// slot across a suspension point within a single command.
type PathScratch struct {
	slots [numPathSlots][MaxPath + 1]byte
}

// CopyPath validates desc, checks its size against MaxPath, copies it out
// of the region into the given scratch slot, and appends a terminating
// null. It returns the path as a Go string (not including the null) and
// whether the copy succeeded.
func (p *PathScratch) CopyPath(region *Region, slot PathSlot, desc command.Buffer) (string, bool) {
	data, ok := region.Get(desc)
	if !ok || desc.Size > MaxPath {
		logrus.WithFields(logrus.Fields{
			"offset": desc.Offset,
			"size":   desc.Size,
		}).Debug("rejected path buffer")

		return "", false
	}

	buf := &p.slots[slot]
	n := copy(buf[:], data)
	buf[n] = 0

	return string(buf[:n]), true
}
