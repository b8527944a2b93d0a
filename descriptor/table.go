// Package descriptor implements the fixed-size table mapping an integer
// handle to a slot bound to either a file or a directory session object,
// with a per-slot outstanding-operations counter.
//
// Grounded on three teacher sources (github.com/kuleuven/nfs4go):
// worker/file.go and worker/lister.go model the same "integer handle ->
// open session object" idea, but index by a random uint64 into a map,
// sized for many concurrent NFSv4 clients; here the design notes in
// spec.md §9 call for "an array indexed by descriptor, not a map", so the
// table is a dense slice sized to a fixed descriptor-count budget, the
// allocator picking the lowest free index (stable, for the test oracle
// spec.md §4.2 asks for). worker/worker.go's Use/Close in-use reference
// count supplies the begin_op/end_op discipline, adapted from "is this
// worker still serving a request" to "does this slot have an operation in
// flight". The state machine itself (reserved -> bound -> reserved ->
// free) is ported from original_source's fd.h contract as summarized in
// spec.md §4.2's table and §4.4's abbreviated state diagram.
package descriptor

import "fmt"

// Kind distinguishes what a bound slot's handle refers to.
type Kind int

const (
	kindNone Kind = iota
	kindFile
	kindDir
)

type state int

const (
	stateFree state = iota
	stateReserved
	stateBound
)

// Handle identifies a file handle stored by an NFS client collaborator.
// It is opaque to the table.
type Handle any

// FD is an integer descriptor naming a slot in the table.
type FD uint32

type slot struct {
	state   state
	kind    Kind
	handle  Handle
	counter int
}

// ErrNoFreeSlot is returned by Alloc when every slot is in use.
var ErrNoFreeSlot = fmt.Errorf("descriptor: no free slot")

// ErrInvalidFD is returned when an operation targets a slot that is free,
// reserved, or of the wrong kind for the requested operation.
var ErrInvalidFD = fmt.Errorf("descriptor: invalid fd")

// ErrOutstandingOperations is returned by Unset when the slot's operation
// counter is nonzero.
var ErrOutstandingOperations = fmt.Errorf("descriptor: outstanding operations")

// ErrCounterZero is returned by EndOp when the slot's counter is already
// zero; this is a programming error in the caller.
var ErrCounterZero = fmt.Errorf("descriptor: end_op with zero counter")

// Table is a fixed-size table of descriptor slots. It does no locking: it
// is accessed only from the single dispatcher thread and from NFS client
// callbacks guaranteed to run in that same thread context (spec.md §5).
type Table struct {
	slots []slot
}

// NewTable creates a table with the given fixed capacity.
func NewTable(capacity int) *Table {
	return &Table{slots: make([]slot, capacity)}
}

// Cap returns the table's fixed capacity.
func (t *Table) Cap() int {
	return len(t.slots)
}

// Alloc reserves the lowest-indexed free slot and returns its descriptor.
// The slot's operation counter starts at zero.
func (t *Table) Alloc() (FD, error) {
	for i := range t.slots {
		if t.slots[i].state == stateFree {
			t.slots[i].state = stateReserved
			t.slots[i].kind = kindNone
			t.slots[i].counter = 0

			return FD(i), nil
		}
	}

	return 0, ErrNoFreeSlot
}

// SetFile binds fd to a file handle. Valid from reserved or from an
// existing file binding (so unset -> set_file round-trips on close
// failure, per spec.md §4.4's close handler specifics).
func (t *Table) SetFile(fd FD, h Handle) error {
	return t.bind(fd, kindFile, h)
}

// SetDir binds fd to a directory handle.
func (t *Table) SetDir(fd FD, h Handle) error {
	return t.bind(fd, kindDir, h)
}

func (t *Table) bind(fd FD, kind Kind, h Handle) error {
	s, err := t.slot(fd)
	if err != nil {
		return err
	}

	if s.state == stateFree {
		return ErrInvalidFD
	}

	if s.state == stateBound && s.kind != kind {
		return ErrInvalidFD
	}

	s.state = stateBound
	s.kind = kind
	s.handle = h

	return nil
}

// BeginOpFile pins fd as a file for the duration of an asynchronous
// operation, returning its handle and incrementing the operation counter.
// Fails if fd is not bound to a file.
func (t *Table) BeginOpFile(fd FD) (Handle, error) {
	return t.beginOp(fd, kindFile)
}

// BeginOpDir pins fd as a directory for the duration of an asynchronous
// operation, returning its handle and incrementing the operation counter.
// Fails if fd is not bound to a directory.
func (t *Table) BeginOpDir(fd FD) (Handle, error) {
	return t.beginOp(fd, kindDir)
}

func (t *Table) beginOp(fd FD, kind Kind) (Handle, error) {
	s, err := t.slot(fd)
	if err != nil {
		return nil, err
	}

	if s.state != stateBound || s.kind != kind {
		return nil, ErrInvalidFD
	}

	s.counter++

	return s.handle, nil
}

// EndOp decrements fd's operation counter. Calling EndOp with a zero
// counter is a programming error (spec.md §7, "Fatal conditions").
func (t *Table) EndOp(fd FD) error {
	s, err := t.slot(fd)
	if err != nil {
		return err
	}

	if s.counter == 0 {
		return ErrCounterZero
	}

	s.counter--

	return nil
}

// Unset transitions a bound slot back to reserved, provided its operation
// counter is zero, and returns the handle it was bound to so the caller
// can submit an async close/closedir and restore the binding on failure.
func (t *Table) Unset(fd FD) (Handle, error) {
	s, err := t.slot(fd)
	if err != nil {
		return nil, err
	}

	if s.state != stateBound {
		return nil, ErrInvalidFD
	}

	if s.counter != 0 {
		return nil, ErrOutstandingOperations
	}

	h := s.handle
	s.state = stateReserved
	s.kind = kindNone
	s.handle = nil

	return h, nil
}

// Free returns a reserved slot to free. Valid only from reserved: a bound
// slot must go through Unset first.
func (t *Table) Free(fd FD) error {
	s, err := t.slot(fd)
	if err != nil {
		return err
	}

	if s.state != stateReserved {
		return ErrInvalidFD
	}

	s.state = stateFree
	s.kind = kindNone
	s.handle = nil
	s.counter = 0

	return nil
}

// Counter returns fd's current outstanding-operation count, for tests and
// diagnostics.
func (t *Table) Counter(fd FD) (int, error) {
	s, err := t.slot(fd)
	if err != nil {
		return 0, err
	}

	return s.counter, nil
}

// AllFree reports whether every slot in the table is free. The deinitialise
// handler refuses to tear down the NFS client while this is false.
func (t *Table) AllFree() bool {
	for i := range t.slots {
		if t.slots[i].state != stateFree {
			return false
		}
	}

	return true
}

func (t *Table) slot(fd FD) (*slot, error) {
	if int(fd) < 0 || int(fd) >= len(t.slots) {
		return nil, ErrInvalidFD
	}

	return &t.slots[fd], nil
}
