// Package command defines the wire-independent Command and Completion
// records exchanged between the client and the dispatcher, and the shared
// buffer descriptor they carry.
//
// Grounded on the original source's fs_cmd_t/fs_cmpl_t discriminated
// unions (original_source/components/fs/nfs/op.c) and spec.md §3/§6's
// command catalogue; reshaped into a Go discriminated-by-Type struct the
// way the teacher's msg package models NFSv4's tagged argument/result
// unions (msg/structs.go).
package command

import "github.com/asyncfs/fsbridge/status"

// Type is the discriminator for a Command/Completion pair.
type Type uint8

const (
	Initialise Type = iota
	Deinitialise
	Open
	Close
	Read
	Write
	Size
	Stat
	Truncate
	Sync
	Remove
	Rename
	DirOpen
	DirClose
	DirRead
	DirSeek
	DirTell
	DirRewind
	DirCreate
	DirRemove

	numTypes
)

// Valid reports whether t is one of the recognized command types.
func (t Type) Valid() bool {
	return t < numTypes
}

func (t Type) String() string {
	switch t {
	case Initialise:
		return "INITIALISE"
	case Deinitialise:
		return "DEINITIALISE"
	case Open:
		return "OPEN"
	case Close:
		return "CLOSE"
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case Size:
		return "SIZE"
	case Stat:
		return "STAT"
	case Truncate:
		return "TRUNCATE"
	case Sync:
		return "SYNC"
	case Remove:
		return "REMOVE"
	case Rename:
		return "RENAME"
	case DirOpen:
		return "DIR_OPEN"
	case DirClose:
		return "DIR_CLOSE"
	case DirRead:
		return "DIR_READ"
	case DirSeek:
		return "DIR_SEEK"
	case DirTell:
		return "DIR_TELL"
	case DirRewind:
		return "DIR_REWIND"
	case DirCreate:
		return "DIR_CREATE"
	case DirRemove:
		return "DIR_REMOVE"
	default:
		return "UNKNOWN"
	}
}

// OpenFlags mirror the POSIX open(2) flags the handler OR-combines, per
// spec.md §4.4's "Open handler specifics".
type OpenFlags uint8

const (
	ReadOnly OpenFlags = 1 << iota
	WriteOnly
	ReadWrite
	Create
)

// Buffer names a byte range within the shared data region by offset and
// size, rather than by pointer, per spec.md §3.
type Buffer struct {
	Offset uint64
	Size   uint64
}

// FD is a descriptor handle naming a server-side slot.
type FD uint32

// Params carries the type-specific parameter block for a Command. Only the
// fields relevant to Type are populated; the zero value is valid for
// commands that need no parameters (INITIALISE, DEINITIALISE).
type Params struct {
	Path     Buffer
	OldPath  Buffer
	NewPath  Buffer
	Buf      Buffer
	FD       FD
	Offset   uint64
	Length   uint64
	Loc      int64
	OpenFlag OpenFlags
}

// Command is a discriminated record read from the command queue.
type Command struct {
	Type   Type
	ID     uint64
	Params Params
}

// Data carries the type-specific payload of a Completion. Only the field
// relevant to the originating command's Type is populated.
type Data struct {
	FD         FD
	LenRead    uint64
	LenWritten uint64
	FileSize   uint64
	TellLoc    int64
	NameLen    uint64
}

// Completion is a discriminated record published to the completion queue.
type Completion struct {
	ID     uint64
	Status status.Status
	Data   Data
}
