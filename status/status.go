// Package status defines the closed completion-status taxonomy every
// command in the core produces exactly one of, and the translation from
// errors returned by the NFS client collaborator into that taxonomy.
//
// Grounded on the teacher's msg.Err2Status (github.com/kuleuven/nfs4go,
// msg/errors.go), which performs the same job for the much larger NFSv4
// wire-status set; this is its domain-narrowed descendant.
package status

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Status is the closed set of completion status codes from spec.md §7.
type Status uint32

const (
	// Success indicates the command completed as requested.
	Success Status = iota
	// Error is a generic remote/NFS failure, or a rejected async submission.
	Error
	// InvalidCommand means the command's type tag was not recognized.
	InvalidCommand
	// InvalidPath means the path buffer was out of range, empty, or too long.
	InvalidPath
	// InvalidBuffer means the data buffer was out of range, empty, or too
	// small for the command.
	InvalidBuffer
	// InvalidFD means the descriptor was free, reserved, or of the wrong kind.
	InvalidFD
	// AllocationError means no free descriptor slot, or no free
	// continuation, was available.
	AllocationError
	// OutstandingOperations means close/closedir was attempted while the
	// slot's operation counter was greater than zero.
	OutstandingOperations
	// EndOfDirectory means readdir was called past the last entry.
	EndOfDirectory
	// NotInitialised means a command other than INITIALISE, including a
	// second DEINITIALISE, was submitted while no NFS context exists. This
	// extends the taxonomy by exactly the one status spec.md §9 (Open
	// Question 2) left undefined.
	NotInitialised
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case Error:
		return "ERROR"
	case InvalidCommand:
		return "INVALID_COMMAND"
	case InvalidPath:
		return "INVALID_PATH"
	case InvalidBuffer:
		return "INVALID_BUFFER"
	case InvalidFD:
		return "INVALID_FD"
	case AllocationError:
		return "ALLOCATION_ERROR"
	case OutstandingOperations:
		return "OUTSTANDING_OPERATIONS"
	case EndOfDirectory:
		return "END_OF_DIRECTORY"
	case NotInitialised:
		return "NOT_INITIALISED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint32(s))
	}
}

// FromRemoteError collapses an error returned by the NFS client
// collaborator into the closed Status taxonomy. Remote errors are
// collapsed to Error; only categories the client can act on structurally
// get their own code, and those are produced directly by the dispatcher
// handlers (InvalidPath, InvalidBuffer, InvalidFD, AllocationError,
// OutstandingOperations, EndOfDirectory), not by this function.
func FromRemoteError(err error) Status {
	if err == nil {
		return Success
	}

	if !IsNotExist(err) {
		logrus.WithError(err).Debug("nfs client reported an error, collapsing to ERROR")
	}

	return Error
}

// IsNotExist reports whether err, as returned by the NFS client
// collaborator, indicates the target path does not exist. Used to quiet
// routine STAT-of-missing-file logging the way the original source's
// dlogp(status != -ENOENT, ...) did.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
