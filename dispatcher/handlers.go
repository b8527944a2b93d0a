package dispatcher

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/asyncfs/fsbridge/command"
	"github.com/asyncfs/fsbridge/descriptor"
	"github.com/asyncfs/fsbridge/internal/logger"
	"github.com/asyncfs/fsbridge/nfsclient"
	"github.com/asyncfs/fsbridge/sharedmem"
	"github.com/asyncfs/fsbridge/status"
)

// handlers is the command-type dispatch table, the Go equivalent of op.c's
// static cmd_handler[FS_NUM_COMMANDS] function-pointer array.
var handlers = map[command.Type]func(*Dispatcher, command.Command){
	command.Initialise:   handleInitialise,
	command.Deinitialise: handleDeinitialise,
	command.Open:         handleOpen,
	command.Close:        handleClose,
	command.Read:         handleRead,
	command.Write:        handleWrite,
	command.Size:         handleSize,
	command.Stat:         handleStat,
	command.Truncate:     handleTruncate,
	command.Sync:         handleSync,
	command.Remove:       handleRemove,
	command.Rename:       handleRename,
	command.DirOpen:      handleDirOpen,
	command.DirClose:     handleDirClose,
	command.DirRead:      handleDirRead,
	command.DirSeek:      handleDirSeek,
	command.DirTell:      handleDirTell,
	command.DirRewind:    handleDirRewind,
	command.DirCreate:    handleDirCreate,
	command.DirRemove:    handleDirRemove,
}

// openFlagsToPosix translates the command's OR-combined OpenFlags into the
// os.O_* flags vfs.AdvancedLinkFS.OpenFile expects, matching handle_open's
// own bit-by-bit translation (op.c's handle_open).
func openFlagsToPosix(f command.OpenFlags) int {
	var posix int

	if f&command.ReadOnly != 0 {
		posix |= os.O_RDONLY
	}

	if f&command.WriteOnly != 0 {
		posix |= os.O_WRONLY
	}

	if f&command.ReadWrite != 0 {
		posix |= os.O_RDWR
	}

	if f&command.Create != 0 {
		posix |= os.O_CREATE
	}

	return posix
}

func handleOpen(d *Dispatcher, cmd command.Command) {
	path, ok := d.paths.CopyPath(d.region, sharedmem.SlotA, cmd.Params.Path)
	if !ok {
		d.fail(cmd.ID, status.InvalidPath)

		return
	}

	fd, err := d.descriptors.Alloc()
	if err != nil {
		d.fail(cmd.ID, status.AllocationError)

		return
	}

	h, ok := d.allocCont(cmd.ID)
	if !ok {
		_ = d.descriptors.Free(fd)

		return
	}

	d.conts.Get(h).RequestID = cmd.ID

	posixFlags := openFlagsToPosix(cmd.Params.OpenFlag)

	d.client.Open(path, posixFlags, 0o644, func(handle nfsclient.FileHandle, err error) {
		d.conts.Free(h)

		if err != nil {
			logger.Logger.WithError(err).Debug("failed to open file")

			_ = d.descriptors.Free(fd)
			d.fail(cmd.ID, status.Error)

			return
		}

		_ = d.descriptors.SetFile(fd, handle)
		d.publish(cmd.ID, status.Success, command.Data{FD: command.FD(fd)})
	})
}

func handleClose(d *Dispatcher, cmd command.Command) {
	fd := descriptor.FD(cmd.Params.FD)

	handle, err := d.descriptors.BeginOpFile(fd)
	if err != nil {
		d.fail(cmd.ID, status.InvalidFD)

		return
	}

	_ = d.descriptors.EndOp(fd)

	prior, err := d.descriptors.Unset(fd)
	if err != nil {
		d.fail(cmd.ID, status.OutstandingOperations)

		return
	}

	h, ok := d.allocCont(cmd.ID)
	if !ok {
		_ = d.descriptors.SetFile(fd, prior)

		return
	}

	d.conts.Get(h).RequestID = cmd.ID

	fileHandle := handle.(nfsclient.FileHandle)

	d.client.Close(fileHandle, func(err error) {
		d.conts.Free(h)

		if err != nil {
			logger.Logger.WithError(err).Debug("failed to close file")

			_ = d.descriptors.SetFile(fd, prior)
			d.fail(cmd.ID, status.Error)

			return
		}

		_ = d.descriptors.Free(fd)
		d.publish(cmd.ID, status.Success, command.Data{})
	})
}

func handleRead(d *Dispatcher, cmd command.Command) {
	buf, ok := d.region.Get(cmd.Params.Buf)
	if !ok {
		d.fail(cmd.ID, status.InvalidBuffer)

		return
	}

	fd := descriptor.FD(cmd.Params.FD)

	handle, err := d.descriptors.BeginOpFile(fd)
	if err != nil {
		d.fail(cmd.ID, status.InvalidFD)

		return
	}

	h, ok := d.allocCont(cmd.ID)
	if !ok {
		_ = d.descriptors.EndOp(fd)

		return
	}

	d.conts.Get(h).RequestID = cmd.ID

	fileHandle := handle.(nfsclient.FileHandle)

	d.client.PRead(fileHandle, buf, int64(cmd.Params.Offset), func(n int, err error) {
		_ = d.descriptors.EndOp(fd)
		d.conts.Free(h)

		if err != nil {
			logger.Logger.WithError(err).Debug("failed to read file")
			d.fail(cmd.ID, status.Error)

			return
		}

		d.publish(cmd.ID, status.Success, command.Data{LenRead: uint64(n)})
	})
}

func handleWrite(d *Dispatcher, cmd command.Command) {
	buf, ok := d.region.Get(cmd.Params.Buf)
	if !ok {
		d.fail(cmd.ID, status.InvalidBuffer)

		return
	}

	fd := descriptor.FD(cmd.Params.FD)

	handle, err := d.descriptors.BeginOpFile(fd)
	if err != nil {
		d.fail(cmd.ID, status.InvalidFD)

		return
	}

	h, ok := d.allocCont(cmd.ID)
	if !ok {
		_ = d.descriptors.EndOp(fd)

		return
	}

	d.conts.Get(h).RequestID = cmd.ID

	fileHandle := handle.(nfsclient.FileHandle)

	d.client.PWrite(fileHandle, buf, int64(cmd.Params.Offset), func(n int, err error) {
		_ = d.descriptors.EndOp(fd)
		d.conts.Free(h)

		if err != nil {
			logger.Logger.WithError(err).Debug("failed to write file")
			d.fail(cmd.ID, status.Error)

			return
		}

		d.publish(cmd.ID, status.Success, command.Data{LenWritten: uint64(n)})
	})
}

// fstatCapable is satisfied by file handles that can report their own
// metadata; type-asserted the way the SYNC handler checks for Sync.
type fstatCapable interface {
	Stat() (nfsclient.Info, error)
}

func handleSize(d *Dispatcher, cmd command.Command) {
	fd := descriptor.FD(cmd.Params.FD)

	handle, err := d.descriptors.BeginOpFile(fd)
	if err != nil {
		d.fail(cmd.ID, status.InvalidFD)

		return
	}

	statable, ok := handle.(fstatCapable)
	if !ok {
		_ = d.descriptors.EndOp(fd)
		d.fail(cmd.ID, status.Error)

		return
	}

	h, ok := d.allocCont(cmd.ID)
	if !ok {
		_ = d.descriptors.EndOp(fd)

		return
	}

	d.conts.Get(h).RequestID = cmd.ID

	d.client.Fstat(statable, func(info nfsclient.Info, err error) {
		_ = d.descriptors.EndOp(fd)
		d.conts.Free(h)

		if err != nil {
			logger.Logger.WithError(err).Debug("failed to fstat file")
			d.fail(cmd.ID, status.Error)

			return
		}

		d.publish(cmd.ID, status.Success, command.Data{FileSize: uint64(info.Size())})
	})
}

// statRecordSize is the fixed number of bytes handleStat writes into the
// caller's output buffer: a little-endian (size uint64, mode uint32, mtime
// int64) triple. This replaces the original's raw memcpy of a native
// struct fs_stat_t, which would tie the wire format to this process's C
// struct layout; a fixed explicit encoding is the Go-idiomatic substitute.
const statRecordSize = 8 + 4 + 8

func handleStat(d *Dispatcher, cmd command.Command) {
	path, ok := d.paths.CopyPath(d.region, sharedmem.SlotA, cmd.Params.Path)
	if !ok {
		d.fail(cmd.ID, status.InvalidPath)

		return
	}

	buf, ok := d.region.Get(cmd.Params.Buf)
	if !ok || len(buf) < statRecordSize {
		d.fail(cmd.ID, status.InvalidBuffer)

		return
	}

	h, ok := d.allocCont(cmd.ID)
	if !ok {
		return
	}

	d.conts.Get(h).RequestID = cmd.ID

	d.client.Stat(path, func(info nfsclient.Info, err error) {
		d.conts.Free(h)

		if err != nil {
			if !status.IsNotExist(err) {
				logger.Logger.WithError(err).Debug("failed to stat file")
			}

			d.fail(cmd.ID, status.Error)

			return
		}

		binary.LittleEndian.PutUint64(buf[0:8], uint64(info.Size()))
		binary.LittleEndian.PutUint32(buf[8:12], uint32(info.Mode()))
		binary.LittleEndian.PutUint64(buf[12:20], uint64(info.ModTime().UnixNano()))

		d.publish(cmd.ID, status.Success, command.Data{})
	})
}

// truncatable is satisfied by file handles that support truncating
// themselves directly, matching op.c's fd-scoped nfs_ftruncate_async.
type truncatable interface {
	Truncate(size int64) error
}

func handleTruncate(d *Dispatcher, cmd command.Command) {
	fd := descriptor.FD(cmd.Params.FD)

	handle, err := d.descriptors.BeginOpFile(fd)
	if err != nil {
		d.fail(cmd.ID, status.InvalidFD)

		return
	}

	trunc, ok := handle.(truncatable)
	if !ok {
		_ = d.descriptors.EndOp(fd)
		d.fail(cmd.ID, status.Error)

		return
	}

	h, ok := d.allocCont(cmd.ID)
	if !ok {
		_ = d.descriptors.EndOp(fd)

		return
	}

	d.conts.Get(h).RequestID = cmd.ID

	d.client.Ftruncate(trunc, int64(cmd.Params.Length), func(err error) {
		_ = d.descriptors.EndOp(fd)
		d.conts.Free(h)

		if err != nil {
			logger.Logger.WithError(err).Debug("failed to truncate file")
			d.fail(cmd.ID, status.Error)

			return
		}

		d.publish(cmd.ID, status.Success, command.Data{})
	})
}

// syncable is satisfied by file handles that support fsync; not every
// vfs.WriterAtReaderAt implementation will.
type syncable interface {
	Sync() error
}

func handleSync(d *Dispatcher, cmd command.Command) {
	fd := descriptor.FD(cmd.Params.FD)

	handle, err := d.descriptors.BeginOpFile(fd)
	if err != nil {
		d.fail(cmd.ID, status.InvalidFD)

		return
	}

	syncer, ok := handle.(syncable)
	if !ok {
		_ = d.descriptors.EndOp(fd)
		d.fail(cmd.ID, status.Error)

		return
	}

	h, ok := d.allocCont(cmd.ID)
	if !ok {
		_ = d.descriptors.EndOp(fd)

		return
	}

	d.conts.Get(h).RequestID = cmd.ID

	d.client.Fsync(syncer, func(err error) {
		_ = d.descriptors.EndOp(fd)
		d.conts.Free(h)

		if err != nil {
			logger.Logger.WithError(err).Debug("fsync failed")
			d.fail(cmd.ID, status.Error)

			return
		}

		d.publish(cmd.ID, status.Success, command.Data{})
	})
}

func handleRemove(d *Dispatcher, cmd command.Command) {
	path, ok := d.paths.CopyPath(d.region, sharedmem.SlotA, cmd.Params.Path)
	if !ok {
		d.fail(cmd.ID, status.InvalidPath)

		return
	}

	h, ok := d.allocCont(cmd.ID)
	if !ok {
		return
	}

	d.conts.Get(h).RequestID = cmd.ID

	d.client.Unlink(path, func(err error) {
		d.conts.Free(h)

		if err != nil {
			logger.Logger.WithError(err).Debug("failed to unlink")
			d.fail(cmd.ID, status.Error)

			return
		}

		d.publish(cmd.ID, status.Success, command.Data{})
	})
}

func handleRename(d *Dispatcher, cmd command.Command) {
	oldPath, ok := d.paths.CopyPath(d.region, sharedmem.SlotA, cmd.Params.OldPath)
	if !ok {
		d.fail(cmd.ID, status.InvalidPath)

		return
	}

	newPath, ok := d.paths.CopyPath(d.region, sharedmem.SlotB, cmd.Params.NewPath)
	if !ok {
		d.fail(cmd.ID, status.InvalidPath)

		return
	}

	h, ok := d.allocCont(cmd.ID)
	if !ok {
		return
	}

	d.conts.Get(h).RequestID = cmd.ID

	d.client.Rename(oldPath, newPath, func(err error) {
		d.conts.Free(h)

		if err != nil {
			logger.Logger.WithError(err).Debug("failed to rename")
			d.fail(cmd.ID, status.Error)

			return
		}

		d.publish(cmd.ID, status.Success, command.Data{})
	})
}

func handleDirCreate(d *Dispatcher, cmd command.Command) {
	path, ok := d.paths.CopyPath(d.region, sharedmem.SlotA, cmd.Params.Path)
	if !ok {
		d.fail(cmd.ID, status.InvalidPath)

		return
	}

	h, ok := d.allocCont(cmd.ID)
	if !ok {
		return
	}

	d.conts.Get(h).RequestID = cmd.ID

	d.client.Mkdir(path, 0o755, func(err error) {
		d.conts.Free(h)

		if err != nil {
			logger.Logger.WithError(err).Debug("failed to mkdir")
			d.fail(cmd.ID, status.Error)

			return
		}

		d.publish(cmd.ID, status.Success, command.Data{})
	})
}

func handleDirRemove(d *Dispatcher, cmd command.Command) {
	path, ok := d.paths.CopyPath(d.region, sharedmem.SlotA, cmd.Params.Path)
	if !ok {
		d.fail(cmd.ID, status.InvalidPath)

		return
	}

	h, ok := d.allocCont(cmd.ID)
	if !ok {
		return
	}

	d.conts.Get(h).RequestID = cmd.ID

	d.client.Rmdir(path, func(err error) {
		d.conts.Free(h)

		if err != nil {
			logger.Logger.WithError(err).Debug("failed to rmdir")
			d.fail(cmd.ID, status.Error)

			return
		}

		d.publish(cmd.ID, status.Success, command.Data{})
	})
}

// dirCursor pairs an open directory listing with the offset DIR_SEEK/
// DIR_TELL/DIR_REWIND operate on. The original tracks this position inside
// libnfs's own struct nfsdir via nfs_telldir/nfs_seekdir; vfs.ListerAt's
// ListAt is offset-addressable instead of cursor-based, so the offset is
// kept here rather than inside the library.
type dirCursor struct {
	handle nfsclient.DirHandle
	pos    int64
}

func handleDirOpen(d *Dispatcher, cmd command.Command) {
	path, ok := d.paths.CopyPath(d.region, sharedmem.SlotA, cmd.Params.Path)
	if !ok {
		d.fail(cmd.ID, status.InvalidPath)

		return
	}

	fd, err := d.descriptors.Alloc()
	if err != nil {
		d.fail(cmd.ID, status.AllocationError)

		return
	}

	h, ok := d.allocCont(cmd.ID)
	if !ok {
		_ = d.descriptors.Free(fd)

		return
	}

	d.conts.Get(h).RequestID = cmd.ID

	d.client.Opendir(path, func(handle nfsclient.DirHandle, err error) {
		d.conts.Free(h)

		if err != nil {
			logger.Logger.WithError(err).Debug("failed to open directory")

			_ = d.descriptors.Free(fd)
			d.fail(cmd.ID, status.Error)

			return
		}

		_ = d.descriptors.SetDir(fd, &dirCursor{handle: handle})
		d.publish(cmd.ID, status.Success, command.Data{FD: command.FD(fd)})
	})
}

func handleDirClose(d *Dispatcher, cmd command.Command) {
	fd := descriptor.FD(cmd.Params.FD)

	if _, err := d.descriptors.BeginOpDir(fd); err != nil {
		d.fail(cmd.ID, status.InvalidFD)

		return
	}

	_ = d.descriptors.EndOp(fd)

	prior, err := d.descriptors.Unset(fd)
	if err != nil {
		d.fail(cmd.ID, status.OutstandingOperations)

		return
	}

	// Closing a directory listing is synchronous in the original
	// (nfs_closedir has no async variant); no continuation is needed.
	cursor := prior.(*dirCursor)

	if err := cursor.handle.Close(); err != nil {
		logger.Logger.WithError(err).Debug("failed to close directory")
	}

	_ = d.descriptors.Free(fd)
	d.publish(cmd.ID, status.Success, command.Data{})
}

func handleDirRead(d *Dispatcher, cmd command.Command) {
	buf, ok := d.region.Get(cmd.Params.Buf)
	if !ok || len(buf) < sharedmem.MaxName {
		d.fail(cmd.ID, status.InvalidBuffer)

		return
	}

	fd := descriptor.FD(cmd.Params.FD)

	handle, err := d.descriptors.BeginOpDir(fd)
	if err != nil {
		d.fail(cmd.ID, status.InvalidFD)

		return
	}

	cursor := handle.(*dirCursor)

	entries := make([]nfsclient.Info, 1)

	n, err := nfsclient.Readdir(cursor.handle, entries, cursor.pos)

	_ = d.descriptors.EndOp(fd)

	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			logger.Logger.WithError(err).Debug("failed to read directory")
			d.fail(cmd.ID, status.Error)

			return
		}

		d.fail(cmd.ID, status.EndOfDirectory)

		return
	}

	name := entries[0].Name()
	if len(name) > len(buf) {
		d.fail(cmd.ID, status.InvalidBuffer)

		return
	}

	copy(buf, name)
	cursor.pos++

	d.publish(cmd.ID, status.Success, command.Data{NameLen: uint64(len(name))})
}

func handleDirSeek(d *Dispatcher, cmd command.Command) {
	fd := descriptor.FD(cmd.Params.FD)

	handle, err := d.descriptors.BeginOpDir(fd)
	if err != nil {
		d.fail(cmd.ID, status.InvalidFD)

		return
	}

	cursor := handle.(*dirCursor)
	cursor.pos = cmd.Params.Loc

	_ = d.descriptors.EndOp(fd)

	d.publish(cmd.ID, status.Success, command.Data{})
}

func handleDirTell(d *Dispatcher, cmd command.Command) {
	fd := descriptor.FD(cmd.Params.FD)

	handle, err := d.descriptors.BeginOpDir(fd)
	if err != nil {
		d.fail(cmd.ID, status.InvalidFD)

		return
	}

	cursor := handle.(*dirCursor)
	loc := cursor.pos

	_ = d.descriptors.EndOp(fd)

	d.publish(cmd.ID, status.Success, command.Data{TellLoc: loc})
}

func handleDirRewind(d *Dispatcher, cmd command.Command) {
	fd := descriptor.FD(cmd.Params.FD)

	handle, err := d.descriptors.BeginOpDir(fd)
	if err != nil {
		d.fail(cmd.ID, status.InvalidFD)

		return
	}

	cursor := handle.(*dirCursor)
	cursor.pos = 0

	_ = d.descriptors.EndOp(fd)

	d.publish(cmd.ID, status.Success, command.Data{})
}
