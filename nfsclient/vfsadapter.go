package nfsclient

import "os"

// Each method below mirrors one asynchronous NFS client entry point from
// spec.md §6: it validates nothing itself (the dispatcher has already
// validated paths and buffers before calling in), submits the blocking vfs
// call to a goroutine, and arranges for cb to run back on the dispatcher
// thread with the result. Handlers are themselves responsible for turning
// a non-nil error cb receives into a completion status.

// Open submits an asynchronous open. flag follows the POSIX O_* values the
// dispatcher already translated from command.OpenFlags.
func (c *Client) Open(path string, flag int, mode os.FileMode, cb func(FileHandle, error)) {
	c.submit(func() Callback {
		h, err := c.currentFS().OpenFile(path, flag, mode)
		c.maybeReconnect(err)

		return func() { cb(h, err) }
	})
}

// Stat submits an asynchronous lstat by path, used by the STAT handler.
// The SIZE handler uses Fstat on the open handle instead.
func (c *Client) Stat(path string, cb func(Info, error)) {
	c.submit(func() Callback {
		fi, err := c.currentFS().Lstat(path)
		c.maybeReconnect(err)

		return func() { cb(fi, err) }
	})
}

// Close submits an asynchronous close of a previously opened file handle.
func (c *Client) Close(h FileHandle, cb func(error)) {
	c.submit(func() Callback {
		err := h.Close()

		return func() { cb(err) }
	})
}

// PRead submits an asynchronous positioned read into buf.
func (c *Client) PRead(h FileHandle, buf []byte, offset int64, cb func(int, error)) {
	c.submit(func() Callback {
		n, err := h.ReadAt(buf, offset)

		return func() { cb(n, err) }
	})
}

// PWrite submits an asynchronous positioned write of buf.
func (c *Client) PWrite(h FileHandle, buf []byte, offset int64, cb func(int, error)) {
	c.submit(func() Callback {
		n, err := h.WriteAt(buf, offset)

		return func() { cb(n, err) }
	})
}

// Fsync submits an asynchronous fsync of an open file, if the handle
// supports it; vfs.WriterAtReaderAt does not guarantee a Sync method, so
// the dispatcher's SYNC handler type-asserts before calling this.
func (c *Client) Fsync(h interface{ Sync() error }, cb func(error)) {
	c.submit(func() Callback {
		err := h.Sync()

		return func() { cb(err) }
	})
}

// Fstat submits an asynchronous fstat of an already-open file handle, used
// by the SIZE handler the way the original uses nfs_fstat64_async against a
// struct nfsfh rather than stat-by-path.
func (c *Client) Fstat(h interface{ Stat() (Info, error) }, cb func(Info, error)) {
	c.submit(func() Callback {
		fi, err := h.Stat()

		return func() { cb(fi, err) }
	})
}

// Ftruncate submits an asynchronous truncate of an already-open file
// handle, matching the original's nfs_ftruncate_async(file_handle, ...)
// (TRUNCATE is FD-scoped, not path-scoped, in op.c's handle_truncate).
func (c *Client) Ftruncate(h interface{ Truncate(size int64) error }, size int64, cb func(error)) {
	c.submit(func() Callback {
		err := h.Truncate(size)

		return func() { cb(err) }
	})
}

// Rename submits an asynchronous rename.
func (c *Client) Rename(oldpath, newpath string, cb func(error)) {
	c.submit(func() Callback {
		err := c.currentFS().Rename(oldpath, newpath)
		c.maybeReconnect(err)

		return func() { cb(err) }
	})
}

// Unlink submits an asynchronous file removal.
func (c *Client) Unlink(path string, cb func(error)) {
	c.submit(func() Callback {
		err := c.currentFS().Remove(path)
		c.maybeReconnect(err)

		return func() { cb(err) }
	})
}

// Mkdir submits an asynchronous directory creation.
func (c *Client) Mkdir(path string, mode os.FileMode, cb func(error)) {
	c.submit(func() Callback {
		err := c.currentFS().Mkdir(path, mode)
		c.maybeReconnect(err)

		return func() { cb(err) }
	})
}

// Rmdir submits an asynchronous directory removal. The underlying vfs
// filesystem uses the same Remove call for files and empty directories.
func (c *Client) Rmdir(path string, cb func(error)) {
	c.submit(func() Callback {
		err := c.currentFS().Remove(path)
		c.maybeReconnect(err)

		return func() { cb(err) }
	})
}

// Opendir submits an asynchronous directory listing open.
func (c *Client) Opendir(path string, cb func(DirHandle, error)) {
	c.submit(func() Callback {
		d, err := c.currentFS().List(path)
		c.maybeReconnect(err)

		return func() { cb(d, err) }
	})
}

// Readdir is synchronous: listing a fixed batch out of an already-open
// DirHandle is cheap and local, with no network round trip of its own,
// unlike Opendir which may need to fetch the first batch from a remote
// share. The dispatcher calls this directly rather than through Results.
func Readdir(h DirHandle, buf []Info, offset int64) (int, error) {
	return h.ListAt(buf, offset)
}
