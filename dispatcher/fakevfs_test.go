package dispatcher_test

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/asyncfs/fsbridge/nfsclient"
)

// memFS is a minimal in-memory stand-in for vfs.AdvancedLinkFS, just
// enough surface to drive the dispatcher end to end without a real
// filesystem or network round trip.
type memFS struct {
	mu    sync.Mutex
	files map[string]*memFile
	dirs  map[string][]string
}

func newMemFS() *memFS {
	return &memFS{
		files: make(map[string]*memFile),
		dirs:  make(map[string][]string),
	}
}

func (f *memFS) OpenFile(path string, flag int, mode os.FileMode) (nfsclient.FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[path]
	if !ok {
		if flag&os.O_CREATE == 0 {
			return nil, os.ErrNotExist
		}

		file = &memFile{}
		f.files[path] = file
	}

	return &memOpenHandle{file: file}, nil
}

func (f *memFS) Lstat(path string) (nfsclient.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if file, ok := f.files[path]; ok {
		return file.info(path), nil
	}

	if _, ok := f.dirs[path]; ok {
		return memInfo{name: path, isDir: true, modTime: time.Unix(0, 0)}, nil
	}

	return nil, os.ErrNotExist
}

func (f *memFS) Mkdir(path string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dirs[path] = nil

	return nil
}

func (f *memFS) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.files[path]; ok {
		delete(f.files, path)

		return nil
	}

	if _, ok := f.dirs[path]; ok {
		delete(f.dirs, path)

		return nil
	}

	return os.ErrNotExist
}

func (f *memFS) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[oldpath]
	if !ok {
		return os.ErrNotExist
	}

	f.files[newpath] = file
	delete(f.files, oldpath)

	return nil
}

func (f *memFS) Truncate(path string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[path]
	if !ok {
		return os.ErrNotExist
	}

	return file.Truncate(size)
}

func (f *memFS) List(path string) (nfsclient.DirHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	names, ok := f.dirs[path]
	if !ok {
		return nil, os.ErrNotExist
	}

	return &memDir{names: names}, nil
}

func (f *memFS) Close() error {
	return nil
}

// memFile is the shared backing store for a path; distinct opens share it
// the way distinct nfsfh handles against the same remote inode do.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) info(path string) nfsclient.Info {
	f.mu.Lock()
	defer f.mu.Unlock()

	return memInfo{name: path, size: int64(len(f.data)), modTime: time.Unix(0, 0)}
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}

	n := copy(p, f.data[off:])

	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	end := off + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}

	return copy(f.data[off:], p), nil
}

func (f *memFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if size <= int64(len(f.data)) {
		f.data = f.data[:size]

		return nil
	}

	grown := make([]byte, size)
	copy(grown, f.data)
	f.data = grown

	return nil
}

func (f *memFile) Sync() error {
	return nil
}

func (f *memFile) Stat() (nfsclient.Info, error) {
	return f.info(""), nil
}

// memOpenHandle is the per-open handle returned from OpenFile, delegating
// reads and writes to the shared memFile.
type memOpenHandle struct {
	file   *memFile
	closed bool
}

func (h *memOpenHandle) ReadAt(p []byte, off int64) (int, error)  { return h.file.ReadAt(p, off) }
func (h *memOpenHandle) WriteAt(p []byte, off int64) (int, error) { return h.file.WriteAt(p, off) }
func (h *memOpenHandle) Sync() error                              { return h.file.Sync() }
func (h *memOpenHandle) Stat() (nfsclient.Info, error)            { return h.file.Stat() }
func (h *memOpenHandle) Truncate(size int64) error                { return h.file.Truncate(size) }

func (h *memOpenHandle) Close() error {
	h.closed = true

	return nil
}

type memInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (i memInfo) Name() string       { return i.name }
func (i memInfo) Size() int64        { return i.size }
func (i memInfo) Mode() os.FileMode  { return i.mode }
func (i memInfo) ModTime() time.Time { return i.modTime }
func (i memInfo) IsDir() bool        { return i.isDir }
func (i memInfo) Sys() any           { return nil }

// memDir lists a fixed, static set of names, offset-addressable the way
// vfs.ListerAt.ListAt is.
type memDir struct {
	names  []string
	closed bool
}

func (d *memDir) ListAt(buf []nfsclient.Info, offset int64) (int, error) {
	if offset >= int64(len(d.names)) {
		return 0, io.EOF
	}

	n := copy(buf, []nfsclient.Info{memInfo{name: d.names[offset]}})

	return n, nil
}

func (d *memDir) Close() error {
	d.closed = true

	return nil
}
