// Package nfsclient defines the asynchronous filesystem collaborator the
// dispatcher drives, and a concrete adapter over a synchronous
// github.com/kuleuven/vfs filesystem.
//
// spec.md §6 treats the NFS client as an external, callback-driven
// collaborator out of scope for this repo, but Design Notes §9 is explicit
// that a library which does not invoke its callback from within the calling
// thread needs an adapter layer that makes it look like it does: results
// must still only ever be applied from the single dispatcher thread. vfs's
// AdvancedLinkFS (as used throughout github.com/kuleuven/nfs4go's worker
// package) is purely synchronous, so Client runs each call on its own
// goroutine and funnels the result back through a channel the dispatcher
// drains, rather than invoking any callback directly from client code.
package nfsclient

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/asyncfs/fsbridge/clock"
	"github.com/asyncfs/fsbridge/internal/logger"
	"github.com/kuleuven/vfs"
)

// FileHandle is an open file, readable and writable at arbitrary offsets.
// It is the subset of vfs.WriterAtReaderAt the dispatcher needs.
type FileHandle = vfs.WriterAtReaderAt

// DirHandle is an open directory listing cursor. It is the subset of
// vfs.ListerAt the dispatcher needs; unlike file and mutating operations,
// positioning and reading a directory listing is treated as synchronous
// (spec.md §4.4's DIR_READ/DIR_SEEK/DIR_TELL/DIR_REWIND handlers), since the
// underlying vfs.ListerAt.ListAt call is itself synchronous and cheap
// relative to a round trip through the client.
type DirHandle = vfs.ListerAt

// Info is the subset of a stat result the completion Data records need.
type Info = vfs.FileInfo

// FS is the synchronous filesystem Client adapts. It is satisfied by
// vfs.AdvancedLinkFS; declaring the narrower interface here keeps this
// package's dependency on vfs limited to the calls it actually makes.
type FS interface {
	OpenFile(path string, flag int, mode os.FileMode) (FileHandle, error)
	Lstat(path string) (Info, error)
	Mkdir(path string, mode os.FileMode) error
	Remove(path string) error
	Rename(oldpath, newpath string) error
	Truncate(path string, size int64) error
	List(path string) (DirHandle, error)
	Close() error
}

// Callback is a completion invoked on the dispatcher goroutine once an
// asynchronous call finishes. The dispatcher drains these off Results and
// runs them synchronously, the same way the original's libnfs callbacks run
// on the single event-loop thread.
type Callback func()

// Connector (re)establishes the underlying FS. It is invoked once to form
// the initial connection and again, with backoff, every time a path-scoped
// call (Open, Stat, Rename, Unlink, Mkdir, Rmdir, Opendir) reports a
// connection-level error; errors from calls on an already-open file handle
// do not start a reconnect. This is what INITIALISE's auto-reconnect
// rests on. A
// nil Connector disables reconnect entirely: a connection-level error is
// then just reported to the caller like any other error.
type Connector func() (FS, error)

const reconnectDelay = 100 * time.Millisecond

// Client issues asynchronous filesystem operations against an FS and
// delivers their results as Callbacks on Results(). It is the concrete
// analogue of spec.md §6's "NFS client" collaborator.
type Client struct {
	connect Connector
	results chan Callback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	reconnecting bool

	fsMu sync.RWMutex
	fs   FS

	connectedAt time.Time
}

// New creates a Client over fs. The results channel is sized to the
// dispatcher's queue capacity by the caller, since at most one outstanding
// call per continuation can ever be in flight at once (spec.md §4.1).
//
// connect is kept and reused for every automatic reconnect attempt; pass
// nil to run without auto-reconnect.
func New(fs FS, resultsCapacity int, connect Connector) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		fs:          fs,
		connect:     connect,
		results:     make(chan Callback, resultsCapacity),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: clock.Now(),
	}
}

// Results is the channel the dispatcher drains Callbacks from.
func (c *Client) Results() <-chan Callback {
	return c.results
}

// currentFS returns the FS in effect right now, which may have changed
// under a caller that held a reference across a reconnect.
func (c *Client) currentFS() FS {
	c.fsMu.RLock()
	defer c.fsMu.RUnlock()

	return c.fs
}

// submit runs work on its own goroutine and delivers its callback on
// Results, unless the client has been shut down first, in which case the
// call is dropped: nothing is listening to apply its result.
func (c *Client) submit(work func() Callback) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return
	}

	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		cb := work()

		select {
		case c.results <- cb:
		case <-c.ctx.Done():
		}
	}()
}

// isConnectionLost reports whether err indicates the underlying transport
// dropped out from under an operation, as opposed to the operation itself
// being rejected (ENOENT, EEXIST, and so on).
func isConnectionLost(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, syscall.ESTALE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, net.ErrClosed)
}

// maybeReconnect starts a reconnect loop if err looks connection-level and
// one isn't already running.
func (c *Client) maybeReconnect(err error) {
	if !isConnectionLost(err) {
		return
	}

	c.mu.Lock()
	if c.closed || c.reconnecting || c.connect == nil {
		c.mu.Unlock()

		return
	}

	c.reconnecting = true
	c.mu.Unlock()

	go c.reconnectLoop()
}

// reconnectLoop retries connect with a fixed backoff, grounded on the
// xenking/redis dial-retry loop, until it succeeds or the client is shut
// down. On success it swaps in the new FS for all subsequent calls.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fs, err := c.connect()
		if err == nil {
			c.fsMu.Lock()
			c.fs = fs
			c.fsMu.Unlock()

			logger.Logger.WithField("attempt", attempt).Info("nfs client reconnected")

			return
		}

		logger.Logger.WithError(err).WithField("attempt", attempt).Debug("nfs reconnect attempt failed, retrying")

		select {
		case <-time.After(reconnectDelay):
		case <-c.ctx.Done():
			return
		}
	}
}

// Shutdown cancels any in-flight submissions from being delivered, waits for
// their goroutines to finish, and closes the underlying filesystem. It is
// the async-client half of the deinitialise handler (spec.md §4.4); the
// dispatcher is responsible for first confirming every descriptor and
// continuation is free.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	logger.Logger.WithField("uptime", clock.Since(c.connectedAt)).Debug("shutting down nfs client")

	return c.currentFS().Close()
}
