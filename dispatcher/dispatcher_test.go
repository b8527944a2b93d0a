package dispatcher_test

import (
	"testing"
	"time"

	"github.com/asyncfs/fsbridge/command"
	"github.com/asyncfs/fsbridge/dispatcher"
	"github.com/asyncfs/fsbridge/nfsclient"
	"github.com/asyncfs/fsbridge/sharedmem"
	"github.com/asyncfs/fsbridge/status"
	"github.com/stretchr/testify/require"
)

const testQueueCapacity = 8

func newTestDispatcher(t *testing.T) (*dispatcher.Dispatcher, *memFS) {
	t.Helper()

	fs := newMemFS()

	d := dispatcher.New(dispatcher.Config{
		QueueCapacity:      testQueueCapacity,
		DescriptorCapacity: 4,
		ShareCapacity:      4096,
		NewClient: func() (nfsclient.FS, error) {
			return fs, nil
		},
	})

	return d, fs
}

// submit pushes cmd and drains until its completion is published, polling
// Drain since asynchronous handlers complete on a separate goroutine.
func submit(t *testing.T, d *dispatcher.Dispatcher, cmd command.Command) command.Completion {
	t.Helper()

	require.True(t, d.Commands().Push(cmd))

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		d.Drain()

		if c, ok := d.Completions().Pop(); ok {
			require.Equal(t, cmd.ID, c.ID)

			return c
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatalf("timed out waiting for completion of command %d", cmd.ID)

	return command.Completion{}
}

func putBytes(region *sharedmem.Region, offset uint64, data []byte) command.Buffer {
	copy(region.GetUnsafeForTest()[offset:], data)

	return command.Buffer{Offset: offset, Size: uint64(len(data))}
}

func initialise(t *testing.T, d *dispatcher.Dispatcher, id uint64) {
	t.Helper()

	c := submit(t, d, command.Command{Type: command.Initialise, ID: id})
	require.Equal(t, status.Success, c.Status)
}

// S1: INITIALISE(id=1) -> {1, SUCCESS}.
func TestScenarioInitialise(t *testing.T) {
	d, _ := newTestDispatcher(t)
	initialise(t, d, 1)
}

// S2: OPEN then WRITE then READ round-trips through the shared region.
func TestScenarioWriteThenRead(t *testing.T) {
	d, _ := newTestDispatcher(t)
	initialise(t, d, 1)

	pathBuf := putBytes(d.Region(), 200, []byte("/x"))

	open := submit(t, d, command.Command{
		Type: command.Open,
		ID:   2,
		Params: command.Params{
			Path:     pathBuf,
			OpenFlag: command.ReadWrite | command.Create,
		},
	})
	require.Equal(t, status.Success, open.Status)

	fd := open.Data.FD

	writeBuf := putBytes(d.Region(), 0, []byte("hello"))

	write := submit(t, d, command.Command{
		Type: command.Write,
		ID:   3,
		Params: command.Params{
			FD:     fd,
			Buf:    writeBuf,
			Offset: 0,
		},
	})
	require.Equal(t, status.Success, write.Status)
	require.EqualValues(t, 5, write.Data.LenWritten)

	readBuf := command.Buffer{Offset: 64, Size: 5}

	read := submit(t, d, command.Command{
		Type: command.Read,
		ID:   4,
		Params: command.Params{
			FD:     fd,
			Buf:    readBuf,
			Offset: 0,
		},
	})
	require.Equal(t, status.Success, read.Status)
	require.EqualValues(t, 5, read.Data.LenRead)
	require.Equal(t, "hello", string(d.Region().GetUnsafeForTest()[64:69]))
}

// S3: closing an already-closed fd fails INVALID_FD.
func TestScenarioDoubleClose(t *testing.T) {
	d, fs := newTestDispatcher(t)
	initialise(t, d, 1)

	// A READ_ONLY open does not create the file, so it must already exist.
	fs.files["/x"] = &memFile{}

	pathBuf := putBytes(d.Region(), 200, []byte("/x"))

	open := submit(t, d, command.Command{
		Type:   command.Open,
		ID:     5,
		Params: command.Params{Path: pathBuf, OpenFlag: command.ReadOnly},
	})
	require.Equal(t, status.Success, open.Status)

	fd := open.Data.FD

	close1 := submit(t, d, command.Command{Type: command.Close, ID: 6, Params: command.Params{FD: fd}})
	require.Equal(t, status.Success, close1.Status)

	close2 := submit(t, d, command.Command{Type: command.Close, ID: 7, Params: command.Params{FD: fd}})
	require.Equal(t, status.InvalidFD, close2.Status)
}

// S4: directory listing terminates with END_OF_DIRECTORY, then closes.
func TestScenarioDirListing(t *testing.T) {
	d, fs := newTestDispatcher(t)
	initialise(t, d, 1)

	fs.dirs["/"] = []string{"alpha"}

	pathBuf := putBytes(d.Region(), 200, []byte("/"))

	open := submit(t, d, command.Command{Type: command.DirOpen, ID: 8, Params: command.Params{Path: pathBuf}})
	require.Equal(t, status.Success, open.Status)

	fd := open.Data.FD
	readBuf := command.Buffer{Offset: 0, Size: sharedmem.MaxName}

	first := submit(t, d, command.Command{Type: command.DirRead, ID: 9, Params: command.Params{FD: fd, Buf: readBuf}})
	require.Equal(t, status.Success, first.Status)
	require.Equal(t, "alpha", string(d.Region().GetUnsafeForTest()[0:first.Data.NameLen]))

	second := submit(t, d, command.Command{Type: command.DirRead, ID: 10, Params: command.Params{FD: fd, Buf: readBuf}})
	require.Equal(t, status.EndOfDirectory, second.Status)

	closed := submit(t, d, command.Command{Type: command.DirClose, ID: 11, Params: command.Params{FD: fd}})
	require.Equal(t, status.Success, closed.Status)
}

// S5: out-of-range and zero-size buffers are rejected as INVALID_BUFFER.
func TestScenarioInvalidBuffers(t *testing.T) {
	d, _ := newTestDispatcher(t)
	initialise(t, d, 1)

	pathBuf := putBytes(d.Region(), 200, []byte("/x"))

	open := submit(t, d, command.Command{
		Type:   command.Open,
		ID:     20,
		Params: command.Params{Path: pathBuf, OpenFlag: command.ReadWrite | command.Create},
	})
	require.Equal(t, status.Success, open.Status)

	fd := open.Data.FD

	outOfRange := submit(t, d, command.Command{
		Type: command.Read,
		ID:   21,
		Params: command.Params{
			FD:  fd,
			Buf: command.Buffer{Offset: d.Region().Capacity(), Size: 1},
		},
	})
	require.Equal(t, status.InvalidBuffer, outOfRange.Status)

	zeroSize := submit(t, d, command.Command{
		Type: command.Read,
		ID:   22,
		Params: command.Params{
			FD:  fd,
			Buf: command.Buffer{Offset: 0, Size: 0},
		},
	})
	require.Equal(t, status.InvalidBuffer, zeroSize.Status)
}

// S6: Q+1 commands submitted back to back without draining; the command
// queue itself refuses the (Q+1)-th. Drain's consumption bound against the
// completion queue is checked by TestDrainHonoursCompletionSpace.
func TestScenarioQueueBackPressure(t *testing.T) {
	d, _ := newTestDispatcher(t)

	require.True(t, d.Commands().Push(command.Command{Type: command.Initialise, ID: 1}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && d.Completions().Len() == 0 {
		d.Drain()
		time.Sleep(time.Millisecond)
	}

	require.Equal(t, 1, d.Completions().Len())

	_, _ = d.Completions().Pop()

	for i := 0; i < testQueueCapacity; i++ {
		require.True(t, d.Commands().Push(command.Command{Type: command.DirTell, ID: uint64(100 + i), Params: command.Params{FD: 0}}))
	}

	require.False(t, d.Commands().Push(command.Command{Type: command.DirTell, ID: 999}), "command queue itself is bounded to capacity")
}

// TestDrainHonoursCompletionSpace pins process_commands' own back-pressure
// rule at the dispatcher level: Drain never consumes more commands in one
// pass than the completion queue currently has room to reply to, even when
// more commands are already queued.
func TestDrainHonoursCompletionSpace(t *testing.T) {
	fs := newMemFS()

	d := dispatcher.New(dispatcher.Config{
		QueueCapacity:      4,
		DescriptorCapacity: 4,
		ShareCapacity:      4096,
		NewClient: func() (nfsclient.FS, error) {
			return fs, nil
		},
	})

	initialise(t, d, 1)

	// Fill the completion queue to 3/4 capacity so only one slot of room
	// remains, then queue three synchronous (and here, failing) commands.
	require.True(t, d.Completions().Push(command.Completion{ID: 900}))
	require.True(t, d.Completions().Push(command.Completion{ID: 901}))
	require.True(t, d.Completions().Push(command.Completion{ID: 902}))

	for i := 0; i < 3; i++ {
		require.True(t, d.Commands().Push(command.Command{
			Type:   command.DirTell,
			ID:     uint64(10 + i),
			Params: command.Params{FD: 0},
		}))
	}

	d.Drain()

	require.Equal(t, 2, d.Commands().Len(), "only one command should have been consumed, matching the single free completion slot")

	// Drain the placeholder completions to make room, then finish the rest.
	for i := 0; i < 3; i++ {
		_, ok := d.Completions().Pop()
		require.True(t, ok)
	}

	d.Drain()
	d.Drain()

	require.Equal(t, 0, d.Commands().Len())
}

// Regression test pinning the fix for the original's rmdir_cb bug, which
// allocated a fresh continuation inside the callback instead of reusing the
// one the submission allocated, leaking one continuation per RMDIR call.
func TestRmdirDoesNotLeakContinuation(t *testing.T) {
	d, fs := newTestDispatcher(t)
	initialise(t, d, 1)

	fs.dirs["/empty"] = nil

	pathBuf := putBytes(d.Region(), 200, []byte("/empty"))

	for i := 0; i < testQueueCapacity*2; i++ {
		c := submit(t, d, command.Command{
			Type:   command.DirRemove,
			ID:     uint64(50 + i),
			Params: command.Params{Path: pathBuf},
		})
		require.Equal(t, status.Success, c.Status)

		fs.dirs["/empty"] = nil // recreate for the next iteration
	}
}

// TestDeinitialiseThenReinitialise is the happy path for Open Question 2:
// a clean DEINITIALISE against an idle, initialised context succeeds and
// clears the "initialised" flag, so a later INITIALISE is accepted rather
// than failing as a duplicate.
func TestDeinitialiseThenReinitialise(t *testing.T) {
	d, _ := newTestDispatcher(t)
	initialise(t, d, 1)

	deinit := submit(t, d, command.Command{Type: command.Deinitialise, ID: 2})
	require.Equal(t, status.Success, deinit.Status)

	afterDeinit := submit(t, d, command.Command{Type: command.Stat, ID: 3})
	require.Equal(t, status.NotInitialised, afterDeinit.Status)

	initialise(t, d, 4)
}

// TestDeinitialiseRefusedWhileContinuationOutstanding pins the fix for the
// race described in the maintainer's review: a path-scoped async command
// (STAT here) touches only the continuation pool, never the descriptor
// table, so AllFree() alone can't see it's still in flight. Both commands
// are pushed before a single Drain, matching how the race was originally
// reproduced, and DEINITIALISE must be refused rather than tearing the
// client down out from under the in-flight STAT.
func TestDeinitialiseRefusedWhileContinuationOutstanding(t *testing.T) {
	d, fs := newTestDispatcher(t)
	initialise(t, d, 1)

	fs.files["/x"] = &memFile{data: []byte("hello")}
	pathBuf := putBytes(d.Region(), 200, []byte("/x"))
	statBuf := command.Buffer{Offset: 1000, Size: sharedmem.MaxName}

	require.True(t, d.Commands().Push(command.Command{
		Type:   command.Stat,
		ID:     2,
		Params: command.Params{Path: pathBuf, Buf: statBuf},
	}))
	require.True(t, d.Commands().Push(command.Command{Type: command.Deinitialise, ID: 3}))

	d.Drain()

	var statCompletion, deinitCompletion command.Completion
	var sawStat, sawDeinit bool

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && (!sawStat || !sawDeinit) {
		d.Drain()

		for {
			c, ok := d.Completions().Pop()
			if !ok {
				break
			}

			switch c.ID {
			case 2:
				statCompletion, sawStat = c, true
			case 3:
				deinitCompletion, sawDeinit = c, true
			}
		}

		time.Sleep(time.Millisecond)
	}

	require.True(t, sawStat, "stat never completed")
	require.True(t, sawDeinit, "deinitialise never completed")
	require.Equal(t, status.Success, statCompletion.Status)
	require.Equal(t, status.OutstandingOperations, deinitCompletion.Status)

	// The client must still be usable: deinitialise was refused, not
	// partially applied.
	again := submit(t, d, command.Command{
		Type:   command.Stat,
		ID:     4,
		Params: command.Params{Path: pathBuf, Buf: statBuf},
	})
	require.Equal(t, status.Success, again.Status)

	clean := submit(t, d, command.Command{Type: command.Deinitialise, ID: 5})
	require.Equal(t, status.Success, clean.Status)
}
