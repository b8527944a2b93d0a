// Command fsbridged is the example host process: it wires a local
// filesystem tree, an NFSClient collaborator backed by it, the command and
// completion queues, and the shared data region into a Dispatcher, then
// runs the dispatch loop until interrupted.
//
// It owns no transport of its own. How commands actually arrive in the
// command queue and how completions leave the completion queue is a detail
// of whatever IPC mechanism a real deployment chooses (spec.md §1 places
// the wire protocol itself out of scope); this binary only demonstrates
// the wiring, the way the teacher's cmd/nfs4go/example.go demonstrates
// ExampleLoader against a TCP listener.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/asyncfs/fsbridge/command"
	"github.com/asyncfs/fsbridge/dispatcher"
	"github.com/asyncfs/fsbridge/internal/logger"
	"github.com/asyncfs/fsbridge/nfsclient"
	"github.com/kuleuven/vfs"
	"github.com/kuleuven/vfs/fs/nativefs"
	"github.com/kuleuven/vfs/fs/rootfs"
	"github.com/sirupsen/logrus"
)

// Config bundles the host's fixed capacities and the local tree it exposes,
// following the teacher's plain-struct ExportOptions idiom rather than a
// flag/env parser living in the core.
type Config struct {
	QueueCapacity      int
	DescriptorCapacity int
	ShareCapacity      int
	Root               string
}

func loadTree(cfg Config) (vfs.AdvancedLinkFS, error) {
	fs := rootfs.New(context.Background())

	err := fs.Mount("/", &nativefs.NativeServerInodeFS{
		NativeFS: &nativefs.NativeFS{
			Root: cfg.Root,
		},
	}, 0)

	return fs, err
}

func newDispatcher(cfg Config) *dispatcher.Dispatcher {
	return dispatcher.New(dispatcher.Config{
		QueueCapacity:      cfg.QueueCapacity,
		DescriptorCapacity: cfg.DescriptorCapacity,
		ShareCapacity:      cfg.ShareCapacity,
		NewClient: func() (nfsclient.FS, error) {
			return loadTree(cfg)
		},
	})
}

// serve runs the dispatch loop until ctx is cancelled, backing off briefly
// whenever a pass finds nothing to do so the process doesn't spin a core
// waiting for an external producer to fill the command queue.
func serve(ctx context.Context, d *dispatcher.Dispatcher) {
	logger.Logger.Info("dispatcher loop starting")

	for {
		select {
		case <-ctx.Done():
			logger.Logger.Info("dispatcher loop stopping")

			return
		default:
		}

		before := d.Commands().Len()

		d.Drain()

		if before == 0 && d.Commands().Len() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func main() {
	root := flag.String("root", "/srv", "local directory exposed through the NFS client adapter")
	queueCapacity := flag.Int("queue-capacity", 64, "command/completion queue and continuation pool capacity")
	descriptorCapacity := flag.Int("descriptor-capacity", 256, "descriptor table capacity")
	shareCapacity := flag.Int("share-capacity", 1<<20, "shared data region capacity in bytes")
	debug := flag.Bool("debug", false, "enable debug logging")

	flag.Parse()

	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg := Config{
		QueueCapacity:      *queueCapacity,
		DescriptorCapacity: *descriptorCapacity,
		ShareCapacity:      *shareCapacity,
		Root:               *root,
	}

	d := newDispatcher(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Bring the NFS client collaborator up immediately rather than waiting
	// for an external INITIALISE command, since this host has no transport
	// of its own to receive one from.
	if !d.Commands().Push(command.Command{Type: command.Initialise, ID: 0}) {
		logger.Logger.Fatal("command queue rejected the startup INITIALISE command")
	}

	serve(ctx, d)
}
