// Package queue implements the fixed-capacity single-producer/single-consumer
// ring buffers the dispatcher reads commands from and publishes completions
// to.
//
// The length/space accounting is ported from the original source's
// fs_queue_length_consumer/fs_queue_length_producer and process_commands'
// min(command_count, completion_space) back-pressure arithmetic
// (original_source/components/fs/nfs/op.c). The head/tail cursor naming
// follows github.com/paultag/go-diskring's Cursor{head,tail}, simplified
// from that package's mmap'd disk ring down to a plain in-memory slice: the
// host process owns marshalling the shared-memory transport, the core only
// needs the occupancy bookkeeping.
package queue

// Command and Completion are the two record types queues carry. The
// dispatcher only ever instantiates Ring[command.Command] and
// Ring[command.Completion], but the ring itself is agnostic to payload type.

// Ring is a fixed-capacity ring buffer over T, written by one producer and
// read by one consumer. It is not safe for concurrent use by multiple
// producers or multiple consumers; the command queue's producer is the
// client host and its consumer is the dispatcher, and symmetrically for the
// completion queue.
type Ring[T any] struct {
	buf        []T
	head, tail uint64 // monotonically increasing; index into buf is mod len(buf)
}

// NewRing creates a ring of the given fixed capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}

	return &Ring[T]{buf: make([]T, capacity)}
}

// Cap returns the ring's fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Len returns the number of items currently queued, i.e. what the original
// calls fs_queue_length_consumer.
func (r *Ring[T]) Len() int {
	return int(r.tail - r.head)
}

// Space returns the number of additional items that can be pushed before
// the ring is full, i.e. fs_queue_length_producer's complement.
func (r *Ring[T]) Space() int {
	return r.Cap() - r.Len()
}

// Push appends an item to the tail. It reports false if the ring is full;
// the caller (the client host, for the command queue, or the dispatcher,
// for the completion queue) must not call Push without having first checked
// Space, mirroring reply()'s assert against a full completion queue.
func (r *Ring[T]) Push(item T) bool {
	if r.Space() == 0 {
		return false
	}

	r.buf[r.tail%uint64(len(r.buf))] = item
	r.tail++

	return true
}

// Peek returns the i'th queued item counting from the head without
// consuming it, and whether i is in range. The dispatcher uses this to
// inspect up to to_consume commands before publishing consumption of all of
// them at once, matching fs_queue_idx_filled's read-then-publish shape.
func (r *Ring[T]) Peek(i int) (T, bool) {
	var zero T

	if i < 0 || i >= r.Len() {
		return zero, false
	}

	return r.buf[(r.head+uint64(i))%uint64(len(r.buf))], true
}

// Consume advances the head past n items, matching
// fs_queue_publish_consumption. It panics if n exceeds Len: that would
// indicate the dispatcher consumed a command it never peeked.
func (r *Ring[T]) Consume(n int) {
	if n < 0 || n > r.Len() {
		panic("queue: consume past tail")
	}

	r.head += uint64(n)
}

// Pop removes and returns the head item, or ok=false if empty. It is
// Peek(0)+Consume(1) combined, for callers that want FIFO semantics without
// the two-step peek/consume split the dispatcher uses for its batch.
func (r *Ring[T]) Pop() (item T, ok bool) {
	item, ok = r.Peek(0)
	if !ok {
		return item, false
	}

	r.Consume(1)

	return item, true
}
