package uring

import (
	"errors"
	"io"
)

// syncRing performs every enqueued read with ReadAt when it is flushed and
// queues the results as completions. It has the same queue-full and
// one-completion-per-read behaviour as the kernel engines, which makes it
// both a baseline engine and an in-memory ring for tests.
type syncRing struct {
	src     io.ReaderAt
	entries uint32
	queued  []Read
	ready   []Completion
	closed  bool
}

// NewSyncRing returns a ring that reads from src. Read.FD is ignored.
func NewSyncRing(entries uint32, src io.ReaderAt) Ring {
	return &syncRing{
		src:     src,
		entries: entries,
		queued:  make([]Read, 0, entries),
	}
}

func (r *syncRing) Enqueue(rd Read) error {
	if r.closed {
		return ErrClosed
	}
	if uint32(len(r.queued)) >= r.entries {
		return ErrQueueFull
	}
	r.queued = append(r.queued, rd)
	return nil
}

func (r *syncRing) Flush() (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	n := len(r.queued)
	for _, rd := range r.queued {
		r.ready = append(r.ready, Completion{UserData: rd.UserData, Res: r.read(rd)})
	}
	r.queued = r.queued[:0]
	return n, nil
}

func (r *syncRing) read(rd Read) int32 {
	n, err := r.src.ReadAt(rd.Buf, int64(rd.Offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return errnoResult(err)
	}
	return int32(n)
}

func (r *syncRing) WaitOne() (Completion, error) {
	if r.closed {
		return Completion{}, ErrClosed
	}
	if len(r.ready) == 0 {
		return Completion{}, ErrNothingInFlight
	}
	c := r.ready[0]
	r.ready = r.ready[1:]
	return c, nil
}

func (r *syncRing) Entries() uint32 {
	return r.entries
}

func (r *syncRing) Close() error {
	r.closed = true
	r.queued = nil
	r.ready = nil
	return nil
}
