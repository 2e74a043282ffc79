package sched

import (
	"errors"

	"github.com/ehrlich-b/go-multiread/internal/uring"
)

// fakeRing is a scripted in-memory ring. Reads are served from data when
// flushed; completions can be reordered and individual results overridden.
type fakeRing struct {
	data    []byte
	entries uint32

	queued []uring.Read
	ready  []uring.Completion

	// reads records every enqueued read in enqueue order
	reads []uring.Read

	// results overrides the completion result for a chunk index
	results map[uint64]int32

	// lifo pops the newest completion first
	lifo bool

	// acceptMax limits how many queued reads one Flush accepts (0 = all)
	acceptMax int

	flushErr error
	waitErr  error

	flushes     int
	maxQueued   int
	maxInFlight int
	closed      bool
}

func newFakeRing(data []byte, entries uint32) *fakeRing {
	return &fakeRing{data: data, entries: entries, results: map[uint64]int32{}}
}

func (r *fakeRing) Enqueue(rd uring.Read) error {
	if r.closed {
		return uring.ErrClosed
	}
	if uint32(len(r.queued)+len(r.ready)) >= r.entries {
		return uring.ErrQueueFull
	}
	r.queued = append(r.queued, rd)
	r.reads = append(r.reads, rd)
	if len(r.queued) > r.maxQueued {
		r.maxQueued = len(r.queued)
	}
	return nil
}

func (r *fakeRing) Flush() (int, error) {
	r.flushes++
	if r.flushErr != nil {
		return 0, r.flushErr
	}
	n := len(r.queued)
	if r.acceptMax > 0 && n > r.acceptMax {
		n = r.acceptMax
	}
	for _, rd := range r.queued[:n] {
		res, ok := r.results[rd.UserData]
		if !ok {
			res = int32(copy(rd.Buf, r.data[rd.Offset:]))
		} else if res > 0 {
			copy(rd.Buf[:min(int(res), len(rd.Buf))], r.data[rd.Offset:])
		}
		r.ready = append(r.ready, uring.Completion{UserData: rd.UserData, Res: res})
	}
	r.queued = append(r.queued[:0], r.queued[n:]...)
	if len(r.ready) > r.maxInFlight {
		r.maxInFlight = len(r.ready)
	}
	return n, nil
}

func (r *fakeRing) WaitOne() (uring.Completion, error) {
	if r.waitErr != nil {
		return uring.Completion{}, r.waitErr
	}
	if len(r.ready) == 0 {
		return uring.Completion{}, uring.ErrNothingInFlight
	}
	var c uring.Completion
	if r.lifo {
		c = r.ready[len(r.ready)-1]
		r.ready = r.ready[:len(r.ready)-1]
	} else {
		c = r.ready[0]
		r.ready = r.ready[1:]
	}
	return c, nil
}

func (r *fakeRing) Entries() uint32 { return r.entries }

func (r *fakeRing) Close() error {
	if r.closed {
		return errors.New("fake ring closed twice")
	}
	r.closed = true
	return nil
}

// opener returns a RingOpener that sizes the fake ring to the request and
// keeps a handle for assertions.
func (r *fakeRing) opener() RingOpener {
	return func(entries uint32) (uring.Ring, error) {
		r.entries = entries
		return r, nil
	}
}
