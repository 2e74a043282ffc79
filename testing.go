package multiread

import (
	"io"
	"sync"

	"github.com/ehrlich-b/go-multiread/internal/uring"
)

// MockRing provides an in-memory Ring for testing code built on Run.
// Reads are served from the supplied data when flushed. Results can be
// overridden per request and completions delivered newest-first to mimic
// out-of-order kernels. It tracks calls for verification.
type MockRing struct {
	mu sync.Mutex

	data    []byte
	entries uint32
	queued  []Read
	ready   []Completion
	closed  bool

	results map[uint64]int32
	reverse bool

	reads      []Read
	flushCalls int
	waitCalls  int
}

// NewMockRing creates a ring with entries slots that reads from data
func NewMockRing(data []byte, entries uint32) *MockRing {
	return &MockRing{
		data:    data,
		entries: entries,
		results: make(map[uint64]int32),
	}
}

// MockRingOpener returns a RingOpener that serves data through a new
// MockRing and stores it in *out.
func MockRingOpener(data []byte, out **MockRing) RingOpener {
	return func(entries uint32, _ io.ReaderAt) (Ring, error) {
		r := NewMockRing(data, entries)
		if out != nil {
			*out = r
		}
		return r, nil
	}
}

// SetResult forces the completion result of request id
func (m *MockRing) SetResult(id uint64, res int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[id] = res
}

// SetReverse delivers completions newest-first
func (m *MockRing) SetReverse(reverse bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reverse = reverse
}

// Enqueue implements Ring
func (m *MockRing) Enqueue(r Read) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return uring.ErrClosed
	}
	if uint32(len(m.queued)+len(m.ready)) >= m.entries {
		return uring.ErrQueueFull
	}
	m.queued = append(m.queued, r)
	m.reads = append(m.reads, r)
	return nil
}

// Flush implements Ring
func (m *MockRing) Flush() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	if m.closed {
		return 0, uring.ErrClosed
	}

	n := len(m.queued)
	for _, r := range m.queued {
		m.ready = append(m.ready, Completion{UserData: r.UserData, Res: m.serve(r)})
	}
	m.queued = m.queued[:0]
	return n, nil
}

func (m *MockRing) serve(r Read) int32 {
	res, forced := m.results[r.UserData]
	if r.Offset >= uint64(len(m.data)) {
		if forced {
			return res
		}
		return 0
	}
	n := copy(r.Buf, m.data[r.Offset:])
	if forced {
		return res
	}
	return int32(n)
}

// WaitOne implements Ring
func (m *MockRing) WaitOne() (Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.waitCalls++
	if m.closed {
		return Completion{}, uring.ErrClosed
	}
	if len(m.ready) == 0 {
		return Completion{}, uring.ErrNothingInFlight
	}

	var c Completion
	if m.reverse {
		c = m.ready[len(m.ready)-1]
		m.ready = m.ready[:len(m.ready)-1]
	} else {
		c = m.ready[0]
		m.ready = m.ready[1:]
	}
	return c, nil
}

// Entries implements Ring
func (m *MockRing) Entries() uint32 {
	return m.entries
}

// Close implements Ring
func (m *MockRing) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reads returns every read enqueued so far, in enqueue order
func (m *MockRing) Reads() []Read {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Read, len(m.reads))
	copy(out, m.reads)
	return out
}

// CallCounts returns flush and wait call counts
func (m *MockRing) CallCounts() (flushes, waits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushCalls, m.waitCalls
}

// IsClosed returns whether Close was called
func (m *MockRing) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Compile-time interface check
var _ Ring = (*MockRing)(nil)
