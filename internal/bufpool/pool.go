// Package bufpool owns the read buffers of a run.
//
// All buffers are carved from one anonymous mapping: the memory is
// zero-filled, page aligned (so O_DIRECT reads are legal) and lives outside
// the Go heap, so the kernel can write into it while a read is in flight
// without the garbage collector ever moving or reclaiming it.
//
// Every buffer has an owner at all times. A buffer starts Idle (owned by the
// scheduler), moves to InFlight when handed to the kernel, and to Done once
// its completion has been observed. Buffers are never recycled.
package bufpool

import (
	"errors"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// State is the ownership state of one buffer
type State uint8

const (
	StateIdle     State = iota // Scheduler owns; not yet submitted
	StateInFlight              // Kernel owns; completion not yet observed
	StateDone                  // Scheduler owns again; read-only
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInFlight:
		return "in-flight"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

var (
	// ErrInvalidSize is returned for a zero count or chunk size
	ErrInvalidSize = errors.New("bufpool: count and chunk size must be positive")

	// ErrBuffersInFlight is returned by Close while the kernel may still
	// write into the mapping
	ErrBuffersInFlight = errors.New("bufpool: buffers still in flight")
)

// TransitionError reports an ownership handoff that does not match the
// buffer's current state, e.g. a second completion for the same chunk.
type TransitionError struct {
	Index uint32
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("bufpool: buffer %d cannot move %s -> %s", e.Index, e.From, e.To)
}

// Pool holds one fixed-size buffer per chunk for the lifetime of a run
type Pool struct {
	region    mmap.MMap
	chunkSize int
	count     uint32
	states    []State
	inFlight  uint32
}

// New maps count buffers of chunkSize bytes each. Allocation failure is
// returned as-is; there is no fallback.
func New(count uint32, chunkSize int) (*Pool, error) {
	if count == 0 || chunkSize <= 0 {
		return nil, ErrInvalidSize
	}
	total := uint64(count) * uint64(chunkSize)
	if total > uint64(maxInt) {
		return nil, fmt.Errorf("bufpool: %d x %d bytes overflows the address space", count, chunkSize)
	}

	region, err := mmap.MapRegion(nil, int(total), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("bufpool: map %d bytes: %w", total, err)
	}

	return &Pool{
		region:    region,
		chunkSize: chunkSize,
		count:     count,
		states:    make([]State, count),
	}, nil
}

const maxInt = int(^uint(0) >> 1)

// Len returns the number of buffers
func (p *Pool) Len() uint32 {
	return p.count
}

// ChunkSize returns the size of every buffer
func (p *Pool) ChunkSize() int {
	return p.chunkSize
}

// InFlight returns how many buffers the kernel currently owns
func (p *Pool) InFlight() uint32 {
	return p.inFlight
}

// State returns the ownership state of buffer i
func (p *Pool) State(i uint32) State {
	return p.states[i]
}

func (p *Pool) slice(i uint32) []byte {
	start := int(i) * p.chunkSize
	return p.region[start : start+p.chunkSize : start+p.chunkSize]
}

func (p *Pool) move(i uint32, from, to State) error {
	if i >= p.count {
		return fmt.Errorf("bufpool: buffer %d out of range [0, %d)", i, p.count)
	}
	if p.states[i] != from {
		return &TransitionError{Index: i, From: p.states[i], To: to}
	}
	p.states[i] = to
	return nil
}

// Acquire hands buffer i to the kernel. The caller must not touch the
// returned slice until Complete(i) succeeds.
func (p *Pool) Acquire(i uint32) ([]byte, error) {
	if err := p.move(i, StateIdle, StateInFlight); err != nil {
		return nil, err
	}
	p.inFlight++
	return p.slice(i), nil
}

// Abort returns an acquired buffer that never reached the kernel
func (p *Pool) Abort(i uint32) error {
	if err := p.move(i, StateInFlight, StateIdle); err != nil {
		return err
	}
	p.inFlight--
	return nil
}

// Complete takes buffer i back from the kernel after its completion was
// observed and returns its contents for read-only inspection.
func (p *Pool) Complete(i uint32) ([]byte, error) {
	if err := p.move(i, StateInFlight, StateDone); err != nil {
		return nil, err
	}
	p.inFlight--
	return p.slice(i), nil
}

// Close unmaps the buffers. It refuses while any buffer is in flight; the
// mapping is then left for process exit to reclaim.
func (p *Pool) Close() error {
	if p.region == nil {
		return nil
	}
	if p.inFlight > 0 {
		return fmt.Errorf("%w: %d", ErrBuffersInFlight, p.inFlight)
	}
	err := p.region.Unmap()
	p.region = nil
	if err != nil {
		return fmt.Errorf("bufpool: unmap: %w", err)
	}
	return nil
}

// PageAligned reports whether every buffer starts on a page boundary
func (p *Pool) PageAligned() bool {
	return p.chunkSize%os.Getpagesize() == 0
}
