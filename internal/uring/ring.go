// Package uring provides the paired submission/completion queue used to
// drive reads: place reads with Enqueue, hand them to the kernel with
// Flush, and reap their outcomes one at a time with WaitOne.
//
// A Ring is not safe for concurrent use. Every engine is driven by a single
// goroutine; callers that parallelise submission must serialise Enqueue and
// Flush themselves.
package uring

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-multiread/internal/logging"
)

var (
	// ErrQueueFull is returned by Enqueue when the submission queue has no
	// free slot
	ErrQueueFull = errors.New("uring: submission queue full")

	// ErrNothingInFlight is returned by WaitOne when no flushed operation
	// is outstanding, so waiting would block forever
	ErrNothingInFlight = errors.New("uring: no operations in flight")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("uring: ring closed")
)

// Read describes one read operation for the submission queue
type Read struct {
	FD       int    // Target file descriptor
	Buf      []byte // Destination; len(Buf) bytes are requested
	Offset   uint64 // File offset
	UserData uint64 // Opaque request identifier echoed in the Completion
}

// Completion is the kernel's report for one submitted Read
type Completion struct {
	UserData uint64
	Res      int32 // Bytes read, or a negated errno
}

// Err returns the errno carried by a negative result, or nil
func (c Completion) Err() error {
	if c.Res >= 0 {
		return nil
	}
	return syscall.Errno(-c.Res)
}

// Ring is the submission/completion queue pair
type Ring interface {
	// Enqueue places one read on the submission queue without starting it.
	// It returns ErrQueueFull when no slot is free.
	Enqueue(r Read) error

	// Flush starts every read enqueued since the last flush and returns how
	// many the kernel accepted.
	Flush() (int, error)

	// WaitOne blocks until a completion is available and returns it.
	WaitOne() (Completion, error)

	// Entries returns the submission queue size actually granted.
	Entries() uint32

	// Close releases the ring. Outstanding reads must be reaped first.
	Close() error
}

// Engine selects a Ring implementation
type Engine string

const (
	EngineGiouring Engine = "giouring" // io_uring through github.com/pawelgaczynski/giouring
	EngineRaw      Engine = "raw"      // io_uring through hand-mapped rings
	EnginePread    Engine = "pread"    // synchronous pread at flush time
)

// ParseEngine validates an engine name
func ParseEngine(s string) (Engine, error) {
	switch e := Engine(strings.ToLower(strings.TrimSpace(s))); e {
	case "":
		return EngineGiouring, nil
	case EngineGiouring, EngineRaw, EnginePread:
		return e, nil
	default:
		return "", fmt.Errorf("uring: unknown engine %q (want giouring, raw or pread)", s)
	}
}

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32 // Requested submission queue size
	Engine  Engine
	Source  io.ReaderAt // Data source for EnginePread
}

// NewRing creates a ring for the configured engine
func NewRing(config Config) (Ring, error) {
	logger := logging.Default()
	if config.Entries == 0 {
		return nil, fmt.Errorf("uring: ring needs at least one entry")
	}

	var (
		ring Ring
		err  error
	)
	switch config.Engine {
	case EngineGiouring, "":
		ring, err = newGiouringRing(config.Entries)
	case EngineRaw:
		ring, err = newRawRing(config.Entries)
	case EnginePread:
		if config.Source == nil {
			return nil, fmt.Errorf("uring: pread engine needs a source")
		}
		ring = NewSyncRing(config.Entries, config.Source)
	default:
		return nil, fmt.Errorf("uring: unknown engine %q", config.Engine)
	}
	if err != nil {
		logger.Error("failed to create ring", "engine", config.Engine, "entries", config.Entries, "error", err)
		return nil, err
	}

	logger.Debug("created ring", "engine", config.Engine, "requested", config.Entries, "granted", ring.Entries())
	return ring, nil
}

// errnoResult converts a read error into a negated errno
func errnoResult(err error) int32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	return -int32(syscall.EIO)
}
