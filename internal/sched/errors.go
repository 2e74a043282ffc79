package sched

import (
	"fmt"
	"syscall"
)

// CompletionError reports a read whose completion was negative (an I/O
// error), shorter than the chunk, or larger than the buffer.
type CompletionError struct {
	Index  uint32
	Offset uint64
	Res    int32  // Raw completion result
	Want   uint32 // Requested length
	Others uint32 // Further failed completions observed while draining
}

// Short reports whether the read returned fewer bytes without an error
func (e *CompletionError) Short() bool {
	return e.Res >= 0 && uint32(e.Res) < e.Want
}

// Overrun reports whether the ring claimed more bytes than were requested
func (e *CompletionError) Overrun() bool {
	return e.Res >= 0 && uint32(e.Res) > e.Want
}

func (e *CompletionError) Error() string {
	var msg string
	switch {
	case e.Overrun():
		msg = fmt.Sprintf("read of chunk %d at offset %d overran its buffer: got %d of %d bytes", e.Index, e.Offset, e.Res, e.Want)
	case e.Res >= 0:
		msg = fmt.Sprintf("short read of chunk %d at offset %d: got %d of %d bytes", e.Index, e.Offset, e.Res, e.Want)
	default:
		msg = fmt.Sprintf("read of chunk %d at offset %d failed: %v (res=%d)", e.Index, e.Offset, syscall.Errno(-e.Res), e.Res)
	}
	if e.Others > 0 {
		msg += fmt.Sprintf(" (+%d more failed reads)", e.Others)
	}
	return msg
}

// Unwrap exposes the errno of a failed read
func (e *CompletionError) Unwrap() error {
	if e.Res < 0 {
		return syscall.Errno(-e.Res)
	}
	return nil
}

// StageError wraps a failure of the scheduler machinery itself (ring setup,
// submission, waiting) with the phase and operation that hit it.
type StageError struct {
	Phase  Phase
	Op     string
	Index  uint32 // Chunk involved, if any
	Offset uint64
	Err    error
}

func (e *StageError) Error() string {
	if e.Op == "enqueue" || e.Op == "completion" {
		return fmt.Sprintf("%s %s chunk %d (offset %d): %v", e.Phase, e.Op, e.Index, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Phase, e.Op, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
