package multiread

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-multiread/internal/bufpool"
	"github.com/ehrlich-b/go-multiread/internal/sched"
	"github.com/ehrlich-b/go-multiread/internal/uring"
)

// Stage names the part of a run that failed
type Stage string

const (
	StageInit       Stage = "init"
	StageDropCaches Stage = "drop_caches"
	StageOpen       Stage = "open"
	StageRingOpen   Stage = "ring_open"
	StageSubmit     Stage = "submit"
	StageDrain      Stage = "drain"
)

// Error represents a structured run error with context and errno mapping
type Error struct {
	Stage  Stage         // Stage that failed
	Index  int64         // Chunk index (-1 if not applicable)
	Offset int64         // File offset of the chunk (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Kernel errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	var parts []string
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	if e.Offset >= 0 {
		parts = append(parts, fmt.Sprintf("chunk=%d", e.Index), fmt.Sprintf("offset=%d", e.Offset))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	if len(parts) > 0 {
		return fmt.Sprintf("multiread: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("multiread: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel errors and other *Error values by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if se, ok := target.(SentinelError); ok {
		return e.Code == ErrorCode(se)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodePrecondition     ErrorCode = "precondition failed"
	ErrCodeInvalidExtent    ErrorCode = "invalid extent"
	ErrCodeCacheDrop        ErrorCode = "cache drop failed"
	ErrCodeRingSetup        ErrorCode = "ring setup failed"
	ErrCodeQueueFull        ErrorCode = "submission queue full"
	ErrCodeSubmit           ErrorCode = "submit failed"
	ErrCodeWait             ErrorCode = "wait failed"
	ErrCodeIOError          ErrorCode = "I/O error"
	ErrCodeShortRead        ErrorCode = "short read"
	ErrCodePermissionDenied ErrorCode = "permission denied"
	ErrCodeNotSupported     ErrorCode = "kernel does not support io_uring"
	ErrCodeNoMemory         ErrorCode = "insufficient memory"
)

// SentinelError lets callers match a code with errors.Is
type SentinelError string

func (e SentinelError) Error() string {
	return string(e)
}

const (
	ErrPrecondition     SentinelError = SentinelError(ErrCodePrecondition)
	ErrInvalidExtent    SentinelError = SentinelError(ErrCodeInvalidExtent)
	ErrCacheDrop        SentinelError = SentinelError(ErrCodeCacheDrop)
	ErrRingSetup        SentinelError = SentinelError(ErrCodeRingSetup)
	ErrQueueFull        SentinelError = SentinelError(ErrCodeQueueFull)
	ErrIO               SentinelError = SentinelError(ErrCodeIOError)
	ErrShortRead        SentinelError = SentinelError(ErrCodeShortRead)
	ErrPermissionDenied SentinelError = SentinelError(ErrCodePermissionDenied)
	ErrNotSupported     SentinelError = SentinelError(ErrCodeNotSupported)
)

// NewError creates a new structured error
func NewError(stage Stage, code ErrorCode, msg string) *Error {
	return &Error{
		Stage:  stage,
		Index:  -1,
		Offset: -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewChunkError creates an error tied to one chunk
func NewChunkError(stage Stage, index uint32, offset uint64, code ErrorCode, msg string) *Error {
	return &Error{
		Stage:  stage,
		Index:  int64(index),
		Offset: int64(offset),
		Code:   code,
		Msg:    msg,
	}
}

// WrapError wraps an existing error with stage context. Errors from the
// scheduler keep their chunk, offset and raw result.
func WrapError(stage Stage, inner error) *Error {
	if inner == nil {
		return nil
	}

	var me *Error
	if errors.As(inner, &me) {
		out := *me
		out.Stage = stage
		return &out
	}

	e := &Error{Stage: stage, Index: -1, Offset: -1, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}

	var cerr *sched.CompletionError
	var serr *sched.StageError
	switch {
	case errors.As(inner, &cerr):
		e.Stage = StageDrain
		e.Index = int64(cerr.Index)
		e.Offset = int64(cerr.Offset)
		switch {
		case cerr.Short():
			e.Code = ErrCodeShortRead
		case cerr.Res < 0:
			e.Errno = syscall.Errno(-cerr.Res)
		}
		return e
	case errors.As(inner, &serr):
		e.Stage = stageOf(serr)
		if serr.Op == "enqueue" || serr.Op == "completion" {
			e.Index = int64(serr.Index)
			e.Offset = int64(serr.Offset)
		}
		e.Code = codeOf(serr)
	case errors.Is(inner, bufpool.ErrInvalidSize), errors.Is(inner, sched.ErrEmptyExtent),
		errors.Is(inner, sched.ErrZeroChunk), errors.Is(inner, sched.ErrUnevenExtent),
		errors.Is(inner, sched.ErrTooManyChunks), errors.Is(inner, sched.ErrChunkTooLarge):
		e.Code = ErrCodeInvalidExtent
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
		if e.Code == ErrCodeIOError {
			e.Code = mapErrnoToCode(errno)
		}
	} else if errors.Is(inner, os.ErrPermission) {
		e.Code = ErrCodePermissionDenied
	}
	return e
}

func stageOf(serr *sched.StageError) Stage {
	switch serr.Op {
	case "ring_open":
		return StageRingOpen
	case "alloc", "extent":
		return StageInit
	}
	switch serr.Phase {
	case sched.PhaseInit:
		return StageInit
	case sched.PhaseSubmitting:
		return StageSubmit
	default:
		return StageDrain
	}
}

func codeOf(serr *sched.StageError) ErrorCode {
	switch {
	case errors.Is(serr.Err, uring.ErrQueueFull):
		return ErrCodeQueueFull
	case serr.Op == "extent":
		return ErrCodeInvalidExtent
	case serr.Op == "ring_open":
		return ErrCodeRingSetup
	case serr.Op == "alloc":
		return ErrCodeNoMemory
	case serr.Op == "wait":
		return ErrCodeWait
	case serr.Op == "enqueue", serr.Op == "flush":
		return ErrCodeSubmit
	default:
		return ErrCodeIOError
	}
}

// mapErrnoToCode maps syscall errno to error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.ENOMEM:
		return ErrCodeNoMemory
	case syscall.EINVAL:
		return ErrCodePrecondition
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Errno == errno
	}
	return false
}
