// Package multiread benchmarks bulk sequential reads of one large file
// through io_uring.
//
// A run splits the file into equal chunks, maps one buffer per chunk,
// enqueues every read in ascending offset order and then reaps every
// completion, validating that each read returned exactly one chunk.
package multiread

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-multiread/internal/cachectl"
	"github.com/ehrlich-b/go-multiread/internal/logging"
	"github.com/ehrlich-b/go-multiread/internal/sched"
	"github.com/ehrlich-b/go-multiread/internal/uring"
)

// Ring is the submission/completion queue pair driven by a run
type Ring = uring.Ring

// Read is one submission queue entry
type Read = uring.Read

// Completion is the outcome of one Read
type Completion = uring.Completion

// Engine selects the Ring implementation
type Engine = uring.Engine

const (
	EngineGiouring = uring.EngineGiouring
	EngineRaw      = uring.EngineRaw
	EnginePread    = uring.EnginePread
)

// CacheMode selects how caches are dropped before the run
type CacheMode = cachectl.Mode

const (
	CacheDrop    = cachectl.ModeDrop
	CacheFadvise = cachectl.ModeFadvise
	CacheNone    = cachectl.ModeNone
)

// ShortReadPolicy decides whether a short completion fails the run
type ShortReadPolicy = sched.ShortReadPolicy

const (
	ShortReadError = sched.ShortReadError
	ShortReadWarn  = sched.ShortReadWarn
)

// ParseShortReadPolicy accepts "error" or "warn"
func ParseShortReadPolicy(s string) (ShortReadPolicy, error) {
	switch s {
	case "", "error":
		return ShortReadError, nil
	case "warn":
		return ShortReadWarn, nil
	default:
		return ShortReadError, fmt.Errorf("unknown short read policy %q (want error or warn)", s)
	}
}

// RingOpener opens a ring with at least entries slots reading from src.
// src is the target file; kernel engines read through the descriptor
// carried in each Read instead.
type RingOpener func(entries uint32, src io.ReaderAt) (Ring, error)

// Params contains parameters for one run
type Params struct {
	// Target file
	Path string
	Size uint64 // Expected size; 0 means use the size reported by fstat

	// Request shape
	ChunkSize  uint64 // Bytes per read
	Depth      uint32 // Max reads in flight (0 = chunk count)
	FlushBatch uint32 // Enqueues per flush (0 = 1)

	Engine    Engine
	CacheMode CacheMode
	Direct    bool // Open with O_DIRECT; ChunkSize must be 4KiB aligned

	ShortReads ShortReadPolicy
	Checksum   bool // Compute an xxhash64 digest of the file contents

	// DropCachesPath overrides /proc/sys/vm/drop_caches
	DropCachesPath string

	// OpenRing overrides Engine (if nil, the engine's ring is used)
	OpenRing RingOpener

	// Observer receives per-read measurements in addition to Result.Metrics
	Observer Observer

	// Logger for run progress (if nil, the default logger)
	Logger *logging.Logger
}

// DefaultParams returns the parameters of the reference benchmark
func DefaultParams() Params {
	return Params{
		Path:       DefaultPath,
		Size:       DefaultFileSize,
		ChunkSize:  DefaultChunkSize,
		FlushBatch: DefaultFlushBatch,
		Engine:     EngineGiouring,
		CacheMode:  CacheDrop,
		ShortReads: ShortReadError,
	}
}

// Result describes a run. It is returned with the error of a failed run
// whenever reads were issued.
type Result struct {
	Path      string
	Engine    Engine
	Size      uint64
	ChunkSize uint64
	Chunks    uint32
	Depth     uint32

	Submitted   uint32
	Reaped      uint32
	Bytes       uint64
	ShortReads  uint32
	Failures    uint32
	MaxInFlight uint32

	Digest    uint64
	HasDigest bool

	Elapsed time.Duration
	Metrics MetricsSnapshot
}

// Throughput returns bytes read per second
func (r *Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

// OK reports whether every chunk was read in full
func (r *Result) OK() bool {
	return r.Chunks > 0 && r.Reaped == r.Chunks && r.Failures == 0 && r.Bytes == r.Size
}

func (p *Params) validate() error {
	if p.Path == "" {
		return NewError(StageInit, ErrCodePrecondition, "no target path")
	}
	if p.ChunkSize == 0 {
		return NewError(StageInit, ErrCodeInvalidExtent, "chunk size must be positive")
	}
	if p.Direct && p.ChunkSize%DirectIOAlignment != 0 {
		return NewError(StageInit, ErrCodePrecondition,
			fmt.Sprintf("O_DIRECT needs a chunk size multiple of %d, got %d", DirectIOAlignment, p.ChunkSize))
	}
	if _, err := uring.ParseEngine(string(p.Engine)); err != nil {
		return &Error{Stage: StageInit, Index: -1, Offset: -1, Code: ErrCodePrecondition, Msg: err.Error(), Inner: err}
	}
	if _, err := cachectl.ParseMode(string(p.CacheMode)); err != nil {
		return &Error{Stage: StageInit, Index: -1, Offset: -1, Code: ErrCodePrecondition, Msg: err.Error(), Inner: err}
	}
	return nil
}

// Run performs one benchmark run: open and size-check the target, drop
// caches, then read every chunk through the ring. The returned error is
// always an *Error naming the failing stage.
//
// Example:
//
//	params := multiread.DefaultParams()
//	params.CacheMode = multiread.CacheFadvise
//	res, err := multiread.Run(context.Background(), params)
func Run(ctx context.Context, params Params) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := params.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithFile(params.Path)

	if params.Engine == "" {
		params.Engine = EngineGiouring
	}
	if params.CacheMode == "" {
		params.CacheMode = CacheDrop
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, WrapError(StageInit, err)
	}

	f, size, err := openTarget(params)
	if err != nil {
		logger.ErrorContext(ctx, "failed to open target", "error", err)
		return nil, err
	}
	defer f.Close()
	logger.DebugContext(ctx, "opened target", "size", size, "direct", params.Direct)

	extent, err := sched.NewExtent(size, params.ChunkSize)
	if err != nil {
		return nil, WrapError(StageInit, err)
	}

	depth := params.Depth
	if depth == 0 || depth > extent.Chunks() {
		depth = extent.Chunks()
	}
	if params.OpenRing == nil && params.Engine != EnginePread && depth > MaxRingEntries {
		return nil, NewError(StageInit, ErrCodePrecondition,
			fmt.Sprintf("%d chunks exceed the %d-entry ring limit; set a smaller depth", depth, MaxRingEntries))
	}

	cc := cachectl.New(params.CacheMode)
	if params.DropCachesPath != "" {
		cc.DropCachesPath = params.DropCachesPath
	}
	cc.Logger = logger.WithStage(string(StageDropCaches))
	if err := cc.DropCaches(f); err != nil {
		e := WrapError(StageDropCaches, err)
		if e.Code != ErrCodePermissionDenied {
			e.Code = ErrCodeCacheDrop
		}
		logger.ErrorContext(ctx, "cache drop failed", "error", err)
		return nil, e
	}
	logger.InfoContext(ctx, "target ready",
		"chunks", extent.Chunks(),
		"depth", depth,
		"engine", params.Engine,
		"cache_mode", params.CacheMode)

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if params.Observer != nil {
		observer = multiObserver{observer, params.Observer}
	}

	s, err := sched.New(sched.Options{
		FD:         int(f.Fd()),
		Extent:     extent,
		Depth:      depth,
		FlushBatch: params.FlushBatch,
		ShortReads: params.ShortReads,
		Checksum:   params.Checksum,
		OpenRing:   ringOpener(params, f),
		Observer:   observer,
		Logger:     logger,
	})
	if err != nil {
		return nil, WrapError(StageInit, err)
	}

	metrics.Start()
	sum, runErr := s.Run(ctx)
	metrics.Stop()

	if err := s.Close(); err != nil {
		logger.WarnContext(ctx, "release failed", "error", err)
	}

	res := &Result{
		Path:        params.Path,
		Engine:      params.Engine,
		Size:        extent.Size,
		ChunkSize:   extent.ChunkSize,
		Chunks:      sum.Chunks,
		Depth:       depth,
		Submitted:   sum.Submitted,
		Reaped:      sum.Reaped,
		Bytes:       sum.Bytes,
		ShortReads:  sum.ShortReads,
		Failures:    sum.Failures,
		MaxInFlight: sum.MaxInFlight,
		Digest:      sum.Digest,
		HasDigest:   sum.HasDigest,
		Elapsed:     sum.Elapsed,
		Metrics:     metrics.Snapshot(),
	}
	if runErr != nil {
		return res, WrapError(StageDrain, runErr)
	}
	if res.ShortReads > 0 {
		// Accepted while draining, but the file was not read in full.
		logger.WarnContext(ctx, "run finished with short reads", "short_reads", res.ShortReads)
		return res, NewError(StageDrain, ErrCodeShortRead,
			fmt.Sprintf("%d of %d chunks returned short reads", res.ShortReads, res.Chunks))
	}
	return res, nil
}

// openTarget opens the file read-only and checks its size against the
// expected size.
func openTarget(params Params) (*os.File, uint64, error) {
	flags := os.O_RDONLY
	if params.Direct {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(params.Path, flags, 0)
	if err != nil {
		e := WrapError(StageOpen, err)
		if e.Code == ErrCodeIOError {
			e.Code = ErrCodePrecondition
		}
		return nil, 0, e
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, WrapError(StageOpen, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, NewError(StageOpen, ErrCodePrecondition, fmt.Sprintf("%s is not a regular file", params.Path))
	}

	size := uint64(info.Size())
	if params.Size != 0 && params.Size != size {
		f.Close()
		return nil, 0, NewError(StageOpen, ErrCodePrecondition,
			fmt.Sprintf("%s is %d bytes, expected %d", params.Path, size, params.Size))
	}
	return f, size, nil
}

func ringOpener(params Params, f *os.File) sched.RingOpener {
	if params.OpenRing != nil {
		return func(entries uint32) (uring.Ring, error) {
			return params.OpenRing(entries, f)
		}
	}
	return func(entries uint32) (uring.Ring, error) {
		return uring.NewRing(uring.Config{
			Entries: entries,
			Engine:  params.Engine,
			Source:  f,
		})
	}
}
