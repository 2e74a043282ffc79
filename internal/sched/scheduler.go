// Package sched drives a bulk sequential multi-read of one file through a
// uring.Ring.
//
// A run moves through Init -> Submitting -> Draining -> Done. Init validates
// the extent, maps one buffer per chunk and opens the ring. Submitting
// enqueues chunk reads in ascending offset order. Draining reaps completions
// in whatever order the kernel produces them and validates each one. The
// number of reaped completions always equals the number of reads the kernel
// accepted, including on failure paths: no buffer is released while the
// kernel may still write into it.
package sched

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ehrlich-b/go-multiread/internal/bufpool"
	"github.com/ehrlich-b/go-multiread/internal/logging"
	"github.com/ehrlich-b/go-multiread/internal/uring"
)

// Phase is the state of a run
type Phase int

const (
	PhaseInit Phase = iota
	PhaseSubmitting
	PhaseDraining
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseSubmitting:
		return "submit"
	case PhaseDraining:
		return "drain"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ShortReadPolicy decides how a non-negative result below the chunk size
// is treated
type ShortReadPolicy int

const (
	ShortReadError ShortReadPolicy = iota // Fail the run
	ShortReadWarn                         // Log, count and continue
)

// Observer receives per-read measurements
type Observer interface {
	// ObserveRead is called once per reaped completion
	ObserveRead(bytes uint64, latencyNs uint64, success bool)

	// ObserveInFlight is called after every flush with the number of
	// reads the kernel holds
	ObserveInFlight(n uint32)
}

type nopObserver struct{}

func (nopObserver) ObserveRead(uint64, uint64, bool) {}
func (nopObserver) ObserveInFlight(uint32)           {}

// RingOpener opens a ring with at least entries submission slots
type RingOpener func(entries uint32) (uring.Ring, error)

// Options configures a Scheduler
type Options struct {
	FD     int
	Extent Extent

	// Depth bounds the reads outstanding at once. Zero means one slot per
	// chunk, so every read is admitted before the first wait.
	Depth uint32

	// FlushBatch is the number of enqueues between flushes; zero means 1.
	FlushBatch uint32

	ShortReads ShortReadPolicy

	// Checksum folds an xxhash64 of every chunk, in offset order, into
	// Summary.Digest.
	Checksum bool

	OpenRing RingOpener
	Observer Observer
	Logger   *logging.Logger
}

// Summary describes a finished run
type Summary struct {
	Chunks      uint32
	Submitted   uint32 // Reads accepted by the kernel
	Reaped      uint32 // Completions observed
	Bytes       uint64
	ShortReads  uint32
	Failures    uint32
	MaxInFlight uint32
	Digest      uint64
	HasDigest   bool
	Elapsed     time.Duration
}

// Scheduler owns the ring and the buffers of one run
type Scheduler struct {
	opts   Options
	extent Extent
	chunks uint32
	depth  uint32
	batch  uint32

	ring uring.Ring
	pool *bufpool.Pool

	phase     Phase
	enqueued  uint32 // reads placed on the submission queue
	submitted uint32 // reads accepted by the kernel
	reaped    uint32
	pending   uint32 // enqueued, not yet flushed

	start   time.Time
	issued  []time.Duration // per chunk, since start
	digests []uint64

	summary Summary
	failure *CompletionError

	observer Observer
	logger   *logging.Logger // unstaged
	log      *logging.Logger // tagged with the current phase
}

// New performs Init: it validates the options, maps the buffers and opens
// the ring. The returned Scheduler must be closed.
func New(opts Options) (*Scheduler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	if _, err := NewExtent(opts.Extent.Size, opts.Extent.ChunkSize); err != nil {
		return nil, &StageError{Phase: PhaseInit, Op: "extent", Err: err}
	}
	if opts.OpenRing == nil {
		return nil, &StageError{Phase: PhaseInit, Op: "ring_open", Err: errors.New("no ring opener")}
	}

	chunks := opts.Extent.Chunks()
	depth := opts.Depth
	if depth == 0 || depth > chunks {
		depth = chunks
	}
	batch := opts.FlushBatch
	if batch == 0 {
		batch = 1
	}
	if batch > depth {
		batch = depth
	}

	pool, err := bufpool.New(chunks, int(opts.Extent.ChunkSize))
	if err != nil {
		return nil, &StageError{Phase: PhaseInit, Op: "alloc", Err: err}
	}

	ring, err := opts.OpenRing(depth)
	if err != nil {
		pool.Close()
		return nil, &StageError{Phase: PhaseInit, Op: "ring_open", Err: err}
	}

	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	s := &Scheduler{
		opts:     opts,
		extent:   opts.Extent,
		chunks:   chunks,
		depth:    depth,
		batch:    batch,
		ring:     ring,
		pool:     pool,
		issued:   make([]time.Duration, chunks),
		observer: observer,
		logger:   logger,
	}
	s.setPhase(PhaseInit)
	if opts.Checksum {
		s.digests = make([]uint64, chunks)
	}

	s.log.Info("initialized",
		"size", opts.Extent.Size,
		"chunk_size", opts.Extent.ChunkSize,
		"chunks", chunks,
		"depth", depth,
		"ring_entries", ring.Entries(),
		"flush_batch", batch)
	return s, nil
}

// Phase returns the current phase
func (s *Scheduler) Phase() Phase {
	return s.phase
}

// Depth returns the effective in-flight bound
func (s *Scheduler) Depth() uint32 {
	return s.depth
}

// Run performs Submitting and Draining. It returns the first failed
// completion as a *CompletionError, or a *StageError if the ring itself
// failed. ctx is checked once before the first submission; once reads are
// in flight the run always completes.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	if s.phase != PhaseInit {
		return s.summary, fmt.Errorf("sched: run already started (phase %s)", s.phase)
	}
	if err := ctx.Err(); err != nil {
		return s.summary, err
	}

	s.start = time.Now()
	s.summary.Chunks = s.chunks

	fatal := s.submitAll()
	if fatal == nil {
		fatal = s.drain()
	}

	s.setPhase(PhaseDone)
	s.summary.Submitted = s.submitted
	s.summary.Reaped = s.reaped
	s.summary.Elapsed = time.Since(s.start)

	if fatal != nil {
		s.log.Error("run aborted", "error", fatal, "submitted", s.submitted, "reaped", s.reaped)
		return s.summary, fatal
	}
	if s.failure != nil {
		s.failure.Others = s.summary.Failures - 1
		s.log.Error("run failed", "error", s.failure, "failures", s.summary.Failures)
		return s.summary, s.failure
	}

	if s.digests != nil {
		s.summary.Digest = foldDigests(s.digests)
		s.summary.HasDigest = true
	}
	s.log.Info("run complete",
		"reaped", s.reaped,
		"bytes", s.summary.Bytes,
		"short_reads", s.summary.ShortReads,
		"elapsed", s.summary.Elapsed)
	return s.summary, nil
}

// submitAll enqueues every chunk in ascending offset order. Once a read has
// failed no further chunks are issued.
func (s *Scheduler) submitAll() error {
	s.setPhase(PhaseSubmitting)
	s.log.Info("submitting", "chunks", s.chunks)

	for i := uint32(0); i < s.chunks && s.failure == nil; i++ {
		for s.enqueued-s.reaped >= s.depth {
			if err := s.flush(); err != nil {
				return err
			}
			if err := s.reapOne(); err != nil {
				return err
			}
		}
		if s.failure != nil {
			break
		}
		if err := s.enqueue(i); err != nil {
			return err
		}
		if s.pending >= s.batch {
			if err := s.flush(); err != nil {
				return err
			}
		}
	}
	return s.flush()
}

func (s *Scheduler) enqueue(i uint32) error {
	offset := s.extent.Offset(i)
	buf, err := s.pool.Acquire(i)
	if err != nil {
		return &StageError{Phase: s.phase, Op: "enqueue", Index: i, Offset: offset, Err: err}
	}

	err = s.ring.Enqueue(uring.Read{
		FD:       s.opts.FD,
		Buf:      buf,
		Offset:   offset,
		UserData: uint64(i),
	})
	if err != nil {
		s.pool.Abort(i)
		// The ring was sized for the window, so a full queue means the
		// accounting is wrong. Reap what the kernel holds before failing.
		if drainErr := s.drainAccepted(); drainErr != nil {
			s.log.WithError(drainErr).Error("drain after submit failure")
		}
		return &StageError{Phase: s.phase, Op: "enqueue", Index: i, Offset: offset, Err: err}
	}

	s.issued[i] = time.Since(s.start)
	s.enqueued++
	s.pending++
	s.log.Debug("enqueued", "chunk", i, "offset", offset)
	return nil
}

// flush hands every pending read to the kernel
func (s *Scheduler) flush() error {
	for s.pending > 0 {
		n, err := s.ring.Flush()
		if err == nil && n <= 0 {
			err = errors.New("kernel accepted no entries")
		}
		if err != nil {
			// Pending buffers stay marked in flight: the kernel may or may not
			// have taken them, so the pool will refuse to unmap them.
			if drainErr := s.drainAccepted(); drainErr != nil {
				s.log.WithError(drainErr).Error("drain after flush failure")
			}
			return &StageError{Phase: s.phase, Op: "flush", Err: err}
		}
		if uint32(n) > s.pending {
			n = int(s.pending)
		}
		s.pending -= uint32(n)
		s.submitted += uint32(n)

		inFlight := s.submitted - s.reaped
		if inFlight > s.summary.MaxInFlight {
			s.summary.MaxInFlight = inFlight
		}
		s.observer.ObserveInFlight(inFlight)
	}
	return nil
}

// drain reaps every outstanding completion
func (s *Scheduler) drain() error {
	s.setPhase(PhaseDraining)
	s.log.Info("draining", "in_flight", s.submitted-s.reaped)
	return s.drainAccepted()
}

func (s *Scheduler) drainAccepted() error {
	for s.reaped < s.submitted {
		if err := s.reapOne(); err != nil {
			return err
		}
	}
	return nil
}

// reapOne waits for one completion and validates it. Read failures are
// recorded, not returned; only ring-level failures are returned.
func (s *Scheduler) reapOne() error {
	c, err := s.ring.WaitOne()
	if err != nil {
		return &StageError{Phase: s.phase, Op: "wait", Err: err}
	}
	if c.UserData >= uint64(s.chunks) {
		return &StageError{Phase: s.phase, Op: "completion", Index: uint32(c.UserData),
			Err: fmt.Errorf("unknown request id %d", c.UserData)}
	}

	idx := uint32(c.UserData)
	offset := s.extent.Offset(idx)
	buf, err := s.pool.Complete(idx)
	if err != nil {
		return &StageError{Phase: s.phase, Op: "completion", Index: idx, Offset: offset, Err: err}
	}
	s.reaped++
	latency := uint64(time.Since(s.start) - s.issued[idx])

	want := uint32(s.extent.ChunkSize)
	switch {
	case c.Res < 0:
		s.fail(idx, offset, c.Res, want)
		s.observer.ObserveRead(0, latency, false)
		return nil
	case uint32(c.Res) > want:
		// More bytes than the buffer holds: the ring misreported the read.
		s.fail(idx, offset, c.Res, want)
		s.observer.ObserveRead(0, latency, false)
		return nil
	case uint32(c.Res) < want:
		s.summary.ShortReads++
		if s.opts.ShortReads == ShortReadError {
			s.fail(idx, offset, c.Res, want)
			s.observer.ObserveRead(uint64(c.Res), latency, false)
			return nil
		}
		s.log.WithChunk(idx, offset).Warn("short read", "got", c.Res, "want", want)
	}

	s.summary.Bytes += uint64(c.Res)
	if s.digests != nil {
		s.digests[idx] = xxhash.Sum64(buf[:c.Res])
	}
	s.observer.ObserveRead(uint64(c.Res), latency, true)
	return nil
}

func (s *Scheduler) fail(idx uint32, offset uint64, res int32, want uint32) {
	s.summary.Failures++
	err := &CompletionError{Index: idx, Offset: offset, Res: res, Want: want}
	s.log.WithChunk(idx, offset).Error("read failed", "res", res, "error", err)
	if s.failure == nil {
		s.failure = err
	}
}

func (s *Scheduler) setPhase(p Phase) {
	s.phase = p
	s.log = s.logger.WithStage(p.String())
}

// Close releases the ring and then the buffers
func (s *Scheduler) Close() error {
	var errs []error
	if s.ring != nil {
		if err := s.ring.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ring: %w", err))
		}
		s.ring = nil
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			errs = append(errs, err)
		}
		s.pool = nil
	}
	return errors.Join(errs...)
}

func foldDigests(digests []uint64) uint64 {
	d := xxhash.New()
	var b [8]byte
	for _, v := range digests {
		binary.LittleEndian.PutUint64(b[:], v)
		d.Write(b[:])
	}
	return d.Sum64()
}
