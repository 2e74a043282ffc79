package sched

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"syscall"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-multiread/internal/bufpool"
	"github.com/ehrlich-b/go-multiread/internal/logging"
	"github.com/ehrlich-b/go-multiread/internal/uring"
)

const testChunk = 4096

func patterned(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/testChunk)
	}
	return data
}

func newScheduler(t *testing.T, ring *fakeRing, opts Options) *Scheduler {
	t.Helper()
	if opts.Extent.ChunkSize == 0 {
		opts.Extent = Extent{Size: uint64(len(ring.data)), ChunkSize: testChunk}
	}
	opts.OpenRing = ring.opener()
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func assertAscending(t *testing.T, reads []uring.Read, chunk uint64) {
	t.Helper()
	for i, rd := range reads {
		assert.Equal(t, uint64(i)*chunk, rd.Offset, "read %d", i)
		assert.Equal(t, uint64(i), rd.UserData, "read %d", i)
		assert.Len(t, rd.Buf, int(chunk), "read %d", i)
	}
}

func TestRunReadsEveryChunkOnce(t *testing.T) {
	ring := newFakeRing(patterned(64*testChunk), 0)
	s := newScheduler(t, ring, Options{FD: 7})
	assert.Equal(t, PhaseInit, s.Phase())

	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseDone, s.Phase())
	assert.Equal(t, uint32(64), sum.Chunks)
	assert.Equal(t, uint32(64), sum.Submitted)
	assert.Equal(t, uint32(64), sum.Reaped)
	assert.Equal(t, uint64(64*testChunk), sum.Bytes)
	assert.Zero(t, sum.ShortReads)
	assert.Zero(t, sum.Failures)
	assert.Equal(t, uint32(64), sum.MaxInFlight)
	assert.False(t, sum.HasDigest)

	require.Len(t, ring.reads, 64)
	assertAscending(t, ring.reads, testChunk)
	for _, rd := range ring.reads {
		assert.Equal(t, 7, rd.FD)
	}
	assert.Equal(t, uint32(64), ring.Entries(), "ring sized to the chunk count")
	assert.Equal(t, 64, ring.flushes, "flush after every enqueue by default")
	assert.Zero(t, s.pool.InFlight())
}

func TestRunOutOfOrderCompletions(t *testing.T) {
	data := patterned(32 * testChunk)
	ring := newFakeRing(data, 0)
	ring.lifo = true
	s := newScheduler(t, ring, Options{Checksum: true})

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(32), sum.Reaped)
	assert.Equal(t, expectedDigest(data, testChunk), sum.Digest)

	for i := uint32(0); i < 32; i++ {
		assert.Equal(t, bufpool.StateDone, s.pool.State(i))
	}
}

func TestRunReferenceChunkCount(t *testing.T) {
	// Same request count as 10 GiB in 512 KiB chunks, with small buffers.
	const chunks = 20480
	const chunk = 512
	ring := newFakeRing(make([]byte, chunks*chunk), 0)
	s := newScheduler(t, ring, Options{Extent: Extent{Size: chunks * chunk, ChunkSize: chunk}})

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(chunks), sum.Submitted)
	assert.Equal(t, uint32(chunks), sum.Reaped)
	assert.Equal(t, uint64(chunks*chunk), sum.Bytes)
	assertAscending(t, ring.reads, chunk)
}

func TestRunOverSyncRing(t *testing.T) {
	data := patterned(16 * testChunk)
	s, err := New(Options{
		Extent:   Extent{Size: uint64(len(data)), ChunkSize: testChunk},
		Checksum: true,
		OpenRing: func(entries uint32) (uring.Ring, error) {
			return uring.NewSyncRing(entries, bytes.NewReader(data)), nil
		},
		Logger: logging.Nop(),
	})
	require.NoError(t, err)
	defer s.Close()

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(16), sum.Reaped)
	assert.Equal(t, expectedDigest(data, testChunk), sum.Digest)
}

func TestRunIOErrorReportsOffset(t *testing.T) {
	ring := newFakeRing(patterned(64*testChunk), 0)
	ring.results[5] = -int32(syscall.EIO)
	s := newScheduler(t, ring, Options{})

	sum, err := s.Run(context.Background())
	require.Error(t, err)

	var cerr *CompletionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uint32(5), cerr.Index)
	assert.Equal(t, uint64(5*testChunk), cerr.Offset)
	assert.False(t, cerr.Short())
	assert.Zero(t, cerr.Others)
	assert.ErrorIs(t, err, syscall.EIO)
	assert.Contains(t, err.Error(), "offset 20480")

	assert.Equal(t, sum.Submitted, sum.Reaped, "every accepted read is reaped")
	assert.Equal(t, uint32(1), sum.Failures)
	assert.Zero(t, s.pool.InFlight())
	assert.Equal(t, PhaseDone, s.Phase())
}

func TestRunDrainsAfterMultipleFailures(t *testing.T) {
	ring := newFakeRing(patterned(16*testChunk), 0)
	ring.results[3] = -int32(syscall.EIO)
	ring.results[9] = -int32(syscall.EBADF)
	ring.results[12] = -int32(syscall.EIO)
	s := newScheduler(t, ring, Options{})

	sum, err := s.Run(context.Background())
	var cerr *CompletionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uint32(3), cerr.Index, "first failure observed is reported")
	assert.Equal(t, uint32(2), cerr.Others)
	assert.Contains(t, err.Error(), "+2 more failed reads")
	assert.Equal(t, uint32(16), sum.Reaped)
	assert.Equal(t, uint32(3), sum.Failures)
}

func TestRunStopsSubmittingAfterFailure(t *testing.T) {
	ring := newFakeRing(patterned(64*testChunk), 0)
	ring.results[2] = -int32(syscall.EIO)
	s := newScheduler(t, ring, Options{Depth: 4})

	sum, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Less(t, len(ring.reads), 64, "no new reads after a confirmed failure")
	assert.Equal(t, sum.Submitted, sum.Reaped)
	assertAscending(t, ring.reads, testChunk)
	assert.Zero(t, s.pool.InFlight())
}

func TestRunShortReads(t *testing.T) {
	t.Run("error by default", func(t *testing.T) {
		ring := newFakeRing(patterned(8*testChunk), 0)
		ring.results[7] = 100
		s := newScheduler(t, ring, Options{})

		sum, err := s.Run(context.Background())
		var cerr *CompletionError
		require.ErrorAs(t, err, &cerr)
		assert.True(t, cerr.Short())
		assert.Equal(t, int32(100), cerr.Res)
		assert.Equal(t, uint32(testChunk), cerr.Want)
		assert.Equal(t, uint64(7*testChunk), cerr.Offset)
		assert.Nil(t, cerr.Unwrap())
		assert.Equal(t, uint32(1), sum.ShortReads)
	})

	t.Run("warn policy", func(t *testing.T) {
		ring := newFakeRing(patterned(8*testChunk), 0)
		ring.results[7] = 100
		s := newScheduler(t, ring, Options{ShortReads: ShortReadWarn})

		sum, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint32(1), sum.ShortReads)
		assert.Equal(t, uint64(7*testChunk+100), sum.Bytes)
	})

	t.Run("zero bytes", func(t *testing.T) {
		ring := newFakeRing(patterned(8*testChunk), 0)
		ring.results[0] = 0
		s := newScheduler(t, ring, Options{})

		_, err := s.Run(context.Background())
		var cerr *CompletionError
		require.ErrorAs(t, err, &cerr)
		assert.True(t, cerr.Short())
	})
}

func TestRunOversizedCompletion(t *testing.T) {
	ring := newFakeRing(patterned(8*testChunk), 0)
	ring.results[3] = testChunk + 1
	s := newScheduler(t, ring, Options{ShortReads: ShortReadWarn, Checksum: true})

	sum, err := s.Run(context.Background())
	var cerr *CompletionError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Overrun())
	assert.False(t, cerr.Short())
	assert.Nil(t, cerr.Unwrap())
	assert.Equal(t, uint64(3*testChunk), cerr.Offset)
	assert.Contains(t, cerr.Error(), "overran its buffer")

	assert.Equal(t, uint32(0), sum.ShortReads, "an oversized result is not a short read")
	assert.Equal(t, uint32(1), sum.Failures)
	assert.Equal(t, uint32(8), sum.Reaped)
	assert.Equal(t, uint64(7*testChunk), sum.Bytes)
	assert.False(t, sum.HasDigest)
}

func TestRunLogsCurrentPhase(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelDebug, Format: "json", Output: &buf, Sync: true})

	ring := newFakeRing(patterned(4*testChunk), 0)
	ring.results[2] = 100
	s := newScheduler(t, ring, Options{ShortReads: ShortReadWarn, Logger: logger})

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	stages := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		msg, _ := entry["message"].(string)
		if _, seen := stages[msg]; !seen {
			stages[msg], _ = entry["stage"].(string)
		}
	}
	assert.Equal(t, "init", stages["initialized"])
	assert.Equal(t, "submit", stages["enqueued"])
	assert.Equal(t, "drain", stages["short read"])
	assert.Equal(t, "done", stages["run complete"])
}

func TestRunBoundedDepth(t *testing.T) {
	ring := newFakeRing(patterned(64*testChunk), 0)
	ring.lifo = true
	s := newScheduler(t, ring, Options{Depth: 4})
	assert.Equal(t, uint32(4), s.Depth())

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(4), ring.Entries())
	assert.LessOrEqual(t, ring.maxInFlight, 4)
	assert.Equal(t, uint32(4), sum.MaxInFlight)
	assert.Equal(t, uint32(64), sum.Reaped)
	assertAscending(t, ring.reads, testChunk)
}

func TestRunDepthClampedToChunks(t *testing.T) {
	ring := newFakeRing(patterned(4*testChunk), 0)
	s := newScheduler(t, ring, Options{Depth: 1000, FlushBatch: 50})
	assert.Equal(t, uint32(4), s.Depth())
	assert.Equal(t, uint32(4), s.batch)
}

func TestRunBatchedFlush(t *testing.T) {
	ring := newFakeRing(patterned(64*testChunk), 0)
	s := newScheduler(t, ring, Options{FlushBatch: 8})

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, ring.flushes)
	assert.LessOrEqual(t, ring.maxQueued, 8)
	assert.Equal(t, uint32(64), sum.Reaped)
}

func TestRunPartialFlushAcceptance(t *testing.T) {
	ring := newFakeRing(patterned(32*testChunk), 0)
	ring.acceptMax = 3
	s := newScheduler(t, ring, Options{FlushBatch: 16})

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(32), sum.Submitted)
	assert.Equal(t, uint32(32), sum.Reaped)
}

func TestRunQueueFullIsFatal(t *testing.T) {
	ring := newFakeRing(patterned(16*testChunk), 0)
	s := newScheduler(t, ring, Options{})
	ring.entries = 10 // kernel granted less than requested

	sum, err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, uring.ErrQueueFull)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "enqueue", serr.Op)
	assert.Equal(t, PhaseSubmitting, serr.Phase)
	assert.Equal(t, uint32(10), serr.Index)
	assert.Equal(t, uint64(10*testChunk), serr.Offset)

	assert.Equal(t, uint32(10), sum.Submitted)
	assert.Equal(t, uint32(10), sum.Reaped, "accepted reads drained before failing")
	assert.Equal(t, bufpool.StateIdle, s.pool.State(10))
	assert.Zero(t, s.pool.InFlight())
}

func TestRunFlushError(t *testing.T) {
	ring := newFakeRing(patterned(4*testChunk), 0)
	ring.flushErr = syscall.EBUSY
	s := newScheduler(t, ring, Options{})

	_, err := s.Run(context.Background())
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "flush", serr.Op)
	assert.ErrorIs(t, err, syscall.EBUSY)

	// The unflushed buffer is still marked in flight, so it is never unmapped.
	assert.Error(t, s.Close())
}

func TestRunWaitError(t *testing.T) {
	ring := newFakeRing(patterned(4*testChunk), 0)
	ring.waitErr = syscall.EFAULT
	s := newScheduler(t, ring, Options{})

	_, err := s.Run(context.Background())
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "wait", serr.Op)
	assert.Equal(t, PhaseDraining, serr.Phase)
	assert.ErrorIs(t, err, syscall.EFAULT)
}

type bogusRing struct{ *fakeRing }

func (r bogusRing) WaitOne() (uring.Completion, error) {
	c, err := r.fakeRing.WaitOne()
	c.UserData += 1000
	return c, err
}

func TestRunUnknownCompletion(t *testing.T) {
	ring := newFakeRing(patterned(4*testChunk), 0)
	s, err := New(Options{
		Extent: Extent{Size: 4 * testChunk, ChunkSize: testChunk},
		OpenRing: func(entries uint32) (uring.Ring, error) {
			ring.entries = entries
			return bogusRing{ring}, nil
		},
		Logger: logging.Nop(),
	})
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "completion", serr.Op)
	assert.Contains(t, err.Error(), "unknown request id 1000")
}

func TestNewRejectsUnevenExtent(t *testing.T) {
	opened := false
	_, err := New(Options{
		Extent: Extent{Size: 10*testChunk + 1, ChunkSize: testChunk},
		OpenRing: func(uint32) (uring.Ring, error) {
			opened = true
			return nil, nil
		},
		Logger: logging.Nop(),
	})
	require.ErrorIs(t, err, ErrUnevenExtent)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, PhaseInit, serr.Phase)
	assert.False(t, opened, "no ring before the extent is valid")
}

func TestNewRingOpenFailure(t *testing.T) {
	_, err := New(Options{
		Extent: Extent{Size: 4 * testChunk, ChunkSize: testChunk},
		OpenRing: func(uint32) (uring.Ring, error) {
			return nil, syscall.ENOMEM
		},
		Logger: logging.Nop(),
	})
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "ring_open", serr.Op)
	assert.ErrorIs(t, err, syscall.ENOMEM)

	_, err = New(Options{Extent: Extent{Size: 4 * testChunk, ChunkSize: testChunk}})
	require.Error(t, err, "an opener is required")
}

func TestRunOnlyOnce(t *testing.T) {
	ring := newFakeRing(patterned(4*testChunk), 0)
	s := newScheduler(t, ring, Options{})

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	assert.Error(t, err)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	ring := newFakeRing(patterned(4*testChunk), 0)
	s := newScheduler(t, ring, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, ring.reads)
}

func TestRunIdempotent(t *testing.T) {
	data := patterned(32 * testChunk)
	run := func() (Summary, error) {
		ring := newFakeRing(data, 0)
		s := newScheduler(t, ring, Options{Checksum: true})
		return s.Run(context.Background())
	}

	first, err1 := run()
	second, err2 := run()
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, first.Chunks, second.Chunks)
	assert.Equal(t, first.Reaped, second.Reaped)
	assert.Equal(t, first.Digest, second.Digest)

	data[5*testChunk] ^= 0xff
	third, err := run()
	require.NoError(t, err)
	assert.NotEqual(t, first.Digest, third.Digest)
}

type countingObserver struct {
	ok, failed uint32
	bytes      uint64
	peak       uint32
}

func (o *countingObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	if success {
		o.ok++
	} else {
		o.failed++
	}
	o.bytes += bytes
}

func (o *countingObserver) ObserveInFlight(n uint32) {
	if n > o.peak {
		o.peak = n
	}
}

func TestRunObserver(t *testing.T) {
	ring := newFakeRing(patterned(16*testChunk), 0)
	ring.results[4] = -int32(syscall.EIO)
	obs := &countingObserver{}
	s := newScheduler(t, ring, Options{Observer: obs, Depth: 8})

	_, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, uint32(1), obs.failed)
	assert.Equal(t, s.summary.Reaped, obs.ok+obs.failed)
	assert.Equal(t, s.summary.Bytes, obs.bytes)
	assert.Equal(t, uint32(8), obs.peak)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "init", PhaseInit.String())
	assert.Equal(t, "submit", PhaseSubmitting.String())
	assert.Equal(t, "drain", PhaseDraining.String())
	assert.Equal(t, "done", PhaseDone.String())
	assert.Equal(t, "phase(9)", Phase(9).String())
}

func expectedDigest(data []byte, chunk int) uint64 {
	var sums []uint64
	for off := 0; off < len(data); off += chunk {
		sums = append(sums, xxhash.Sum64(data[off:off+chunk]))
	}
	return foldDigests(sums)
}
