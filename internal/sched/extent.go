package sched

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrEmptyExtent   = errors.New("sched: file size must be positive")
	ErrZeroChunk     = errors.New("sched: chunk size must be positive")
	ErrUnevenExtent  = errors.New("sched: file size is not a multiple of the chunk size")
	ErrTooManyChunks = errors.New("sched: chunk count does not fit a 32-bit request id")
	ErrChunkTooLarge = errors.New("sched: chunk size exceeds a single read")
)

// Extent is the byte range to read, split into equal chunks
type Extent struct {
	Size      uint64
	ChunkSize uint64
}

// NewExtent validates size and chunkSize. Partial tail chunks are not
// supported: size must be an exact multiple of chunkSize.
func NewExtent(size, chunkSize uint64) (Extent, error) {
	switch {
	case size == 0:
		return Extent{}, ErrEmptyExtent
	case chunkSize == 0:
		return Extent{}, ErrZeroChunk
	case chunkSize > math.MaxInt32:
		// Completion results are int32 byte counts.
		return Extent{}, fmt.Errorf("%w: %d", ErrChunkTooLarge, chunkSize)
	case size%chunkSize != 0:
		return Extent{}, fmt.Errorf("%w: %d %% %d = %d", ErrUnevenExtent, size, chunkSize, size%chunkSize)
	case size/chunkSize > math.MaxUint32:
		return Extent{}, fmt.Errorf("%w: %d chunks", ErrTooManyChunks, size/chunkSize)
	}
	return Extent{Size: size, ChunkSize: chunkSize}, nil
}

// Chunks returns the number of chunks
func (e Extent) Chunks() uint32 {
	if e.ChunkSize == 0 {
		return 0
	}
	return uint32(e.Size / e.ChunkSize)
}

// Offset returns the file offset of chunk i
func (e Extent) Offset(i uint32) uint64 {
	return uint64(i) * e.ChunkSize
}
