package multiread

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/ehrlich-b/go-multiread/internal/constants"
	"github.com/ehrlich-b/go-multiread/internal/logging"
)

// Prepare creates (or truncates) path and fills it with size bytes of 'a',
// written chunk bytes at a time, then fsyncs it. The result is a valid
// target for Run with the same chunk size whenever size is a multiple of
// chunk.
func Prepare(ctx context.Context, path string, size, chunk uint64, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithFile(path)

	if chunk == 0 {
		chunk = DefaultChunkSize
	}
	if size == 0 {
		return NewError(StageInit, ErrCodePrecondition, "prepare needs a positive size")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return WrapError(StageOpen, err)
	}

	buf := bytes.Repeat([]byte{constants.DefaultFillByte}, int(min(chunk, size)))
	logger.Info("writing target", "size", size, "chunk_size", chunk)

	var written uint64
	for written < size {
		if err := ctx.Err(); err != nil {
			f.Close()
			return WrapError(StageInit, err)
		}
		n := min(uint64(len(buf)), size-written)
		if _, err := f.Write(buf[:n]); err != nil {
			f.Close()
			return &Error{Stage: StageInit, Index: int64(written / chunk), Offset: int64(written), Code: ErrCodeIOError,
				Msg: fmt.Sprintf("write %s: %v", path, err), Inner: err}
		}
		written += n
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return WrapError(StageInit, fmt.Errorf("fsync %s: %w", path, err))
	}
	if err := f.Close(); err != nil {
		return WrapError(StageInit, err)
	}
	logger.Info("target ready", "size", written)
	return nil
}
