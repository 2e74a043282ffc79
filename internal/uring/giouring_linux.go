//go:build linux

package uring

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

// gioRing implements Ring on top of giouring, a liburing port
type gioRing struct {
	ring    *giouring.Ring
	entries uint32
	pending int // enqueued since the last flush
	closed  bool
}

func newGiouringRing(entries uint32) (Ring, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("io_uring_setup(%d): %w", entries, err)
	}
	return &gioRing{ring: ring, entries: roundUpPow2(entries)}, nil
}

func (r *gioRing) Enqueue(rd Read) error {
	if r.closed {
		return ErrClosed
	}
	if len(rd.Buf) == 0 {
		return fmt.Errorf("uring: empty read buffer")
	}
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return ErrQueueFull
	}
	sqe.PrepareRead(rd.FD, uintptr(unsafe.Pointer(&rd.Buf[0])), uint32(len(rd.Buf)), rd.Offset)
	sqe.SetData64(rd.UserData)
	r.pending++
	return nil
}

func (r *gioRing) Flush() (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if r.pending == 0 {
		return 0, nil
	}
	for {
		n, err := r.ring.Submit()
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil {
			return int(n), fmt.Errorf("io_uring_enter: %w", err)
		}
		r.pending -= int(n)
		return int(n), nil
	}
}

func (r *gioRing) WaitOne() (Completion, error) {
	if r.closed {
		return Completion{}, ErrClosed
	}
	for {
		cqe, err := r.ring.WaitCQE()
		if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
			continue
		}
		if err != nil {
			return Completion{}, fmt.Errorf("io_uring wait cqe: %w", err)
		}
		c := Completion{UserData: cqe.UserData, Res: cqe.Res}
		r.ring.CQESeen(cqe)
		return c, nil
	}
}

func (r *gioRing) Entries() uint32 {
	return r.entries
}

func (r *gioRing) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.ring.QueueExit()
	return nil
}

// roundUpPow2 mirrors the kernel, which grants the next power of two
func roundUpPow2(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	if n > 1<<31 {
		return 1 << 31
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}
