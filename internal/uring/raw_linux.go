//go:build linux

package uring

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring ABI, from include/uapi/linux/io_uring.h
const (
	ioringOpRead = 22

	ioringEnterGetEvents = 1 << 0

	ioringFeatSingleMmap = 1 << 0

	ioringOffSQRing = 0
	ioringOffCQRing = 0x8000000
	ioringOffSQEs   = 0x10000000
)

// sqe is the 64-byte submission queue entry
type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opcodeFlags uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	addr3       uint64
	_           uint64
}

// cqe is the 16-byte completion queue entry
type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

type sqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type ringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqringOffsets
	cqOff        cqringOffsets
}

// rawRing maps the kernel rings itself and talks to io_uring_setup and
// io_uring_enter directly
type rawRing struct {
	fd int

	sqRing    []byte
	cqRing    []byte
	sqes      []byte
	sharedMap bool

	sqHead    *uint32 // kernel-updated
	sqTail    *uint32 // user-updated
	sqMask    uint32
	sqEntries uint32
	sqArray   unsafe.Pointer
	sqeHead   uint32 // next local SQE to publish
	sqeTail   uint32 // next local SQE to hand out

	cqHead *uint32 // user-updated
	cqTail *uint32 // kernel-updated
	cqMask uint32
	cqes   unsafe.Pointer

	closed bool
}

func newRawRing(entries uint32) (Ring, error) {
	var p ringParams
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup(%d): %w", entries, errno)
	}

	r := &rawRing{fd: int(fd)}
	if err := r.mapRings(&p); err != nil {
		unix.Close(r.fd)
		return nil, err
	}
	return r, nil
}

func (r *rawRing) mapRings(p *ringParams) error {
	sqSize := int(p.sqOff.array + p.sqEntries*4)
	cqSize := int(p.cqOff.cqes + p.cqEntries*uint32(unsafe.Sizeof(cqe{})))

	r.sharedMap = p.features&ioringFeatSingleMmap != 0
	if r.sharedMap && cqSize > sqSize {
		sqSize = cqSize
	}

	var err error
	r.sqRing, err = unix.Mmap(r.fd, ioringOffSQRing, sqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap SQ ring: %w", err)
	}

	if r.sharedMap {
		r.cqRing = r.sqRing
	} else {
		r.cqRing, err = unix.Mmap(r.fd, ioringOffCQRing, cqSize,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(r.sqRing)
			return fmt.Errorf("mmap CQ ring: %w", err)
		}
	}

	r.sqes, err = unix.Mmap(r.fd, ioringOffSQEs, int(p.sqEntries)*int(unsafe.Sizeof(sqe{})),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(r.sqRing)
		if !r.sharedMap {
			unix.Munmap(r.cqRing)
		}
		return fmt.Errorf("mmap SQEs: %w", err)
	}

	sqBase := unsafe.Pointer(&r.sqRing[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, p.sqOff.head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, p.sqOff.tail))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, p.sqOff.ringMask))
	r.sqEntries = *(*uint32)(unsafe.Add(sqBase, p.sqOff.ringEntries))
	r.sqArray = unsafe.Add(sqBase, p.sqOff.array)

	cqBase := unsafe.Pointer(&r.cqRing[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, p.cqOff.head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, p.cqOff.tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, p.cqOff.ringMask))
	r.cqes = unsafe.Add(cqBase, p.cqOff.cqes)

	return nil
}

func (r *rawRing) sqeAt(idx uint32) *sqe {
	return (*sqe)(unsafe.Add(unsafe.Pointer(&r.sqes[0]), uintptr(idx)*unsafe.Sizeof(sqe{})))
}

func (r *rawRing) cqeAt(idx uint32) *cqe {
	return (*cqe)(unsafe.Add(r.cqes, uintptr(idx)*unsafe.Sizeof(cqe{})))
}

func (r *rawRing) sqArrayAt(idx uint32) *uint32 {
	return (*uint32)(unsafe.Add(r.sqArray, uintptr(idx)*4))
}

func (r *rawRing) Enqueue(rd Read) error {
	if r.closed {
		return ErrClosed
	}
	if len(rd.Buf) == 0 {
		return fmt.Errorf("uring: empty read buffer")
	}

	head := atomic.LoadUint32(r.sqHead)
	if r.sqeTail+1-head > r.sqEntries {
		return ErrQueueFull
	}
	e := r.sqeAt(r.sqeTail & r.sqMask)
	r.sqeTail++

	*e = sqe{
		opcode:   ioringOpRead,
		fd:       int32(rd.FD),
		off:      rd.Offset,
		addr:     uint64(uintptr(unsafe.Pointer(&rd.Buf[0]))),
		len:      uint32(len(rd.Buf)),
		userData: rd.UserData,
	}
	return nil
}

// publish moves locally prepared SQEs into the kernel-visible array and
// returns how many are waiting to be consumed
func (r *rawRing) publish() uint32 {
	tail := *r.sqTail
	for r.sqeHead != r.sqeTail {
		*r.sqArrayAt(tail & r.sqMask) = r.sqeHead & r.sqMask
		tail++
		r.sqeHead++
	}
	atomic.StoreUint32(r.sqTail, tail)
	return tail - atomic.LoadUint32(r.sqHead)
}

func (r *rawRing) enter(toSubmit, minComplete, flags uint32) (int, error) {
	for {
		ret, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
			uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return int(ret), nil
	}
}

func (r *rawRing) Flush() (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	toSubmit := r.publish()
	if toSubmit == 0 {
		return 0, nil
	}
	n, err := r.enter(toSubmit, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("io_uring_enter: %w", err)
	}
	return n, nil
}

func (r *rawRing) WaitOne() (Completion, error) {
	if r.closed {
		return Completion{}, ErrClosed
	}
	for {
		head := atomic.LoadUint32(r.cqHead)
		if head != atomic.LoadUint32(r.cqTail) {
			e := r.cqeAt(head & r.cqMask)
			c := Completion{UserData: e.userData, Res: e.res}
			atomic.StoreUint32(r.cqHead, head+1)
			return c, nil
		}
		if _, err := r.enter(0, 1, ioringEnterGetEvents); err != nil {
			return Completion{}, fmt.Errorf("io_uring_enter(wait): %w", err)
		}
	}
}

func (r *rawRing) Entries() uint32 {
	return r.sqEntries
}

func (r *rawRing) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	unix.Munmap(r.sqes)
	unix.Munmap(r.sqRing)
	if !r.sharedMap {
		unix.Munmap(r.cqRing)
	}
	return unix.Close(r.fd)
}
