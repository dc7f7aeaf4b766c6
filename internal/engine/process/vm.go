// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package process

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"ip2unix.dev/internal/engine/seccomp"
	"ip2unix.dev/internal/sockaddr"
)

var arch = binary.LittleEndian

// readMemory/writeMemory read and write bytes in a traced process's address
// space. process_vm_readv/writev is preferred; /proc/pid/mem is the
// fallback for kernels or sandboxes that block the former.
var readMemory func(pid int, buf []byte, addr uintptr) (int, error)
var writeMemory func(pid int, buf []byte, addr uintptr) (int, error)

func InitReadWriteVM() {
	tmp := make([]byte, 1)
	local := []unix.Iovec{{Base: &tmp[0], Len: 1}}
	remote := []unix.RemoteIovec{{Base: uintptr(unsafe.Pointer(&tmp[0])), Len: 1}}
	switch _, err := unix.ProcessVMReadv(os.Getpid(), local, remote, 0); err {
	case nil:
		readMemory = func(pid int, buf []byte, addr uintptr) (int, error) {
			local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
			remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}
			return unix.ProcessVMReadv(pid, local, remote, 0)
		}
		writeMemory = func(pid int, buf []byte, addr uintptr) (int, error) {
			local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
			remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}
			return unix.ProcessVMWritev(pid, local, remote, 0)
		}

	case syscall.ENOSYS:
		slog.Debug("process_vm_readv unavailable, falling back to /proc/pid/mem")
		readMemory = func(pid int, buf []byte, addr uintptr) (int, error) {
			fd, err := unix.Open(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0o644)
			if err != nil {
				return 0, fmt.Errorf("open mem: %w", err)
			}
			defer unix.Close(fd)
			return unix.Preadv(fd, [][]byte{buf}, int64(addr))
		}
		writeMemory = func(pid int, buf []byte, addr uintptr) (int, error) {
			fd, err := unix.Open(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0o644)
			if err != nil {
				return 0, fmt.Errorf("open mem: %w", err)
			}
			defer unix.Close(fd)
			return unix.Pwritev(fd, [][]byte{buf}, int64(addr))
		}

	default:
		panic(fmt.Sprintf("failed to test process_vm_readv on self: %v", err))
	}
}

func (p *Process) vmReadBytes(n *seccomp.Notif, ptr uintptr, maxSize int) ([]byte, syscall.Errno, error) {
	if maxSize == 0 {
		return []byte{}, 0, nil
	}
	if ptr == 0 {
		return nil, unix.EINVAL, nil
	}

	b := make([]byte, maxSize)
	read, err := readMemory(p.PID, b, ptr)
	if err != nil {
		if !n.Valid() {
			return nil, 0, seccomp.ErrCancelled
		}
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return nil, errno, nil
		}
		return nil, 0, fmt.Errorf("memory read: %w", err)
	}
	if !n.Valid() {
		return nil, 0, seccomp.ErrCancelled
	}
	return b[:read], 0, nil
}

func (p *Process) vmReadUint32(n *seccomp.Notif, ptr uintptr) (uint32, syscall.Errno, error) {
	b, errno, err := p.vmReadBytes(n, ptr, 4)
	if errno != 0 || err != nil {
		return 0, errno, err
	}
	if len(b) < 4 {
		return 0, unix.EINVAL, nil
	}
	return arch.Uint32(b), 0, nil
}

func (p *Process) vmReadString(n *seccomp.Notif, ptr uintptr, maxSize int) (string, syscall.Errno, error) {
	if ptr == 0 {
		return "", unix.EINVAL, nil
	}
	b, errno, err := p.vmReadBytes(n, ptr, maxSize)
	if errno != 0 || err != nil {
		return "", errno, err
	}
	if idx := bytes.IndexByte(b, 0); idx != -1 {
		b = b[:idx]
	}
	return string(b), 0, nil
}

// vmReadSockAddr reads an AF_INET/AF_INET6 sockaddr of size bytes.
func (p *Process) vmReadSockAddr(n *seccomp.Notif, ptr uintptr, size int) (sockaddr.SockAddr, syscall.Errno, error) {
	if ptr == 0 || size == 0 {
		return sockaddr.SockAddr{}, unix.EINVAL, nil
	}
	b, errno, err := p.vmReadBytes(n, ptr, size)
	if errno != 0 || err != nil {
		return sockaddr.SockAddr{}, errno, err
	}
	addr, parseErr := sockaddr.FromRawBytes(b)
	if parseErr != nil {
		return sockaddr.SockAddr{}, unix.EINVAL, nil
	}
	return addr, 0, nil
}

func (p *Process) vmWriteBytes(n *seccomp.Notif, ptr uintptr, b []byte) (syscall.Errno, error) {
	if !n.Valid() {
		return 0, seccomp.ErrCancelled
	}
	if len(b) == 0 {
		return 0, nil
	}
	if ptr == 0 {
		return unix.EINVAL, nil
	}
	wrote, err := writeMemory(p.PID, b, ptr)
	if err != nil {
		if !n.Valid() {
			return 0, seccomp.ErrCancelled
		}
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return errno, nil
		}
		return 0, fmt.Errorf("memory write: %w", err)
	}
	if wrote < len(b) {
		if !n.Valid() {
			return 0, seccomp.ErrCancelled
		}
		return 0, fmt.Errorf("memory write: partial write: wrote %d, expected %d", wrote, len(b))
	}
	return 0, nil
}

func (p *Process) vmWriteUint32(n *seccomp.Notif, ptr uintptr, val uint32) (syscall.Errno, error) {
	return p.vmWriteBytes(n, ptr, arch.AppendUint32(nil, val))
}

// msghdr/iovec field offsets for the LP64 layout shared by amd64 and
// arm64: {name ptr, namelen, pad}{iov ptr, iovlen}{control ptr,
// controllen}{flags, pad}, 56 bytes total.
const (
	msghdrSize        = 56
	msghdrNameOffset  = 0
	msghdrNamelenOff  = 8
	msghdrIovOffset   = 16
	msghdrIovlenOff   = 24
	iovecSize         = 16
	iovecBaseOffset   = 0
	iovecLenOffset    = 8
)

type rawMsgHdr struct {
	namePtr  uintptr
	nameLen  int
	iovPtr   uintptr
	iovLen   int
}

func (p *Process) vmReadMsgHdr(n *seccomp.Notif, ptr uintptr) (rawMsgHdr, syscall.Errno, error) {
	b, errno, err := p.vmReadBytes(n, ptr, msghdrSize)
	if errno != 0 || err != nil {
		return rawMsgHdr{}, errno, err
	}
	if len(b) < msghdrSize {
		return rawMsgHdr{}, unix.EINVAL, nil
	}
	return rawMsgHdr{
		namePtr: uintptr(arch.Uint64(b[msghdrNameOffset:])),
		nameLen: int(arch.Uint32(b[msghdrNamelenOff:])),
		iovPtr:  uintptr(arch.Uint64(b[msghdrIovOffset:])),
		iovLen:  int(arch.Uint64(b[msghdrIovlenOff:])),
	}, 0, nil
}

// vmReadSingleIovec supports only the common msg_iovlen == 1 case; a
// caller with more than one iovec falls back to passthrough (see
// handleSendmsg/handleRecvmsg), since general scatter-gather forwarding
// needs a full copy loop this system's UDP address-rewriting doesn't
// otherwise require.
func (p *Process) vmReadSingleIovec(n *seccomp.Notif, ptr uintptr) (base uintptr, length int, errno syscall.Errno, err error) {
	b, errno, err := p.vmReadBytes(n, ptr, iovecSize)
	if errno != 0 || err != nil {
		return 0, 0, errno, err
	}
	if len(b) < iovecSize {
		return 0, 0, unix.EINVAL, nil
	}
	return uintptr(arch.Uint64(b[iovecBaseOffset:])), int(arch.Uint64(b[iovecLenOffset:])), 0, nil
}

// vmWriteSockAddr writes addr's raw sockaddr encoding and true length to
// the tracee, truncating to whatever space the caller advertised at
// sizePtr — mirrors getsockname(2)'s truncate-and-report convention.
func (p *Process) vmWriteSockAddr(n *seccomp.Notif, addr sockaddr.SockAddr, ptr uintptr, sizePtr uintptr) (syscall.Errno, error) {
	avail, errno, err := p.vmReadUint32(n, sizePtr)
	if errno != 0 || err != nil {
		return errno, err
	}

	buf := make([]byte, avail)
	written, trueLen, applyErr := addr.ApplyAddr(buf)
	if applyErr != nil {
		return unix.EINVAL, nil
	}

	if errno, err := p.vmWriteBytes(n, ptr, buf[:written]); errno != 0 || err != nil {
		return errno, err
	}
	return p.vmWriteUint32(n, sizePtr, uint32(trueLen))
}
