// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package seccomp installs a user-notification seccomp-BPF filter over the
// intercepted syscall set and exposes the notification queue as a small
// receive/reply API (component H's transport into the tracee).
package seccomp

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/bpf"
	"gvisor.dev/gvisor/pkg/marshal/primitive"

	"ip2unix.dev/internal/engine/fd"
	"ip2unix.dev/internal/engine/syscalls"
	"ip2unix.dev/internal/kernel"
)

const (
	SECCOMP_FILTER_FLAG_TSYNC       = 1 << 0
	SECCOMP_FILTER_FLAG_TSYNC_ESRCH = 1 << 4
)

var ErrCancelled = errors.New("seccomp: user notification cancelled")

// InstallFilter installs a seccomp-BPF program that routes the given
// syscall numbers to a user-notification queue and allows everything else.
// It returns the fd to use with ioctl(2) to drain that queue.
func InstallFilter(nrs []int) (int, error) {
	const (
		offsetNR   = 0
		offsetArch = 4
	)

	builder := bpf.NewProgramBuilder()

	builder.AddStmt(bpf.Ld|bpf.W|bpf.Abs, offsetArch)
	switch runtime.GOARCH {
	case "amd64":
		builder.AddJump(bpf.Jmp|bpf.Jeq|bpf.K, linux.AUDIT_ARCH_X86_64, 1, 0)
	case "arm64":
		builder.AddJump(bpf.Jmp|bpf.Jeq|bpf.K, linux.AUDIT_ARCH_AARCH64, 1, 0)
	default:
		return 0, fmt.Errorf("unsupported arch: %q", runtime.GOARCH)
	}
	builder.AddStmt(bpf.Ret|bpf.K, uint32(SECCOMP_RET_KILL_PROCESS))

	builder.AddStmt(bpf.Ld|bpf.W|bpf.Abs, offsetNR)
	for _, nr := range nrs {
		builder.AddJump(bpf.Jmp|bpf.Jeq|bpf.K, uint32(nr), 0, 1)
		builder.AddStmt(bpf.Ret|bpf.K, SECCOMP_RET_USER_NOTIF)
	}
	builder.AddStmt(bpf.Ret|bpf.K, uint32(SECCOMP_RET_ALLOW))

	arr, err := builder.Instructions()
	if err != nil {
		return 0, fmt.Errorf("build filter: %w", err)
	}
	instrs := make([]linux.BPFInstruction, len(arr))
	for i, ins := range arr {
		instrs[i] = linux.BPFInstruction(ins)
	}
	prog := &linux.SockFprog{Len: uint16(len(instrs)), Filter: &instrs[0]}

	// The filter must be installed on the same OS thread that will exec
	// the tracee, or SECCOMP_FILTER_FLAG_TSYNC won't reach it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if !kernel.HasCapability(unix.CAP_SYS_ADMIN) {
		if _, _, errno := unix.Syscall(unix.SYS_PRCTL, linux.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
			return 0, fmt.Errorf("prctl PR_SET_NO_NEW_PRIVS: %w", errno)
		}
	}

	flags := uintptr(SECCOMP_FILTER_FLAG_NEW_LISTENER)
	flags |= uintptr(SECCOMP_FILTER_FLAG_TSYNC)
	flags |= uintptr(SECCOMP_FILTER_FLAG_TSYNC_ESRCH)

	if _, _, err := kernel.CheckVersion("5.19", false); err == nil {
		flags |= SECCOMP_FILTER_FLAG_WAIT_KILLABLE_RECV
	}

	ret, _, errno := unix.Syscall(unix.SYS_SECCOMP, SECCOMP_SET_MODE_FILTER, flags, uintptr(unsafe.Pointer(prog)))
	if errno != 0 {
		return 0, fmt.Errorf("seccomp install: %w", errno)
	}
	return int(ret), nil
}

// InstallDefault installs the filter over the fixed intercepted syscall set.
func InstallDefault() (int, error) {
	return InstallFilter(syscalls.Intercepted())
}

type Listener struct {
	fd *fd.FD
}

func NewFromFD(f *fd.FD) *Listener {
	return &Listener{fd: f}
}

func (l *Listener) Close() error {
	if !l.fd.ClosingIncRef() {
		return fmt.Errorf("seccomp: listener already closed")
	}
	defer l.fd.DecRef()
	// SECCOMP_IOCTL_NOTIF_RECV against a dead target blocks forever
	// instead of erroring (see seccomp_unotify(2) BUGS), so skip Lock()
	// here and close the raw fd directly.
	return unix.Close(l.fd.FD())
}

func (l *Listener) receiveSingle(b []byte) syscall.Errno {
	if !l.fd.IncRef() {
		return unix.EBADF
	}
	defer l.fd.DecRef()
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(l.fd.FD()), SECCOMP_IOCTL_NOTIF_RECV, uintptr(unsafe.Pointer(&b[0])))
	return errno
}

// Receive blocks for a single notification.
func (l *Listener) Receive() (*Notif, syscall.Errno) {
	var x notif
	b := make([]byte, x.SizeBytes())
	for {
		errno := l.receiveSingle(b)
		if errno == 0 {
			break
		}
		if errno == unix.EINTR {
			continue
		}
		return nil, errno
	}
	x.UnmarshalBytes(b)

	if !l.fd.IncRef() {
		return nil, unix.EBADF
	}
	// Ref held until Skip/Return/AddFD releases it.

	return &Notif{
		listener: l,
		ID:       uint64(x.id),
		PID:      int(x.pid),
		Syscall:  int(x.data.nr),
		Args: [6]uintptr{
			uintptr(x.data.args[0]), uintptr(x.data.args[1]), uintptr(x.data.args[2]),
			uintptr(x.data.args[3]), uintptr(x.data.args[4]), uintptr(x.data.args[5]),
		},
	}, 0
}

type Notif struct {
	listener *Listener
	state    atomic.Uint32

	ID      uint64
	PID     int
	Syscall int
	Args    [6]uintptr
}

const (
	stateReceived = iota
	stateReplying
	stateReplied
	stateCancelled
	stateError
)

func (n *Notif) stateString() string {
	switch n.state.Load() {
	case stateReceived:
		return "received"
	case stateReplying:
		return "replying"
	case stateReplied:
		return "replied"
	case stateCancelled:
		return "cancelled"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}

func (n *Notif) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("pid", n.PID),
		slog.Group("syscall", "nr", n.Syscall, "name", syscalls.GetName(n.Syscall)),
		slog.String("id", fmt.Sprintf("0x%x", n.ID)),
		slog.String("state", n.stateString()),
	)
}

func (n *Notif) String() string {
	return fmt.Sprintf("notif{id=0x%x,pid=%d,syscall=%s,state=%s}", n.ID, n.PID, syscalls.GetName(n.Syscall), n.stateString())
}

// Valid reports whether the kernel still considers this notification live.
func (n *Notif) Valid() bool {
	if !n.listener.fd.IncRef() {
		return false
	}
	defer n.listener.fd.DecRef()
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(n.listener.fd.FD()), SECCOMP_IOCTL_NOTIF_ID_VALID, uintptr(unsafe.Pointer(&n.ID)))
	return errno == 0
}

func (n *Notif) sendInner(handled bool, ret uintptr, errno syscall.Errno) error {
	var r resp
	r.id = primitive.Uint64(n.ID)
	if !handled {
		r.flags = SECCOMP_USER_NOTIF_FLAG_CONTINUE
	} else {
		r.val = primitive.Int64(ret)
		r.errno = primitive.Int32(-errno)
	}
	b := r.Bytes()
	_, _, sendErrno := unix.Syscall(unix.SYS_IOCTL, uintptr(n.listener.fd.FD()), SECCOMP_IOCTL_NOTIF_SEND, uintptr(unsafe.Pointer(&b[0])))
	switch sendErrno {
	case 0:
		n.state.CompareAndSwap(stateReplying, stateReplied)
		return nil
	case unix.ENOENT:
		n.state.CompareAndSwap(stateReplying, stateCancelled)
		return fmt.Errorf("%s: %w", n, ErrCancelled)
	case unix.EINPROGRESS:
		if !n.Valid() {
			n.state.CompareAndSwap(stateReplying, stateCancelled)
			return fmt.Errorf("%s: %w", n, ErrCancelled)
		}
		return unix.EINPROGRESS
	default:
		n.state.CompareAndSwap(stateReplying, stateError)
		return fmt.Errorf("%s: notif send: %w", n, sendErrno)
	}
}

func (n *Notif) send(handled bool, ret uintptr, errno syscall.Errno) error {
	if !n.state.CompareAndSwap(stateReceived, stateReplying) {
		return unix.EALREADY
	}
	defer n.listener.fd.DecRef()
	return n.sendInner(handled, ret, errno)
}

// Skip lets the kernel run the intercepted syscall unmodified.
func (n *Notif) Skip() error {
	return n.send(false, 0, 0)
}

// Return sets the tracee's syscall return value and errno.
func (n *Notif) Return(ret uintptr, errno syscall.Errno) error {
	return n.send(true, ret, errno)
}

var addfdFlags primitive.Uint32 = SECCOMP_ADDFD_FLAG_SEND

func init() {
	if _, _, err := kernel.CheckVersion("5.14", true); err != nil {
		addfdFlags ^= SECCOMP_ADDFD_FLAG_SEND
	}
}

// AddFD atomically installs f into the tracee's file table and completes
// the notification, returning the fd number as seen by the tracee. Used
// for syscalls that hand back a file descriptor (socket, accept4), since
// a plain Return can't transfer fd ownership across the process boundary.
func (n *Notif) AddFD(f *fd.FD, flags int) (int, error) {
	if !n.state.CompareAndSwap(stateReceived, stateReplying) {
		return 0, unix.EALREADY
	}
	defer n.listener.fd.DecRef()

	if !f.IncRef() {
		return 0, unix.EBADF
	}
	defer f.DecRef()

	var r addfd
	r.id = primitive.Uint64(n.ID)
	r.flags = addfdFlags
	r.srcFD = primitive.Uint32(f.FD())
	r.newFDFlags = primitive.Uint32(flags)
	b := r.Bytes()
	target, _, addErrno := unix.Syscall(unix.SYS_IOCTL, uintptr(n.listener.fd.FD()), SECCOMP_IOCTL_NOTIF_ADDFD, uintptr(unsafe.Pointer(&b[0])))
	switch addErrno {
	case 0:
		if r.flags&SECCOMP_ADDFD_FLAG_SEND == 0 {
			if err := n.sendInner(true, target, 0); err != nil {
				return 0, fmt.Errorf("%s: send after addfd: %w", n, err)
			}
			return int(target), nil
		}
		n.state.CompareAndSwap(stateReplying, stateReplied)
		return int(target), nil
	case unix.ENOENT:
		n.state.CompareAndSwap(stateReplying, stateCancelled)
		return 0, fmt.Errorf("%s: %w", n, ErrCancelled)
	case unix.EINPROGRESS:
		if !n.Valid() {
			n.state.CompareAndSwap(stateReplying, stateCancelled)
			return 0, fmt.Errorf("%s: %w", n, ErrCancelled)
		}
		return 0, unix.EINPROGRESS
	default:
		n.state.CompareAndSwap(stateReplying, stateError)
		return 0, fmt.Errorf("%s: addfd: %w", n, addErrno)
	}
}
