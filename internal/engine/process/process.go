// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package process tracks one traced OS process: its pidfd, its target-fd to
// real-fd mapping, and the syscall handler table that turns seccomp
// notifications into calls against the intercept surface.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"ip2unix.dev/internal/engine/fd"
	"ip2unix.dev/internal/engine/seccomp"
	"ip2unix.dev/internal/intercept"
)

// Process holds per-tracee state. Syscall arguments name file descriptors
// in the tracee's own fd table (targetFD); intercept.Surface and
// socket.Registry operate on this tracer process's own fd numbers
// (realFD), obtained via pidfd_getfd or fabricated directly by Socket.
type Process struct {
	PID     int
	Exited  chan struct{}
	Surface *intercept.Surface

	pidfd *fd.FD

	mu      sync.Mutex
	realFDs map[int]int // targetFD -> realFD
}

func New(pid int, surface *intercept.Surface) (*Process, error) {
	ret, _, errno := unix.Syscall(unix.SYS_PIDFD_OPEN, uintptr(pid), 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("pidfd_open %d: %w", pid, errno)
	}
	pidfd := fd.NewFD(int(ret))
	defer pidfd.DecRef()

	return &Process{
		PID:     pid,
		Exited:  make(chan struct{}),
		Surface: surface,
		pidfd:   pidfd,
		realFDs: make(map[int]int),
	}, nil
}

func (p *Process) LogValue() slog.Value {
	select {
	case <-p.Exited:
		return slog.GroupValue(slog.Int("pid", p.PID), slog.Bool("exited", true))
	default:
		return slog.GroupValue(slog.Int("pid", p.PID), slog.Bool("exited", false))
	}
}

func (p *Process) registerFD(targetFD, realFD int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.realFDs[targetFD] = realFD
}

func (p *Process) lookupFD(targetFD int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	realFD, ok := p.realFDs[targetFD]
	return realFD, ok
}

func (p *Process) removeFD(targetFD int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	realFD, ok := p.realFDs[targetFD]
	if ok {
		delete(p.realFDs, targetFD)
	}
	return realFD, ok
}

// getFD duplicates the tracee's targetFD into this process's own fd table
// via pidfd_getfd, needed when we must operate on an fd we did not create
// ourselves (dup2's newfd, an externally activated listener).
func (p *Process) getFD(targetFD int) (*fd.FD, error) {
	if !p.pidfd.IncRef() {
		return nil, unix.EBADF
	}
	defer p.pidfd.DecRef()

	ret, _, errno := unix.Syscall(unix.SYS_PIDFD_GETFD, uintptr(p.pidfd.FD()), uintptr(targetFD), 0)
	if errno != 0 {
		return nil, errno
	}
	return fd.NewFD(int(ret)), nil
}

// installFD atomically hands realFD to the tracee via the seccomp
// notification, then records the tracee-visible fd number the kernel
// picked so later syscalls against it can be resolved.
func (p *Process) installFD(n *seccomp.Notif, realFD int, flags int) (int, error) {
	f := fd.NewFD(realFD)
	defer f.DecRef()

	targetFD, err := n.AddFD(f, flags)
	if err != nil {
		return 0, err
	}
	p.registerFD(targetFD, realFD)
	return targetFD, nil
}

func (p *Process) poll() (exited bool, _ error) {
	if !p.pidfd.IncRef() {
		return false, fmt.Errorf("pidfd: file closed")
	}
	defer p.pidfd.DecRef()

	fds := []unix.PollFd{{Fd: int32(p.pidfd.FD()), Events: unix.POLLIN}}
	_, err := unix.Poll(fds, -1)
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fds[0].Revents&unix.POLLIN != 0, nil
}

// Wait blocks until the tracee exits, then releases its sockets.
func (p *Process) Wait() error {
	for {
		exited, err := p.poll()
		if err != nil {
			if errors.Is(err, unix.EBADF) {
				select {
				case <-p.Exited:
					return nil
				default:
				}
			}
			return fmt.Errorf("poll: %w", err)
		}
		if exited {
			break
		}
	}

	if p.markAsExited() {
		go p.cleanup()
	}
	return nil
}

func (p *Process) markAsExited() (marked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.Exited:
		return false
	default:
		close(p.Exited)
		return true
	}
}

func (p *Process) cleanup() {
	<-p.Exited

	p.mu.Lock()
	fds := p.realFDs
	p.realFDs = nil
	p.mu.Unlock()

	for targetFD, realFD := range fds {
		if _, _, errno := p.Surface.Close(realFD); errno != 0 {
			slog.Error("failed to close socket during process cleanup", "targetfd", targetFD, "err", errno)
		}
	}

	if !p.pidfd.ClosingIncRef() {
		return
	}
	defer p.pidfd.DecRef()
	p.pidfd.Lock()
	unix.Close(p.pidfd.FD())
}
