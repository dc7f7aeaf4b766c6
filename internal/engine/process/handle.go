package process

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"ip2unix.dev/internal/engine/seccomp"
	"ip2unix.dev/internal/realcall"
)

func (p *Process) handleSocket(n *seccomp.Notif, domain, typ, protocol int) error {
	realFD, errno := p.Surface.Socket(domain, typ, protocol)
	if errno != 0 {
		return n.Return(0, errno)
	}
	if _, err := p.installFD(n, realFD, typ&unix.SOCK_CLOEXEC); err != nil {
		return fmt.Errorf("addfd: %w", err)
	}
	return nil
}

func (p *Process) handleBind(n *seccomp.Notif, targetFD int, addrPtr uintptr, addrSize int) error {
	realFD, ok := p.lookupFD(targetFD)
	if !ok {
		return n.Skip()
	}
	addr, errno, err := p.vmReadSockAddr(n, addrPtr, addrSize)
	if err != nil {
		return fmt.Errorf("read bind addr: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}
	ret, errno := p.Surface.Bind(realFD, addr)
	return n.Return(uintptr(ret), errno)
}

func (p *Process) handleConnect(n *seccomp.Notif, targetFD int, addrPtr uintptr, addrSize int) error {
	realFD, ok := p.lookupFD(targetFD)
	if !ok {
		return n.Skip()
	}
	addr, errno, err := p.vmReadSockAddr(n, addrPtr, addrSize)
	if err != nil {
		return fmt.Errorf("read peer addr: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}
	ret, errno := p.Surface.Connect(realFD, addr)
	return n.Return(uintptr(ret), errno)
}

func (p *Process) handleListen(n *seccomp.Notif, targetFD, backlog int) error {
	realFD, ok := p.lookupFD(targetFD)
	if !ok {
		return n.Skip()
	}
	ret, errno := p.Surface.Listen(realFD, backlog)
	return n.Return(uintptr(ret), errno)
}

func (p *Process) handleAccept(n *seccomp.Notif, targetFD int, addrPtr, addrSizePtr uintptr, flags int) error {
	realFD, ok := p.lookupFD(targetFD)
	if !ok {
		return n.Skip()
	}

	childFD, _, err := realcall.Accept4(realFD, flags)
	if err != nil {
		return n.Return(0, realcall.Errno(err))
	}

	peer, errno := p.Surface.Accept(realFD, childFD)
	if errno != 0 {
		realcall.Close(childFD)
		return n.Return(0, errno)
	}

	if addrPtr != 0 && addrSizePtr != 0 {
		werrno, werr := p.vmWriteSockAddr(n, peer, addrPtr, addrSizePtr)
		if werr != nil {
			return fmt.Errorf("write peer addr: %w", werr)
		}
		if werrno != 0 {
			return n.Return(0, werrno)
		}
	}

	if _, err := p.installFD(n, childFD, flags&unix.SOCK_CLOEXEC); err != nil {
		return fmt.Errorf("addfd: %w", err)
	}
	return nil
}

func (p *Process) handleClose(n *seccomp.Notif, targetFD int) error {
	realFD, ok := p.removeFD(targetFD)
	if !ok {
		return n.Skip()
	}
	handled, _, errno := p.Surface.Close(realFD)
	if !handled {
		realcall.Close(realFD)
	} else if errno != 0 {
		slog.Debug("socket close failed", "proc", p, "errno", errno)
	}
	// Let the kernel close the tracee's own fd table entry regardless; our
	// copy was closed above, by Surface.Close for a tracked socket (except an
	// activated one, whose fd is owned elsewhere) or directly otherwise.
	return n.Skip()
}

// handleDup2 mirrors the target's newFD onto whatever this process holds
// for oldFD, closing a socket the target already had open at newFD (real
// dup2 silently closes any prior newFD before installing the duplicate).
func (p *Process) handleDup2(n *seccomp.Notif, oldFD, newFD int) error {
	if oldFD == newFD {
		return n.Skip()
	}
	realFD, ok := p.lookupFD(oldFD)
	if !ok {
		return n.Skip()
	}
	if prevReal, existed := p.removeFD(newFD); existed {
		p.Surface.Close(prevReal)
	}
	p.registerFD(newFD, realFD)
	return n.Skip()
}

func (p *Process) handleGetsockopt(n *seccomp.Notif) error {
	// The option cache only replays options onto a freshly created UNIX
	// fd; it never needs to fabricate a read. A real getsockopt against
	// the real fd is accurate enough.
	return n.Skip()
}

func (p *Process) handleSetsockopt(n *seccomp.Notif, targetFD, level, optname int, valPtr uintptr, valLen int) error {
	realFD, ok := p.lookupFD(targetFD)
	if !ok {
		return n.Skip()
	}
	value, errno, err := p.vmReadBytes(n, valPtr, valLen)
	if err != nil {
		return fmt.Errorf("read sockopt value: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}
	handled, errno := p.Surface.Setsockopt(realFD, level, optname, value)
	if !handled {
		return n.Skip()
	}
	return n.Return(0, errno)
}

// ioctlArgSize bounds the fixed-size argument this system replays; only
// small option-style ioctls are meaningful to cache and replay onto a
// freshly created UNIX fd.
const ioctlArgSize = 16

func (p *Process) handleIoctl(n *seccomp.Notif, targetFD int, request uint, argPtr uintptr) error {
	realFD, ok := p.lookupFD(targetFD)
	if !ok {
		return n.Skip()
	}
	arg, errno, err := p.vmReadBytes(n, argPtr, ioctlArgSize)
	if err != nil {
		return fmt.Errorf("read ioctl arg: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}
	handled, errno := p.Surface.Ioctl(realFD, request, arg)
	if !handled {
		return n.Skip()
	}
	return n.Return(0, errno)
}

func (p *Process) handleGetsockname(n *seccomp.Notif, targetFD int, addrPtr, addrSizePtr uintptr) error {
	realFD, ok := p.lookupFD(targetFD)
	if !ok {
		return n.Skip()
	}
	addr, handled, errno := p.Surface.GetSockName(realFD)
	if !handled {
		return n.Skip()
	}
	if errno != 0 {
		return n.Return(0, errno)
	}
	if addrPtr == 0 || addrSizePtr == 0 {
		return n.Return(0, unix.EFAULT)
	}
	werrno, werr := p.vmWriteSockAddr(n, addr, addrPtr, addrSizePtr)
	if werr != nil {
		return fmt.Errorf("write sockname: %w", werr)
	}
	return n.Return(0, werrno)
}

func (p *Process) handleGetpeername(n *seccomp.Notif, targetFD int, addrPtr, addrSizePtr uintptr) error {
	realFD, ok := p.lookupFD(targetFD)
	if !ok {
		return n.Skip()
	}
	addr, handled, errno := p.Surface.GetPeerName(realFD)
	if !handled {
		return n.Skip()
	}
	if errno != 0 {
		return n.Return(0, errno)
	}
	if addrPtr == 0 || addrSizePtr == 0 {
		return n.Return(0, unix.EFAULT)
	}
	werrno, werr := p.vmWriteSockAddr(n, addr, addrPtr, addrSizePtr)
	if werr != nil {
		return fmt.Errorf("write peername: %w", werr)
	}
	return n.Return(0, werrno)
}

func (p *Process) handleSendto(n *seccomp.Notif, targetFD int, bufPtr uintptr, length, flags int, addrPtr uintptr, addrLen int) error {
	realFD, ok := p.lookupFD(targetFD)
	if !ok || addrPtr == 0 {
		return n.Skip()
	}

	addr, errno, err := p.vmReadSockAddr(n, addrPtr, addrLen)
	if err != nil {
		return fmt.Errorf("read dest addr: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}

	path, handled, errno := p.Surface.Sendto(realFD, addr)
	if !handled {
		return n.Skip()
	}
	if errno != 0 {
		return n.Return(0, errno)
	}

	buf, errno, err := p.vmReadBytes(n, bufPtr, length)
	if err != nil {
		return fmt.Errorf("read send buffer: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}

	sent, sendErr := realcall.Sendto(realFD, buf, flags, &unix.SockaddrUnix{Name: path})
	if sendErr != nil {
		return n.Return(0, realcall.Errno(sendErr))
	}
	return n.Return(uintptr(sent), 0)
}

func (p *Process) handleSendmsg(n *seccomp.Notif, targetFD int, msgPtr uintptr, flags int) error {
	realFD, ok := p.lookupFD(targetFD)
	if !ok {
		return n.Skip()
	}
	hdr, errno, err := p.vmReadMsgHdr(n, msgPtr)
	if err != nil {
		return fmt.Errorf("read msghdr: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}
	if hdr.namePtr == 0 || hdr.iovLen != 1 {
		return n.Skip()
	}

	addr, errno, err := p.vmReadSockAddr(n, hdr.namePtr, hdr.nameLen)
	if err != nil {
		return fmt.Errorf("read msg_name: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}

	path, handled, errno := p.Surface.Sendto(realFD, addr)
	if !handled {
		return n.Skip()
	}
	if errno != 0 {
		return n.Return(0, errno)
	}

	base, length, errno, err := p.vmReadSingleIovec(n, hdr.iovPtr)
	if err != nil {
		return fmt.Errorf("read iovec: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}
	buf, errno, err := p.vmReadBytes(n, base, length)
	if err != nil {
		return fmt.Errorf("read msg buffer: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}

	sent, sendErr := realcall.Sendto(realFD, buf, flags, &unix.SockaddrUnix{Name: path})
	if sendErr != nil {
		return n.Return(0, realcall.Errno(sendErr))
	}
	return n.Return(uintptr(sent), 0)
}

func (p *Process) handleRecvfrom(n *seccomp.Notif, targetFD int, bufPtr uintptr, length, flags int, addrPtr, addrSizePtr uintptr) error {
	realFD, ok := p.lookupFD(targetFD)
	if !ok || addrPtr == 0 {
		return n.Skip()
	}

	buf := make([]byte, length)
	got, from, err := realcall.Recvfrom(realFD, buf, flags)
	if err != nil {
		return n.Return(0, realcall.Errno(err))
	}

	var remotePath string
	if su, ok := from.(*unix.SockaddrUnix); ok {
		remotePath = su.Name
	}
	peer, handled, errno := p.Surface.Recvfrom(realFD, remotePath)
	if handled {
		if errno != 0 {
			return n.Return(0, errno)
		}
		werrno, werr := p.vmWriteSockAddr(n, peer, addrPtr, addrSizePtr)
		if werr != nil {
			return fmt.Errorf("write recvfrom peer: %w", werr)
		}
		if werrno != 0 {
			return n.Return(0, werrno)
		}
	}

	if werrno, werr := p.vmWriteBytes(n, bufPtr, buf[:got]); werr != nil {
		return fmt.Errorf("write recv buffer: %w", werr)
	} else if werrno != 0 {
		return n.Return(0, werrno)
	}
	return n.Return(uintptr(got), 0)
}

func (p *Process) handleRecvmsg(n *seccomp.Notif, targetFD int, msgPtr uintptr, flags int) error {
	realFD, ok := p.lookupFD(targetFD)
	if !ok {
		return n.Skip()
	}
	hdr, errno, err := p.vmReadMsgHdr(n, msgPtr)
	if err != nil {
		return fmt.Errorf("read msghdr: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}
	if hdr.namePtr == 0 || hdr.iovLen != 1 {
		return n.Skip()
	}

	base, length, errno, err := p.vmReadSingleIovec(n, hdr.iovPtr)
	if err != nil {
		return fmt.Errorf("read iovec: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}

	buf := make([]byte, length)
	got, from, recvErr := realcall.Recvfrom(realFD, buf, flags)
	if recvErr != nil {
		return n.Return(0, realcall.Errno(recvErr))
	}

	var remotePath string
	if su, ok := from.(*unix.SockaddrUnix); ok {
		remotePath = su.Name
	}
	peer, handled, errno := p.Surface.Recvfrom(realFD, remotePath)
	if handled {
		if errno != 0 {
			return n.Return(0, errno)
		}
		werrno, werr := p.vmWriteSockAddr(n, peer, hdr.namePtr, msgPtr+msghdrNamelenOff)
		if werr != nil {
			return fmt.Errorf("write msg_name: %w", werr)
		}
		if werrno != 0 {
			return n.Return(0, werrno)
		}
	}

	if werrno, werr := p.vmWriteBytes(n, base, buf[:got]); werr != nil {
		return fmt.Errorf("write msg buffer: %w", werr)
	} else if werrno != 0 {
		return n.Return(0, werrno)
	}
	return n.Return(uintptr(got), 0)
}

// Handlers maps a syscall number to its handler. Indexed directly by
// syscall number (not name) to keep the dispatch hot path a single slice
// lookup, matching the intercept surface's fixed, small syscall set.
var Handlers [512]func(*Process, *seccomp.Notif) error

func init() {
	Handlers[unix.SYS_SOCKET] = func(p *Process, n *seccomp.Notif) error {
		return p.handleSocket(n, int(n.Args[0]), int(n.Args[1]), int(n.Args[2]))
	}
	Handlers[unix.SYS_BIND] = func(p *Process, n *seccomp.Notif) error {
		return p.handleBind(n, int(int32(n.Args[0])), uintptr(n.Args[1]), int(n.Args[2]))
	}
	Handlers[unix.SYS_CONNECT] = func(p *Process, n *seccomp.Notif) error {
		return p.handleConnect(n, int(int32(n.Args[0])), uintptr(n.Args[1]), int(n.Args[2]))
	}
	Handlers[unix.SYS_LISTEN] = func(p *Process, n *seccomp.Notif) error {
		return p.handleListen(n, int(int32(n.Args[0])), int(n.Args[1]))
	}
	Handlers[unix.SYS_ACCEPT4] = func(p *Process, n *seccomp.Notif) error {
		return p.handleAccept(n, int(int32(n.Args[0])), uintptr(n.Args[1]), uintptr(n.Args[2]), int(n.Args[3]))
	}
	Handlers[unix.SYS_CLOSE] = func(p *Process, n *seccomp.Notif) error {
		return p.handleClose(n, int(int32(n.Args[0])))
	}
	Handlers[unix.SYS_DUP2] = func(p *Process, n *seccomp.Notif) error {
		return p.handleDup2(n, int(int32(n.Args[0])), int(int32(n.Args[1])))
	}
	Handlers[unix.SYS_SETSOCKOPT] = func(p *Process, n *seccomp.Notif) error {
		return p.handleSetsockopt(n, int(int32(n.Args[0])), int(n.Args[1]), int(n.Args[2]), uintptr(n.Args[3]), int(n.Args[4]))
	}
	Handlers[unix.SYS_GETSOCKOPT] = func(p *Process, n *seccomp.Notif) error {
		return p.handleGetsockopt(n)
	}
	Handlers[unix.SYS_IOCTL] = func(p *Process, n *seccomp.Notif) error {
		return p.handleIoctl(n, int(int32(n.Args[0])), uint(n.Args[1]), uintptr(n.Args[2]))
	}
	Handlers[unix.SYS_GETSOCKNAME] = func(p *Process, n *seccomp.Notif) error {
		return p.handleGetsockname(n, int(int32(n.Args[0])), uintptr(n.Args[1]), uintptr(n.Args[2]))
	}
	Handlers[unix.SYS_GETPEERNAME] = func(p *Process, n *seccomp.Notif) error {
		return p.handleGetpeername(n, int(int32(n.Args[0])), uintptr(n.Args[1]), uintptr(n.Args[2]))
	}
	Handlers[unix.SYS_SENDTO] = func(p *Process, n *seccomp.Notif) error {
		return p.handleSendto(n, int(int32(n.Args[0])), uintptr(n.Args[1]), int(n.Args[2]), int(n.Args[3]), uintptr(n.Args[4]), int(n.Args[5]))
	}
	Handlers[unix.SYS_SENDMSG] = func(p *Process, n *seccomp.Notif) error {
		return p.handleSendmsg(n, int(int32(n.Args[0])), uintptr(n.Args[1]), int(n.Args[2]))
	}
	Handlers[unix.SYS_RECVFROM] = func(p *Process, n *seccomp.Notif) error {
		return p.handleRecvfrom(n, int(int32(n.Args[0])), uintptr(n.Args[1]), int(n.Args[2]), int(n.Args[3]), uintptr(n.Args[4]), uintptr(n.Args[5]))
	}
	Handlers[unix.SYS_RECVMSG] = func(p *Process, n *seccomp.Notif) error {
		return p.handleRecvmsg(n, int(int32(n.Args[0])), uintptr(n.Args[1]), int(n.Args[2]))
	}
}
