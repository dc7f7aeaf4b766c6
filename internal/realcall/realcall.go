// Package realcall is the real-call gateway (component A): opaque access
// to the unintercepted OS socket primitives. Every function here bypasses
// the intercept layer entirely and preserves errno verbatim, so that
// higher layers can build fabricated semantics on top of genuine syscalls
// without ever recursing back into interception.
package realcall

import (
	"errors"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Socket creates a real socket and returns its fd or the errno.
func Socket(domain, typ, protocol int) (int, error) {
	fd, err := unix.Socket(domain, typ, protocol)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// Bind binds fd to sa.
func Bind(fd int, sa unix.Sockaddr) error {
	return unix.Bind(fd, sa)
}

// Connect connects fd to sa.
func Connect(fd int, sa unix.Sockaddr) error {
	return unix.Connect(fd, sa)
}

// Listen marks fd as a passive socket with the given backlog.
func Listen(fd, backlog int) error {
	return unix.Listen(fd, backlog)
}

// Accept4 accepts a connection on fd.
func Accept4(fd, flags int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, flags)
}

// Sendto sends buf to sa over fd.
func Sendto(fd int, buf []byte, flags int, sa unix.Sockaddr) (int, error) {
	if err := unix.Sendto(fd, buf, flags, sa); err != nil {
		return -1, err
	}
	return len(buf), nil
}

// Recvfrom reads into buf from fd, returning the byte count and the real
// peer sockaddr the kernel reported (an AF_UNIX path once translated).
func Recvfrom(fd int, buf []byte, flags int) (int, unix.Sockaddr, error) {
	n, from, err := unix.Recvfrom(fd, buf, flags)
	if err != nil {
		return -1, nil, err
	}
	return n, from, nil
}

// Close closes fd.
func Close(fd int) error {
	return unix.Close(fd)
}

// Dup2 duplicates oldfd onto newfd, atomically replacing whatever newfd
// previously referred to.
func Dup2(oldfd, newfd int) error {
	return unix.Dup2(oldfd, newfd)
}

// Unlink removes path, used for owned sockpath and blackhole cleanup.
// errno is returned verbatim so callers can preserve it across best-effort
// cleanup as the source spec requires.
func Unlink(path string) error {
	return unix.Unlink(path)
}

// GetsockoptBytes reads a raw socket option of the given length.
func GetsockoptBytes(fd, level, opt, length int) ([]byte, error) {
	buf := make([]byte, length)
	n := uint32(length)
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd), uintptr(level), uintptr(opt),
		uintptrFromBytes(buf), uintptrFromUint32(&n), 0)
	if errno != 0 {
		return nil, errno
	}
	return buf[:n], nil
}

// SetsockoptBytes applies a raw socket option.
func SetsockoptBytes(fd, level, opt int, value []byte) error {
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), uintptr(level), uintptr(opt),
		uintptrFromBytes(value), uintptr(len(value)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Ioctl issues a raw ioctl call with an opaque argument buffer.
func Ioctl(fd int, req uint, arg []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptrFromBytes(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// GetsockoptInt is a typed convenience wrapper (e.g. SO_ERROR retrieval).
func GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

// Getpeercred reads SO_PEERCRED off a UNIX socket, used to synthesize peer
// identity for non-loopback accepts.
func Getpeercred(fd int) (*unix.Ucred, error) {
	return unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
}

// Errno normalizes any error returned above into a syscall.Errno, 0 if err
// is nil, matching the (returnCode, errno) contract the intercept surface
// needs to faithfully reproduce syscall semantics. errors.As unwraps
// wrapped errors (e.g. sockopt.Cache.Replay's %w-annotated failures) so the
// caller observes the real errno instead of a generic EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

func uintptrFromBytes(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func uintptrFromUint32(v *uint32) uintptr {
	return uintptr(unsafe.Pointer(v))
}
