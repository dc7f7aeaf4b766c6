// Package intercept implements the intercept surface (component H): thin
// adaptors between each intercepted syscall entry-point and the Socket
// registry. Every entry point looks up the fd and dispatches to the Socket
// method for a translated socket. For an fd it does not track, Socket,
// Bind, Connect and Listen make the real call themselves; GetSockName,
// GetPeerName, Sendto, Recvfrom, Setsockopt, Ioctl and Close report
// passthrough to their caller; Accept fails with EINVAL.
package intercept

import (
	"syscall"

	"golang.org/x/sys/unix"

	"ip2unix.dev/internal/realcall"
	"ip2unix.dev/internal/rules"
	"ip2unix.dev/internal/sockaddr"
	"ip2unix.dev/internal/socket"
)

// Surface holds the shared registry and active rule set for one
// intercepted process.
type Surface struct {
	Registry *socket.Registry
	Rules    []rules.Rule
	Glob     rules.GlobFunc
}

// New returns a Surface with a fresh registry over the given rule list.
func New(list []rules.Rule) *Surface {
	return &Surface{Registry: socket.NewRegistry(), Rules: list}
}

func sockRuleType(t socket.Type) rules.SockType {
	if t == socket.TypeUDP {
		return rules.UDP
	}
	return rules.TCP
}

func (s *Surface) match(dir rules.Direction, t socket.Type, addr sockaddr.SockAddr, fdName string) (rules.Rule, bool, error) {
	cand := rules.Candidate{
		Direction: dir,
		Type:      sockRuleType(t),
		Address:   addr.String(),
		Port:      addr.Port(),
		FDName:    fdName,
	}
	return rules.FirstMatch(s.Rules, cand, s.Glob)
}

func realBind(fd int, addr sockaddr.SockAddr) (int, syscall.Errno) {
	raw, err := addr.ToSockaddr()
	if err != nil {
		return -1, unix.EFAULT
	}
	if err := realcall.Bind(fd, raw); err != nil {
		return -1, realcall.Errno(err)
	}
	return 0, 0
}

func realConnect(fd int, addr sockaddr.SockAddr) (int, syscall.Errno) {
	raw, err := addr.ToSockaddr()
	if err != nil {
		return -1, unix.EFAULT
	}
	if err := realcall.Connect(fd, raw); err != nil {
		return -1, realcall.Errno(err)
	}
	return 0, 0
}

// Socket handles an intercepted socket(2). The real syscall always
// happens; a Socket is registered only for AF_INET/AF_INET6 with a
// TCP/UDP type. Anything else is a candidate for passthrough and is left
// unregistered.
func (s *Surface) Socket(domain, typ, protocol int) (int, syscall.Errno) {
	fd, err := realcall.Socket(domain, typ, protocol)
	if err != nil {
		return -1, realcall.Errno(err)
	}
	if (domain == unix.AF_INET || domain == unix.AF_INET6) && socket.TypeFromSockType(typ) != socket.TypeInvalid {
		s.Registry.Create(fd, domain, typ, protocol)
	}
	return fd, 0
}

// Bind handles an intercepted bind(2). Rule matching happens here with
// Incoming direction, since a bound socket is ordinarily the accepting
// side of a connection; a Socket whose bind matches no rule is detached
// from shadow translation for the rest of its lifetime.
func (s *Surface) Bind(fd int, addr sockaddr.SockAddr) (int, syscall.Errno) {
	sock, ok := s.Registry.Lookup(fd)
	if !ok {
		return realBind(fd, addr)
	}

	rule, matched, err := s.match(rules.Incoming, sock.Type, addr, "")
	if err != nil {
		return -1, unix.EFAULT
	}
	if !matched {
		s.Registry.Remove(fd)
		return realBind(fd, addr)
	}
	if rule.Reject {
		return -1, syscall.Errno(rule.RejectErrno)
	}
	if rule.Blackhole {
		return sock.Bind(addr, "", true)
	}
	return sock.Bind(addr, rule.SocketPath, false)
}

// Connect handles an intercepted connect(2), matching with Outgoing
// direction since a socket initiating a connection is the outbound side.
func (s *Surface) Connect(fd int, addr sockaddr.SockAddr) (int, syscall.Errno) {
	sock, ok := s.Registry.Lookup(fd)
	if !ok {
		return realConnect(fd, addr)
	}

	rule, matched, err := s.match(rules.Outgoing, sock.Type, addr, "")
	if err != nil {
		return -1, unix.EFAULT
	}
	if !matched {
		s.Registry.Remove(fd)
		return realConnect(fd, addr)
	}
	if rule.Reject {
		return -1, syscall.Errno(rule.RejectErrno)
	}
	return sock.Connect(addr, rule.SocketPath)
}

// Listen handles an intercepted listen(2): passthrough for an unregistered
// fd, otherwise Socket.Listen's activated-no-op rule applies.
func (s *Surface) Listen(fd, backlog int) (int, syscall.Errno) {
	sock, ok := s.Registry.Lookup(fd)
	if !ok {
		if err := realcall.Listen(fd, backlog); err != nil {
			return -1, realcall.Errno(err)
		}
		return 0, 0
	}
	return sock.Listen(backlog)
}

// Accept handles an intercepted accept4(2). realChildFD is the fd already
// produced by a real accept4 call against the listening Socket's
// underlying UNIX fd; Accept registers a child Socket for it and returns
// the fabricated peer address to write back to the caller.
func (s *Surface) Accept(listenFD, realChildFD int) (sockaddr.SockAddr, syscall.Errno) {
	sock, ok := s.Registry.Lookup(listenFD)
	if !ok {
		return sockaddr.SockAddr{}, unix.EINVAL
	}
	peer, _, errno := sock.Accept(realChildFD)
	return peer, errno
}

// GetSockName and GetPeerName handle intercepted getsockname(2)/
// getpeername(2); unregistered fds are the caller's responsibility to
// query directly, since the Surface has nothing fabricated to report.

func (s *Surface) GetSockName(fd int) (sockaddr.SockAddr, bool, syscall.Errno) {
	sock, ok := s.Registry.Lookup(fd)
	if !ok {
		return sockaddr.SockAddr{}, false, 0
	}
	addr, errno := sock.GetSockName()
	return addr, true, errno
}

func (s *Surface) GetPeerName(fd int) (sockaddr.SockAddr, bool, syscall.Errno) {
	sock, ok := s.Registry.Lookup(fd)
	if !ok {
		return sockaddr.SockAddr{}, false, 0
	}
	addr, errno := sock.GetPeerName()
	return addr, true, errno
}

// Sendto handles an intercepted sendto(2)/sendmsg(2) on a UDP socket,
// matching with Outgoing direction on first use exactly like Connect. The
// matched rule's socket_path template is then persisted on the Socket and
// reused for every later datagram — RewriteDest itself only bind()s once,
// so without a persisted template a second call would fall back to the
// socket's own local (blackhole) bind path instead of the destination's.
// It returns the UNIX destination path the caller should actually send
// the datagram's bytes to.
func (s *Surface) Sendto(fd int, addr sockaddr.SockAddr) (string, bool, syscall.Errno) {
	sock, ok := s.Registry.Lookup(fd)
	if !ok {
		return "", false, 0
	}

	if tmpl, ok := sock.SendTemplate(); ok {
		path, errno := sock.RewriteDest(addr, tmpl)
		return path, true, errno
	}

	rule, matched, err := s.match(rules.Outgoing, sock.Type, addr, "")
	if err != nil {
		return "", true, unix.EFAULT
	}
	if !matched {
		s.Registry.Remove(fd)
		return "", false, 0
	}
	if rule.Reject {
		return "", true, syscall.Errno(rule.RejectErrno)
	}
	sock.SetSendTemplate(rule.SocketPath)
	path, errno := sock.RewriteDest(addr, rule.SocketPath)
	return path, true, errno
}

// Recvfrom handles an intercepted recvfrom(2)/recvmsg(2): remotePath is
// the real UNIX peer path the kernel reported; Recvfrom returns the
// fabricated peer address to hand back to the caller.
func (s *Surface) Recvfrom(fd int, remotePath string) (sockaddr.SockAddr, bool, syscall.Errno) {
	sock, ok := s.Registry.Lookup(fd)
	if !ok {
		return sockaddr.SockAddr{}, false, 0
	}
	addr, errno := sock.RewriteSrc(remotePath)
	return addr, true, errno
}

// Setsockopt and Ioctl forward through the Socket's cache-on-success
// behavior for a registered fd, and act as a pure passthrough marker
// (ok=false) for an unregistered one.

func (s *Surface) Setsockopt(fd, level, optname int, value []byte) (bool, syscall.Errno) {
	sock, ok := s.Registry.Lookup(fd)
	if !ok {
		return false, 0
	}
	_, errno := sock.SetSockopt(level, optname, value)
	return true, errno
}

func (s *Surface) Ioctl(fd int, request uint, arg []byte) (bool, syscall.Errno) {
	sock, ok := s.Registry.Lookup(fd)
	if !ok {
		return false, 0
	}
	_, errno := sock.Ioctl(request, arg)
	return true, errno
}

// Activate adopts an externally pre-bound UNIX fd for a rule with
// SocketActivation set, matching the systemd-style activation flow.
func (s *Surface) Activate(fd, preMadeFD int, addr sockaddr.SockAddr, domain, typeArg, protocol int) (int, syscall.Errno) {
	sock, ok := s.Registry.Lookup(fd)
	if !ok {
		sock = s.Registry.Create(fd, domain, typeArg, protocol)
	}
	return sock.Activate(addr, preMadeFD)
}

// Close handles an intercepted close(2). An unregistered fd is closed for
// real directly by the caller (the Surface has no state to release).
func (s *Surface) Close(fd int) (bool, int, syscall.Errno) {
	sock, ok := s.Registry.Lookup(fd)
	if !ok {
		return false, 0, 0
	}
	ret, errno := sock.Close()
	return true, ret, errno
}
