// Package socket implements the socket registry and per-fd Socket shadow
// state (component G): the orchestration layer that turns IP-socket
// operations into UNIX-socket operations, consulting the rule matcher,
// address abstraction, port allocator, option cache, and blackhole sink
// along the way.
package socket

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"ip2unix.dev/internal/blackhole"
	"ip2unix.dev/internal/ports"
	"ip2unix.dev/internal/realcall"
	"ip2unix.dev/internal/sockaddr"
	"ip2unix.dev/internal/sockopt"
)

// Type is the derived socket type this system understands. Anything else
// (raw sockets, SOCK_SEQPACKET, ...) is TypeInvalid and never wrapped.
type Type int

const (
	TypeInvalid Type = iota
	TypeTCP
	TypeUDP
)

func (t Type) String() string {
	switch t {
	case TypeTCP:
		return "tcp"
	case TypeUDP:
		return "udp"
	default:
		return "unknown"
	}
}

const sockTypeFlagsMask = unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC

// TypeFromSockType derives Type from a raw socket(2) type argument,
// ignoring the SOCK_NONBLOCK/SOCK_CLOEXEC flag bits.
func TypeFromSockType(sockType int) Type {
	switch sockType &^ sockTypeFlagsMask {
	case unix.SOCK_STREAM:
		return TypeTCP
	case unix.SOCK_DGRAM:
		return TypeUDP
	default:
		return TypeInvalid
	}
}

// immutable is the per-Socket state that transitions atomically between
// the state machine's nodes. It is swapped as a whole via compare-and-swap
// so that readers (getsockname, getpeername, LogValue) never observe a
// torn combination of fields.
type immutable struct {
	isUnix      bool
	bound       bool
	activated   bool
	isBlackhole bool
	closed      bool
	binding     *sockaddr.SockAddr
	connection  *sockaddr.SockAddr
	sockpath    string
}

// Socket is the per-fd shadow state tracked for each intercepted descriptor.
// FD is the single real descriptor number this Socket operates on
// throughout its lifetime: like the original ip2unix, this system dup2s
// the fabricated UNIX socket over the same descriptor the caller already
// holds, rather than handing back a different number.
type Socket struct {
	FD       int
	Domain   int
	TypeArg  int
	Protocol int
	Type     Type

	reg *Registry

	current atomic.Pointer[immutable]

	mu              sync.Mutex
	sockopts        sockopt.Cache
	ports           *ports.Pool
	peermap         map[sockaddr.SockAddr]string
	revpeermap      map[string]sockaddr.SockAddr
	blackholeRef    *blackhole.Handle
	sendTemplate    string
	hasSendTemplate bool
}

func newSocket(reg *Registry, fd, domain, typeArg, protocol int) *Socket {
	s := &Socket{
		FD:         fd,
		Domain:     domain,
		TypeArg:    typeArg,
		Protocol:   protocol,
		Type:       TypeFromSockType(typeArg),
		reg:        reg,
		ports:      ports.New(),
		peermap:    make(map[sockaddr.SockAddr]string),
		revpeermap: make(map[string]sockaddr.SockAddr),
	}
	s.current.Store(&immutable{})
	runtime.SetFinalizer(s, finalizeSocket)
	return s
}

func (s *Socket) swap(fn func(immutable) immutable) *immutable {
	for {
		old := s.current.Load()
		next := fn(*old)
		if s.current.CompareAndSwap(old, &next) {
			return &next
		}
	}
}

// LogValue lets a Socket render as structured fields under slog.
func (s *Socket) LogValue() slog.Value {
	cur := s.current.Load()
	return slog.GroupValue(
		slog.Int("fd", s.FD),
		slog.String("type", s.Type.String()),
		slog.Bool("unix", cur.isUnix),
		slog.Bool("bound", cur.bound),
		slog.Bool("activated", cur.activated),
		slog.Bool("blackhole", cur.isBlackhole),
		slog.Bool("closed", cur.closed),
	)
}

func (s *Socket) IsUnix() bool      { return s.current.Load().isUnix }
func (s *Socket) IsBound() bool     { return s.current.Load().bound }
func (s *Socket) IsActivated() bool { return s.current.Load().activated }
func (s *Socket) IsBlackhole() bool { return s.current.Load().isBlackhole }
func (s *Socket) IsClosed() bool    { return s.current.Load().closed }
func (s *Socket) SockPath() string  { return s.current.Load().sockpath }

func (s *Socket) rawSockType() int {
	base := unix.SOCK_STREAM
	if s.Type == TypeUDP {
		base = unix.SOCK_DGRAM
	}
	return base | (s.TypeArg & sockTypeFlagsMask)
}

// MakeUnix is idempotent: if the Socket is already backed by a UNIX fd, it
// returns success immediately. Otherwise it creates (preMadeFD < 0) or
// adopts (preMadeFD >= 0) an AF_UNIX socket of the same SOCK_* type,
// replays the recorded option cache onto it, and atomically dup2s it over
// the Socket's fd so the descriptor number the caller holds keeps working.
func (s *Socket) MakeUnix(preMadeFD int) syscall.Errno {
	if s.current.Load().isUnix {
		return 0
	}

	workFD := preMadeFD
	owned := false
	if workFD < 0 {
		fd, err := realcall.Socket(unix.AF_UNIX, s.rawSockType(), 0)
		if err != nil {
			return realcall.Errno(err)
		}
		workFD = fd
		owned = true
	}

	s.mu.Lock()
	replayErr := s.sockopts.Replay(workFD)
	s.mu.Unlock()
	if replayErr != nil {
		if owned {
			realcall.Close(workFD)
		}
		return realcall.Errno(replayErr)
	}

	if workFD != s.FD {
		if err := realcall.Dup2(workFD, s.FD); err != nil {
			if owned {
				realcall.Close(workFD)
			}
			return realcall.Errno(err)
		}
		if owned {
			realcall.Close(workFD)
		}
	}

	s.swap(func(i immutable) immutable {
		i.isUnix = true
		return i
	})
	return 0
}

// Bind performs the bind() steps: switch to a
// UNIX socket, allocate a port if none was given, format the path
// template, and either claim it in the process-wide path-registry or fall
// back to a blackhole on collision. forceBlackhole makes the fallback
// unconditional, for rules that name blackhole explicitly rather than a
// socket_path template.
func (s *Socket) Bind(addr sockaddr.SockAddr, pathTemplate string, forceBlackhole bool) (int, syscall.Errno) {
	if errno := s.MakeUnix(-1); errno != 0 {
		return -1, errno
	}

	portWasZero := addr.Port() == 0
	if portWasZero {
		port, err := s.ports.Acquire()
		if err != nil {
			return -1, unix.EADDRNOTAVAIL
		}
		addr = addr.WithPort(port)
	}

	goBlackhole := forceBlackhole || s.current.Load().isBlackhole

	var path string
	if !goBlackhole {
		path = FormatPath(pathTemplate, addr.String(), addr.PortString(), s.Type)
		if path == "" {
			return -1, unix.EFAULT
		}
		if !s.reg.claimPath(path, s) {
			goBlackhole = true
		}
	}

	var bh *blackhole.Handle
	bindPath := path
	if goBlackhole {
		bh = blackhole.New("")
		bindPath = bh.Path()
	}

	if err := realcall.Bind(s.FD, &unix.SockaddrUnix{Name: bindPath}); err != nil {
		if !goBlackhole {
			s.reg.releasePath(path, s)
		}
		return -1, realcall.Errno(err)
	}

	if goBlackhole {
		bh.MarkCreated()
		s.mu.Lock()
		s.blackholeRef = bh
		s.mu.Unlock()
	} else if !portWasZero {
		s.ports.Reserve(addr.Port())
	}

	s.swap(func(i immutable) immutable {
		i.bound = true
		i.isBlackhole = goBlackhole
		b := addr
		i.binding = &b
		i.sockpath = bindPath
		return i
	})

	return 0, 0
}

// ensureImplicitBinding gives an unbound UDP socket a blackhole identity
// before it can send, per the sendto/connect implicit-binding rule. addr is
// the destination this send is headed to, used to fabricate the local
// binding exactly like an explicit bind would (loopback-of-family for a
// loopback destination, else credential-derived) so that getsockname and a
// later RewriteSrc loopback check both see a real binding, not none.
func (s *Socket) ensureImplicitBinding(addr sockaddr.SockAddr) syscall.Errno {
	if s.current.Load().bound {
		return 0
	}
	if errno := s.MakeUnix(-1); errno != 0 {
		return errno
	}

	bh := blackhole.New("")
	if err := realcall.Bind(s.FD, &unix.SockaddrUnix{Name: bh.Path()}); err != nil {
		return realcall.Errno(err)
	}
	bh.MarkCreated()

	binding := s.CreateBinding(addr)

	s.mu.Lock()
	s.blackholeRef = bh
	s.mu.Unlock()

	s.swap(func(i immutable) immutable {
		i.bound = true
		i.isBlackhole = true
		i.sockpath = bh.Path()
		b := binding
		i.binding = &b
		return i
	})
	return 0
}

// RewriteDest implements sendto/sendmsg destination rewriting: it resolves
// the UNIX path a UDP datagram to addr should be sent to. addr previously
// handed out by RewriteSrc (a peer this socket already received a datagram
// from) routes straight back to its recorded real remote path via peermap;
// anything else formats pathTemplate against addr, creating an implicit
// blackhole binding first if this socket has never bound.
func (s *Socket) RewriteDest(addr sockaddr.SockAddr, pathTemplate string) (string, syscall.Errno) {
	s.mu.Lock()
	remote, known := s.peermap[addr]
	s.mu.Unlock()
	if known {
		return remote, 0
	}

	if errno := s.ensureImplicitBinding(addr); errno != 0 {
		return "", errno
	}
	path := FormatPath(pathTemplate, addr.String(), addr.PortString(), s.Type)
	if path == "" {
		return "", unix.EFAULT
	}
	return path, 0
}

// SendTemplate returns the socket_path template matched for this Socket's
// first outgoing sendto/sendmsg, if any. Reusing it for later datagrams
// (rather than the socket's own local blackhole bind path) is what lets a
// UDP client address a second, later, or different destination correctly.
func (s *Socket) SendTemplate() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendTemplate, s.hasSendTemplate
}

// SetSendTemplate records the socket_path template matched for this
// Socket's outgoing direction, for SendTemplate to return on later calls.
func (s *Socket) SetSendTemplate(tmpl string) {
	s.mu.Lock()
	s.sendTemplate = tmpl
	s.hasSendTemplate = true
	s.mu.Unlock()
}

// CreateBinding fabricates a local address for an outbound connect that
// never bound explicitly: loopback-of-family if addr is loopback, else
// derived from this process's own credentials.
func (s *Socket) CreateBinding(addr sockaddr.SockAddr) sockaddr.SockAddr {
	local := s.zeroAddr()
	if addr.IsLoopback() {
		local = local.WithLoopbackHost()
	} else {
		uid, gid, pid := ownCredentials()
		local = local.WithCredentialHost(uid, gid, pid)
	}
	port, err := s.ports.Acquire()
	if err != nil {
		port = 0
	}
	return local.WithPort(port)
}

func (s *Socket) zeroAddr() sockaddr.SockAddr {
	if s.Domain == unix.AF_INET {
		return sockaddr.New4([4]byte{}, 0)
	}
	return sockaddr.New6([16]byte{}, 0)
}

// Connect performs the connect() branches.
func (s *Socket) Connect(addr sockaddr.SockAddr, pathTemplate string) (int, syscall.Errno) {
	if s.Type == TypeUDP && !s.current.Load().bound {
		destPath, errno := s.RewriteDest(addr, pathTemplate)
		if errno != 0 {
			return -1, errno
		}
		if err := realcall.Connect(s.FD, &unix.SockaddrUnix{Name: destPath}); err != nil {
			return -1, realcall.Errno(err)
		}
		s.swap(func(i immutable) immutable {
			c := addr
			i.connection = &c
			i.sockpath = destPath
			return i
		})
		return 0, 0
	}

	if addr.Port() == 0 {
		return -1, unix.EADDRNOTAVAIL
	}

	path := FormatPath(pathTemplate, addr.String(), addr.PortString(), s.Type)
	if errno := s.MakeUnix(-1); errno != 0 {
		return -1, errno
	}
	if err := realcall.Connect(s.FD, &unix.SockaddrUnix{Name: path}); err != nil {
		return -1, realcall.Errno(err)
	}

	if !s.current.Load().bound {
		binding := s.CreateBinding(addr)
		s.ports.Reserve(addr.Port())
		s.swap(func(i immutable) immutable {
			i.bound = true
			b := binding
			i.binding = &b
			return i
		})
	}

	s.swap(func(i immutable) immutable {
		c := addr
		i.connection = &c
		i.sockpath = path
		return i
	})
	return 0, 0
}

// Accept performs the accept() steps. childFD is
// the real fd of the connection already accepted by the intercept surface
// on this Socket's underlying UNIX listener.
func (s *Socket) Accept(childFD int) (sockaddr.SockAddr, *Socket, syscall.Errno) {
	cur := s.current.Load()
	if !cur.bound || cur.binding == nil {
		return sockaddr.SockAddr{}, nil, unix.EINVAL
	}

	var peer sockaddr.SockAddr
	if cur.binding.IsLoopback() {
		peer = cur.binding.WithLoopbackHost()
	} else {
		ucred, err := realcall.Getpeercred(childFD)
		if err != nil {
			return sockaddr.SockAddr{}, nil, realcall.Errno(err)
		}
		peer = cur.binding.WithCredentialHost(ucred.Uid, ucred.Gid, uint32(ucred.Pid))
	}

	port, err := s.ports.Acquire()
	if err != nil {
		return sockaddr.SockAddr{}, nil, unix.EADDRNOTAVAIL
	}
	peer = peer.WithPort(port)

	child := s.reg.Create(childFD, s.Domain, s.TypeArg, s.Protocol)
	child.ports.Reserve(cur.binding.Port())
	child.swap(func(i immutable) immutable {
		i.isUnix = true
		i.bound = true
		b := *cur.binding
		i.binding = &b
		c := peer
		i.connection = &c
		return i
	})

	return peer, child, 0
}

// GetSockName returns the fabricated local address, or EFAULT if the
// Socket has never bound.
func (s *Socket) GetSockName() (sockaddr.SockAddr, syscall.Errno) {
	cur := s.current.Load()
	if cur.binding == nil {
		return sockaddr.SockAddr{}, unix.EFAULT
	}
	return *cur.binding, 0
}

// GetPeerName returns the fabricated remote address, or EFAULT if the
// Socket has no recorded connection.
func (s *Socket) GetPeerName() (sockaddr.SockAddr, syscall.Errno) {
	cur := s.current.Load()
	if cur.connection == nil {
		return sockaddr.SockAddr{}, unix.EFAULT
	}
	return *cur.connection, 0
}

// Listen is a no-op returning success for an activated (externally
// pre-bound) socket, otherwise forwards to the real call.
func (s *Socket) Listen(backlog int) (int, syscall.Errno) {
	if s.current.Load().activated {
		return 0, 0
	}
	if err := realcall.Listen(s.FD, backlog); err != nil {
		return -1, realcall.Errno(err)
	}
	return 0, 0
}

// RewriteSrc implements recvfrom/recvmsg source rewriting: given the real
// UNIX peer path reported by the kernel, it returns a stable fabricated
// peer address, synthesizing and recording one on first sight.
func (s *Socket) RewriteSrc(remotePath string) (sockaddr.SockAddr, syscall.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr, ok := s.revpeermap[remotePath]; ok {
		return addr, 0
	}

	cur := s.current.Load()
	base := s.zeroAddr()
	if cur.binding != nil && cur.binding.IsLoopback() {
		base = base.WithLoopbackHost()
	} else {
		base = base.WithRandomHost()
	}

	port, err := s.ports.Acquire()
	if err != nil {
		return sockaddr.SockAddr{}, unix.EADDRNOTAVAIL
	}
	base = base.WithPort(port)

	s.peermap[base] = remotePath
	s.revpeermap[remotePath] = base
	return base, 0
}

// SetSockopt forwards to the real setsockopt and, while the Socket has not
// yet switched to a live UNIX fd, records the option for replay.
func (s *Socket) SetSockopt(level, optname int, value []byte) (int, syscall.Errno) {
	if err := realcall.SetsockoptBytes(s.FD, level, optname, value); err != nil {
		return -1, realcall.Errno(err)
	}
	if !s.current.Load().isUnix {
		s.mu.Lock()
		s.sockopts.RecordSetsockopt(level, optname, value)
		s.mu.Unlock()
	}
	return 0, 0
}

// Ioctl forwards to the real ioctl and records it for replay under the
// same not-yet-UNIX condition as SetSockopt.
func (s *Socket) Ioctl(request uint, arg []byte) (int, syscall.Errno) {
	if err := realcall.Ioctl(s.FD, request, arg); err != nil {
		return -1, realcall.Errno(err)
	}
	if !s.current.Load().isUnix {
		s.mu.Lock()
		s.sockopts.RecordIoctl(request, arg)
		s.mu.Unlock()
	}
	return 0, 0
}

// Activate adopts an externally-supplied pre-bound UNIX fd as this
// Socket's underlying fd.
func (s *Socket) Activate(addr sockaddr.SockAddr, preMadeFD int) (int, syscall.Errno) {
	if errno := s.MakeUnix(preMadeFD); errno != 0 {
		return -1, errno
	}
	s.swap(func(i immutable) immutable {
		i.bound = true
		i.activated = true
		b := addr
		i.binding = &b
		return i
	})
	return 0, 0
}

// Close performs close() semantics: an
// activated Socket's underlying fd is never closed here (ownership
// belongs elsewhere); otherwise the real fd is closed and, if this Socket
// owned its sockpath and is not a blackhole, the path is unlinked and
// released from the path-registry. The Socket is always removed from the
// fd registry.
func (s *Socket) Close() (int, syscall.Errno) {
	cur := s.current.Load()
	if cur.closed {
		return 0, 0
	}

	if cur.activated {
		s.swap(func(i immutable) immutable { i.closed = true; return i })
		s.reg.Remove(s.FD)
		return 0, 0
	}

	err := realcall.Close(s.FD)

	if cur.bound && !cur.isBlackhole && cur.sockpath != "" {
		s.reg.mu.Lock()
		owned := s.reg.paths[cur.sockpath] == s
		if owned {
			delete(s.reg.paths, cur.sockpath)
		}
		s.reg.mu.Unlock()
		if owned {
			realcall.Unlink(cur.sockpath)
		}
	}

	s.mu.Lock()
	bh := s.blackholeRef
	s.mu.Unlock()
	if bh != nil {
		bh.Close()
	}

	s.swap(func(i immutable) immutable { i.closed = true; return i })
	s.reg.Remove(s.FD)

	if err != nil {
		return -1, realcall.Errno(err)
	}
	return 0, 0
}

// finalizeSocket is the best-effort backstop for a Socket dropped without
// Close ever firing: unlink the sockpath so a leaked shadow socket doesn't
// leave an orphaned path claim behind, mirroring the original's destructor
// (Socket::~Socket, socket.cc). Unlike a C++ destructor, this only fires
// when the garbage collector reclaims the Socket, never on process exit, so
// it narrows the leak window rather than closing it outright.
func finalizeSocket(s *Socket) {
	cur := s.current.Load()
	if cur.closed || cur.activated || !cur.bound || cur.sockpath == "" {
		return
	}
	realcall.Unlink(cur.sockpath)
}
