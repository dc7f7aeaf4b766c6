// Package sockaddr provides a tagged-union address type spanning IPv4,
// IPv6, and UNIX-domain endpoints, along with the deterministic host
// synthesis rules used to fabricate credible-looking IP addresses on top of
// filesystem sockets.
package sockaddr

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Family identifies which arm of the tagged union a SockAddr occupies.
type Family int

const (
	V4 Family = iota
	V6
	Unix
)

func (f Family) String() string {
	switch f {
	case V4:
		return "v4"
	case V6:
		return "v6"
	case Unix:
		return "unix"
	default:
		return "invalid"
	}
}

// maxUnixPathLen is the largest path that fits in a Linux sockaddr_un
// (sun_path is 108 bytes including the trailing NUL).
const maxUnixPathLen = 107

// SockAddr is a tagged union over {IPv4, IPv6, UNIX}. The zero value is not
// meaningful; construct one via New4, New6, or NewUnix.
type SockAddr struct {
	family Family
	host   [16]byte // low 4 bytes significant for V4
	port   uint16
	path   string
}

// New4 builds an IPv4 SockAddr from a 4-byte host and a port.
func New4(host [4]byte, port uint16) SockAddr {
	var s SockAddr
	s.family = V4
	copy(s.host[:4], host[:])
	s.port = port
	return s
}

// New6 builds an IPv6 SockAddr from a 16-byte host and a port.
func New6(host [16]byte, port uint16) SockAddr {
	var s SockAddr
	s.family = V6
	s.host = host
	s.port = port
	return s
}

// NewUnix builds a UNIX-domain SockAddr bound to path. It fails if path
// exceeds the platform's sun_path capacity.
func NewUnix(path string) (SockAddr, error) {
	if len(path) > maxUnixPathLen {
		return SockAddr{}, fmt.Errorf("sockaddr: unix path %q exceeds %d bytes", path, maxUnixPathLen)
	}
	return SockAddr{family: Unix, path: path}, nil
}

// Parse infers the family from str: "ip:port" or bare "ip" parses as V4/V6
// (port defaults to 0), anything else is treated as a UNIX path.
func Parse(str string) (SockAddr, bool) {
	if ap, err := netip.ParseAddrPort(str); err == nil {
		return fromAddr(ap.Addr(), ap.Port()), true
	}
	if addr, err := netip.ParseAddr(str); err == nil {
		return fromAddr(addr, 0), true
	}
	if str == "" {
		return SockAddr{}, false
	}
	sa, err := NewUnix(str)
	if err != nil {
		return SockAddr{}, false
	}
	return sa, true
}

func fromAddr(addr netip.Addr, port uint16) SockAddr {
	if addr.Is4() || addr.Is4In6() {
		return New4(addr.As4(), port)
	}
	return New6(addr.As16(), port)
}

// Family reports which arm of the union sa occupies.
func (sa SockAddr) Family() Family { return sa.family }

// Host returns the address bytes: 4 for V4, 16 for V6, nil for Unix.
func (sa SockAddr) Host() []byte {
	switch sa.family {
	case V4:
		return append([]byte(nil), sa.host[:4]...)
	case V6:
		return append([]byte(nil), sa.host[:16]...)
	default:
		return nil
	}
}

// Port returns the numeric port, meaningless for Unix.
func (sa SockAddr) Port() uint16 { return sa.port }

// PortString renders the port, or "unknown" for Unix addresses.
func (sa SockAddr) PortString() string {
	if sa.family == Unix {
		return "unknown"
	}
	return fmt.Sprintf("%d", sa.port)
}

// Path returns the filesystem path for a Unix SockAddr, "" otherwise.
func (sa SockAddr) Path() string { return sa.path }

// WithPort returns a copy of sa with the port replaced.
func (sa SockAddr) WithPort(port uint16) SockAddr {
	sa.port = port
	return sa
}

// String renders sa's host in textual form, suitable for glob matching by
// the rule matcher. Unix addresses render their path; an invalid family
// renders as "unknown".
func (sa SockAddr) String() string {
	switch sa.family {
	case V4:
		return netip.AddrFrom4(sa.as4()).String()
	case V6:
		return netip.AddrFrom16(sa.host).String()
	case Unix:
		return sa.path
	default:
		return "unknown"
	}
}

func (sa SockAddr) as4() (out [4]byte) {
	copy(out[:], sa.host[:4])
	return out
}

// IsLoopback reports whether sa's host falls in 127.0.0.0/8 (V4) or is ::1
// (V6). Unix addresses are never loopback.
func (sa SockAddr) IsLoopback() bool {
	switch sa.family {
	case V4:
		return sa.host[0] == 127
	case V6:
		return netip.AddrFrom16(sa.host) == netip.MustParseAddr("::1")
	default:
		return false
	}
}

// WithLoopbackHost returns a copy of sa with the host replaced by the
// loopback address of the same family. It panics for Unix addresses.
func (sa SockAddr) WithLoopbackHost() SockAddr {
	switch sa.family {
	case V4:
		return New4([4]byte{127, 0, 0, 1}, sa.port)
	case V6:
		var h [16]byte
		h[15] = 1
		return New6(h, sa.port)
	default:
		panic("sockaddr: WithLoopbackHost on non-IP address")
	}
}

// WithCredentialHost deterministically derives a non-loopback host from a
// peer's credentials, so that repeated calls with identical (uid, gid, pid)
// yield an identical host — see DESIGN.md for the exact bit layout chosen.
//
// IPv4 reserves the top octet as 10 (never collides with real loopback or
// a literal config address) and fills the low 24 bits with a multiplicative
// mix of uid/gid/pid. IPv6 packs uid, gid, and pid verbatim into the low 96
// bits with a zero /32 prefix, matching the source spec's instruction for
// the wide family.
func (sa SockAddr) WithCredentialHost(uid, gid, pid uint32) SockAddr {
	switch sa.family {
	case V4:
		mix := pid*2654435761 ^ uid*40503 ^ gid*2246822519
		var h [4]byte
		h[0] = 10
		h[1] = byte(mix >> 16)
		h[2] = byte(mix >> 8)
		h[3] = byte(mix)
		return New4(h, sa.port)
	case V6:
		var h [16]byte
		binary.BigEndian.PutUint32(h[4:8], uid)
		binary.BigEndian.PutUint32(h[8:12], gid)
		binary.BigEndian.PutUint32(h[12:16], pid)
		return New6(h, sa.port)
	default:
		panic("sockaddr: WithCredentialHost on non-IP address")
	}
}

// WithRandomHost returns a copy of sa with a fresh, non-credential host
// unlikely to collide with any other synthesized address in this run.
func (sa SockAddr) WithRandomHost() SockAddr {
	salt := uuid.New()
	switch sa.family {
	case V4:
		var h [4]byte
		h[0] = 10
		copy(h[1:], salt[:3])
		return New4(h, sa.port)
	case V6:
		var h [16]byte
		copy(h[:], salt[:16])
		return New6(h, sa.port)
	default:
		panic("sockaddr: WithRandomHost on non-IP address")
	}
}

// ToSockaddr converts sa into the golang.org/x/sys/unix representation
// needed to issue a real bind/connect syscall.
func (sa SockAddr) ToSockaddr() (unix.Sockaddr, error) {
	switch sa.family {
	case V4:
		return &unix.SockaddrInet4{Port: int(sa.port), Addr: sa.as4()}, nil
	case V6:
		return &unix.SockaddrInet6{Port: int(sa.port), Addr: sa.host}, nil
	case Unix:
		return &unix.SockaddrUnix{Name: sa.path}, nil
	default:
		return nil, fmt.Errorf("sockaddr: invalid family")
	}
}

// FromRawBytes parses a raw sockaddr_in/sockaddr_in6 struct as laid out in
// a traced process's memory (native-endian family, big-endian port). It is
// the tracee-memory counterpart to FromSockaddr, which instead converts a
// value already decoded by this process's own syscalls.
func FromRawBytes(b []byte) (SockAddr, error) {
	if len(b) < 2 {
		return SockAddr{}, fmt.Errorf("sockaddr: truncated sockaddr (%d bytes)", len(b))
	}
	family := binary.LittleEndian.Uint16(b[0:2])
	switch family {
	case unix.AF_INET:
		if len(b) < int(unix.SizeofSockaddrInet4) {
			return SockAddr{}, fmt.Errorf("sockaddr: truncated sockaddr_in (%d bytes)", len(b))
		}
		port := binary.BigEndian.Uint16(b[2:4])
		var host [4]byte
		copy(host[:], b[4:8])
		return New4(host, port), nil
	case unix.AF_INET6:
		if len(b) < int(unix.SizeofSockaddrInet6) {
			return SockAddr{}, fmt.Errorf("sockaddr: truncated sockaddr_in6 (%d bytes)", len(b))
		}
		port := binary.BigEndian.Uint16(b[2:4])
		var host [16]byte
		copy(host[:], b[8:24])
		return New6(host, port), nil
	default:
		return SockAddr{}, fmt.Errorf("sockaddr: unsupported raw family %d", family)
	}
}

// FromSockaddr converts a golang.org/x/sys/unix sockaddr obtained from a
// real syscall (e.g. Getsockname on a temporary bind socket) back into a
// SockAddr.
func FromSockaddr(raw unix.Sockaddr) (SockAddr, error) {
	switch v := raw.(type) {
	case *unix.SockaddrInet4:
		return New4(v.Addr, uint16(v.Port)), nil
	case *unix.SockaddrInet6:
		return New6(v.Addr, uint16(v.Port)), nil
	case *unix.SockaddrUnix:
		return NewUnix(v.Name)
	default:
		return SockAddr{}, fmt.Errorf("sockaddr: unsupported sockaddr type %T", raw)
	}
}

// ApplyAddr writes sa's OS-visible sockaddr representation into buf and
// returns the number of bytes written and the family's true encoded
// length, matching getsockname(2)'s truncate-and-report-true-length
// convention. Unix addresses are not writable this way; callers doing an
// AF_UNIX ApplyAddr should use Path directly.
func (sa SockAddr) ApplyAddr(buf []byte) (written, trueLen int, err error) {
	switch sa.family {
	case V4:
		full := make([]byte, unix.SizeofSockaddrInet4)
		binary.LittleEndian.PutUint16(full[0:2], unix.AF_INET)
		binary.BigEndian.PutUint16(full[2:4], sa.port)
		copy(full[4:8], sa.host[:4])
		n := copy(buf, full)
		return n, len(full), nil
	case V6:
		full := make([]byte, unix.SizeofSockaddrInet6)
		binary.LittleEndian.PutUint16(full[0:2], unix.AF_INET6)
		binary.BigEndian.PutUint16(full[2:4], sa.port)
		copy(full[8:24], sa.host[:])
		n := copy(buf, full)
		return n, len(full), nil
	default:
		return 0, 0, fmt.Errorf("sockaddr: ApplyAddr not supported for family %s", sa.family)
	}
}
