package socket

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"ip2unix.dev/internal/sockaddr"
)

func newRealFD(t *testing.T, domain, typ int) int {
	t.Helper()
	fd, err := unix.Socket(domain, typ, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestRegistryLookupUntilClose(t *testing.T) {
	reg := NewRegistry()
	fd := newRealFD(t, unix.AF_INET, unix.SOCK_STREAM)

	s := reg.Create(fd, unix.AF_INET, unix.SOCK_STREAM, 0)
	got, ok := reg.Lookup(fd)
	if !ok || got != s {
		t.Fatalf("expected lookup to find the created socket")
	}

	s.Close()

	if _, ok := reg.Lookup(fd); ok {
		t.Fatalf("expected lookup to fail after close")
	}
}

func TestBindS1TCPServerPortZero(t *testing.T) {
	reg := NewRegistry()
	fd := newRealFD(t, unix.AF_INET, unix.SOCK_STREAM)
	s := reg.Create(fd, unix.AF_INET, unix.SOCK_STREAM, 0)

	dir := t.TempDir()
	addr := sockaddr.New4([4]byte{127, 0, 0, 1}, 0)
	tmpl := filepath.Join(dir, "svc-%p.sock")

	ret, errno := s.Bind(addr, tmpl, false)
	if errno != 0 {
		t.Fatalf("bind failed: %v", errno)
	}
	if ret != 0 {
		t.Fatalf("expected ret 0, got %d", ret)
	}

	if !s.IsBound() {
		t.Fatal("expected socket to be bound")
	}
	if s.IsBlackhole() {
		t.Fatal("first bind to a fresh path must not be a blackhole")
	}

	got, errno := s.GetSockName()
	if errno != 0 {
		t.Fatal(errno)
	}
	if !got.IsLoopback() || got.Port() == 0 {
		t.Fatalf("unexpected getsockname result: %+v", got)
	}

	if _, err := os.Stat(s.SockPath()); err != nil {
		t.Fatalf("expected unix socket file to exist: %v", err)
	}
}

func TestBindDuplicatePathCollapsesToBlackhole(t *testing.T) {
	reg := NewRegistry()
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "fixed.sock")

	fd1 := newRealFD(t, unix.AF_INET, unix.SOCK_STREAM)
	s1 := reg.Create(fd1, unix.AF_INET, unix.SOCK_STREAM, 0)
	if _, errno := s1.Bind(sockaddr.New4([4]byte{127, 0, 0, 1}, 9000), tmpl, false); errno != 0 {
		t.Fatal(errno)
	}

	fd2 := newRealFD(t, unix.AF_INET, unix.SOCK_STREAM)
	s2 := reg.Create(fd2, unix.AF_INET, unix.SOCK_STREAM, 0)
	if _, errno := s2.Bind(sockaddr.New4([4]byte{127, 0, 0, 1}, 9000), tmpl, false); errno != 0 {
		t.Fatal(errno)
	}

	if s1.IsBlackhole() {
		t.Fatal("first binder must not become a blackhole")
	}
	if !s2.IsBlackhole() {
		t.Fatal("second binder to the same path must become a blackhole")
	}
	if s1.SockPath() == s2.SockPath() {
		t.Fatal("blackhole socket must not share the first binder's path")
	}

	// Closing the blackhole side must not affect the first binder's path.
	s2.Close()
	if _, err := os.Stat(s1.SockPath()); err != nil {
		t.Fatalf("first binder's path should still exist: %v", err)
	}

	s1.Close()
	if _, err := os.Stat(s1.SockPath()); !os.IsNotExist(err) {
		t.Fatalf("expected first binder's path unlinked after its own close")
	}
}

func TestCloseUnlinksOwnedPath(t *testing.T) {
	reg := NewRegistry()
	dir := t.TempDir()
	fd := newRealFD(t, unix.AF_INET, unix.SOCK_STREAM)
	s := reg.Create(fd, unix.AF_INET, unix.SOCK_STREAM, 0)

	tmpl := filepath.Join(dir, "svc-%p.sock")
	if _, errno := s.Bind(sockaddr.New4([4]byte{127, 0, 0, 1}, 0), tmpl, false); errno != 0 {
		t.Fatal(errno)
	}
	path := s.SockPath()

	if _, errno := s.Close(); errno != 0 {
		t.Fatal(errno)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected path unlinked after close, err=%v", err)
	}
}

func TestActivatedCloseDoesNotUnlinkOrCloseRealFD(t *testing.T) {
	reg := NewRegistry()
	dir := t.TempDir()
	path := filepath.Join(dir, "activated.sock")

	preFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(preFD)
	if err := unix.Bind(preFD, &unix.SockaddrUnix{Name: path}); err != nil {
		t.Fatal(err)
	}

	targetFD := newRealFD(t, unix.AF_INET, unix.SOCK_STREAM)
	s := reg.Create(targetFD, unix.AF_INET, unix.SOCK_STREAM, 0)

	addr := sockaddr.New4([4]byte{0, 0, 0, 0}, 8080)
	if _, errno := s.Activate(addr, preFD); errno != 0 {
		t.Fatal(errno)
	}
	if !s.IsActivated() {
		t.Fatal("expected activated")
	}

	if _, errno := s.Close(); errno != 0 {
		t.Fatal(errno)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("activated close must not unlink the path: %v", err)
	}
	// preFD itself is still owned by the test and remains open; verifying
	// that is implicit in the deferred unix.Close(preFD) above not panicking.
}

func TestAcceptReservesListenerPortInChildPool(t *testing.T) {
	reg := NewRegistry()
	dir := t.TempDir()
	fd := newRealFD(t, unix.AF_INET, unix.SOCK_STREAM)
	s := reg.Create(fd, unix.AF_INET, unix.SOCK_STREAM, 0)

	tmpl := filepath.Join(dir, "svc.sock")
	addr := sockaddr.New4([4]byte{127, 0, 0, 1}, 9000)
	if _, errno := s.Bind(addr, tmpl, false); errno != 0 {
		t.Fatal(errno)
	}
	if err := unix.Listen(fd, 1); err != nil {
		t.Fatal(err)
	}

	clientFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(clientFD)
	if err := unix.Connect(clientFD, &unix.SockaddrUnix{Name: s.SockPath()}); err != nil {
		t.Fatal(err)
	}
	childFD, _, err := unix.Accept(fd)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(childFD)

	peer, child, errno := s.Accept(childFD)
	if errno != 0 {
		t.Fatal(errno)
	}
	if !peer.IsLoopback() {
		t.Fatalf("expected loopback peer for a loopback binding, got %+v", peer)
	}
	if !child.ports.IsReserved(9000) {
		t.Fatal("expected the listener's port reserved in the accepted child's own pool")
	}
}

func TestRewriteSrcStableAcrossCalls(t *testing.T) {
	reg := NewRegistry()
	fd := newRealFD(t, unix.AF_INET, unix.SOCK_DGRAM)
	s := reg.Create(fd, unix.AF_INET, unix.SOCK_DGRAM, 0)

	a, errno := s.RewriteSrc("/tmp/peer-a.sock")
	if errno != 0 {
		t.Fatal(errno)
	}
	b, errno := s.RewriteSrc("/tmp/peer-a.sock")
	if errno != 0 {
		t.Fatal(errno)
	}
	if a != b {
		t.Fatalf("expected stable synthesized address, got %v then %v", a, b)
	}

	c, errno := s.RewriteSrc("/tmp/peer-b.sock")
	if errno != 0 {
		t.Fatal(errno)
	}
	if c == a {
		t.Fatalf("distinct remote paths must not collide: %v", c)
	}
}

func TestRewriteDestUsesPeermapForKnownPeer(t *testing.T) {
	reg := NewRegistry()
	fd := newRealFD(t, unix.AF_INET, unix.SOCK_DGRAM)
	s := reg.Create(fd, unix.AF_INET, unix.SOCK_DGRAM, 0)

	peer, errno := s.RewriteSrc("/tmp/client.sock")
	if errno != 0 {
		t.Fatal(errno)
	}

	// A reply to the fabricated peer address must route straight back to
	// the real remote path, ignoring pathTemplate entirely.
	dest, errno := s.RewriteDest(peer, "/should/not/be/used-%p")
	if errno != 0 {
		t.Fatal(errno)
	}
	if dest != "/tmp/client.sock" {
		t.Fatalf("expected reply routed via peermap, got %q", dest)
	}
}

func TestImplicitBindingSetsBinding(t *testing.T) {
	reg := NewRegistry()
	dir := t.TempDir()
	fd := newRealFD(t, unix.AF_INET, unix.SOCK_DGRAM)
	s := reg.Create(fd, unix.AF_INET, unix.SOCK_DGRAM, 0)

	tmpl := filepath.Join(dir, "udp-%p")
	loopbackDest := sockaddr.New4([4]byte{127, 0, 0, 1}, 9000)
	if _, errno := s.RewriteDest(loopbackDest, tmpl); errno != 0 {
		t.Fatal(errno)
	}

	// getsockname must succeed once an implicit binding exists, not EFAULT.
	local, errno := s.GetSockName()
	if errno != 0 {
		t.Fatalf("GetSockName after implicit binding: %v", errno)
	}
	if !local.IsLoopback() {
		t.Fatalf("expected loopback-of-family binding for a loopback destination, got %+v", local)
	}

	// A loopback binding must synthesize a loopback peer host on recvfrom,
	// not a random one.
	peer, errno := s.RewriteSrc("/tmp/loopback-peer.sock")
	if errno != 0 {
		t.Fatal(errno)
	}
	if !peer.IsLoopback() {
		t.Fatalf("expected loopback-synthesized peer for a loopback binding, got %+v", peer)
	}
}

func TestRewriteDestReusesTemplateNotBindPath(t *testing.T) {
	reg := NewRegistry()
	dir := t.TempDir()
	fd := newRealFD(t, unix.AF_INET, unix.SOCK_DGRAM)
	s := reg.Create(fd, unix.AF_INET, unix.SOCK_DGRAM, 0)

	tmpl := filepath.Join(dir, "udp-%p")
	dst1 := sockaddr.New4([4]byte{10, 0, 0, 5}, 9000)
	first, errno := s.RewriteDest(dst1, tmpl)
	if errno != 0 {
		t.Fatal(errno)
	}
	if first != filepath.Join(dir, "udp-9000") {
		t.Fatalf("unexpected first destination: %q", first)
	}
	if !s.IsBound() {
		t.Fatal("expected implicit blackhole binding after first RewriteDest")
	}

	// A second, different destination must still format through the rule
	// template, never fall back to this socket's own local bind path.
	dst2 := sockaddr.New4([4]byte{10, 0, 0, 6}, 9001)
	second, errno := s.RewriteDest(dst2, tmpl)
	if errno != 0 {
		t.Fatal(errno)
	}
	if second != filepath.Join(dir, "udp-9001") {
		t.Fatalf("unexpected second destination: %q", second)
	}
	if second == s.SockPath() {
		t.Fatalf("second destination must not equal this socket's own bind path %q", s.SockPath())
	}
}
