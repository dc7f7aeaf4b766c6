package intercept

import (
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"ip2unix.dev/internal/rules"
	"ip2unix.dev/internal/sockaddr"
)

func newRealUDPFD(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestSendtoReusesMatchedTemplateAcrossDestinations(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "udp-%p")

	surface := New([]rules.Rule{{SocketPath: tmpl}})
	fd := newRealUDPFD(t)
	surface.Registry.Create(fd, unix.AF_INET, unix.SOCK_DGRAM, 0)

	dst1 := sockaddr.New4([4]byte{10, 0, 0, 5}, 9000)
	path1, ok, errno := surface.Sendto(fd, dst1)
	if !ok || errno != 0 {
		t.Fatalf("first Sendto: ok=%v errno=%v", ok, errno)
	}
	if want := filepath.Join(dir, "udp-9000"); path1 != want {
		t.Fatalf("first Sendto path = %q, want %q", path1, want)
	}

	sock, _ := surface.Registry.Lookup(fd)
	if !sock.IsBound() {
		t.Fatal("expected implicit blackhole binding after first Sendto")
	}

	// A second datagram to a different destination must format through the
	// same matched rule template, not this socket's own local bind path.
	dst2 := sockaddr.New4([4]byte{10, 0, 0, 6}, 9001)
	path2, ok, errno := surface.Sendto(fd, dst2)
	if !ok || errno != 0 {
		t.Fatalf("second Sendto: ok=%v errno=%v", ok, errno)
	}
	if want := filepath.Join(dir, "udp-9001"); path2 != want {
		t.Fatalf("second Sendto path = %q, want %q (not the local bind path %q)", path2, want, sock.SockPath())
	}
	if path2 == sock.SockPath() {
		t.Fatalf("second Sendto must not resolve to the socket's own bind path %q", sock.SockPath())
	}
}

func TestSendtoToKnownPeerRoutesViaPeermap(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "udp-%p")

	surface := New([]rules.Rule{{SocketPath: tmpl}})
	fd := newRealUDPFD(t)
	surface.Registry.Create(fd, unix.AF_INET, unix.SOCK_DGRAM, 0)
	sock, _ := surface.Registry.Lookup(fd)

	peer, errno := sock.RewriteSrc("/tmp/original-client.sock")
	if errno != 0 {
		t.Fatal(errno)
	}

	path, ok, errno := surface.Sendto(fd, peer)
	if !ok || errno != 0 {
		t.Fatalf("Sendto to known peer: ok=%v errno=%v", ok, errno)
	}
	if path != "/tmp/original-client.sock" {
		t.Fatalf("expected reply routed via peermap to the real remote path, got %q", path)
	}
}

func TestSendtoNoMatchDetachesSocket(t *testing.T) {
	surface := New(nil)
	fd := newRealUDPFD(t)
	surface.Registry.Create(fd, unix.AF_INET, unix.SOCK_DGRAM, 0)

	_, ok, errno := surface.Sendto(fd, sockaddr.New4([4]byte{10, 0, 0, 5}, 9000))
	if ok || errno != 0 {
		t.Fatalf("expected passthrough marker (false, 0), got ok=%v errno=%v", ok, errno)
	}
	if _, ok := surface.Registry.Lookup(fd); ok {
		t.Fatal("expected socket removed from the registry after a no-match")
	}
}
