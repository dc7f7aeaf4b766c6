package blackhole

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"ip2unix.dev/internal/realcall"
)

func TestCloseUnlinksOnlyIfCreated(t *testing.T) {
	h := New(t.TempDir())

	if err := h.Close(); err != nil {
		t.Fatalf("closing a never-created handle should not attempt unlink: %v", err)
	}
}

func TestCloseUnlinksCreatedPath(t *testing.T) {
	dir := t.TempDir()
	h := New(dir)

	fd, err := realcall.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer realcall.Close(fd)
	if err := realcall.Bind(fd, &unix.SockaddrUnix{Name: h.Path()}); err != nil {
		t.Fatal(err)
	}
	h.MarkCreated()

	if _, err := os.Stat(h.Path()); err != nil {
		t.Fatalf("expected file to exist before close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(h.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected path unlinked after close, stat err=%v", err)
	}
}

func TestUniquePaths(t *testing.T) {
	dir := t.TempDir()
	a, b := New(dir), New(dir)
	if a.Path() == b.Path() {
		t.Fatalf("expected distinct paths, got %s twice", a.Path())
	}
	if filepath.Dir(a.Path()) != dir {
		t.Fatalf("expected path under %s, got %s", dir, a.Path())
	}
}
