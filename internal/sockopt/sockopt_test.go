package sockopt

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"

	"ip2unix.dev/internal/realcall"
)

func TestReplayAppliesSolSocketOptions(t *testing.T) {
	fd, err := realcall.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer realcall.Close(fd)

	var c Cache
	one := make([]byte, 4)
	binary.LittleEndian.PutUint32(one, 1)
	c.RecordSetsockopt(unix.SOL_SOCKET, unix.SO_REUSEADDR, one)

	if err := c.Replay(fd); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	got, err := realcall.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR)
	if err != nil {
		t.Fatal(err)
	}
	if got == 0 {
		t.Fatalf("SO_REUSEADDR not applied by replay")
	}
}

func TestReplaySkipsIPLevelOptions(t *testing.T) {
	fd, err := realcall.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer realcall.Close(fd)

	var c Cache
	c.RecordSetsockopt(unix.IPPROTO_IP, unix.IP_TTL, []byte{64, 0, 0, 0})

	if err := c.Replay(fd); err != nil {
		t.Fatalf("replay of an IP-level option against a UNIX socket must be skipped, not fail: %v", err)
	}
}

func TestLenTracksRecordedEntries(t *testing.T) {
	var c Cache
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
	c.RecordSetsockopt(unix.SOL_SOCKET, unix.SO_REUSEADDR, []byte{1, 0, 0, 0})
	c.RecordIoctl(0x1234, []byte{0})
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
}
