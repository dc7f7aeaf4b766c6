package sockaddr

import "testing"

func TestIsLoopback(t *testing.T) {
	cases := []struct {
		sa   SockAddr
		want bool
	}{
		{New4([4]byte{127, 0, 0, 1}, 80), true},
		{New4([4]byte{127, 255, 0, 9}, 80), true},
		{New4([4]byte{10, 0, 0, 5}, 80), false},
		{func() SockAddr { var h [16]byte; h[15] = 1; return New6(h, 0) }(), true},
		{New6([16]byte{}, 0), false},
	}
	for _, c := range cases {
		if got := c.sa.IsLoopback(); got != c.want {
			t.Errorf("%v.IsLoopback() = %v, want %v", c.sa, got, c.want)
		}
	}
}

func TestWithLoopbackHost(t *testing.T) {
	sa := New4([4]byte{10, 1, 2, 3}, 4000).WithLoopbackHost()
	if !sa.IsLoopback() {
		t.Fatalf("expected loopback, got %s", sa)
	}
	if sa.Port() != 4000 {
		t.Fatalf("port not preserved: got %d", sa.Port())
	}
}

func TestCredentialHostDeterministic(t *testing.T) {
	base := New4([4]byte{}, 0)
	a := base.WithCredentialHost(1000, 1000, 42)
	b := base.WithCredentialHost(1000, 1000, 42)
	if a.String() != b.String() {
		t.Fatalf("credential host not stable: %s != %s", a, b)
	}
	c := base.WithCredentialHost(1000, 1000, 43)
	if a.String() == c.String() {
		t.Fatalf("distinct pid produced identical host: %s", a)
	}
	if a.IsLoopback() {
		t.Fatalf("credential host must not be loopback: %s", a)
	}
}

func TestCredentialHostV6FullEntropy(t *testing.T) {
	base := New6([16]byte{}, 0)
	a := base.WithCredentialHost(11, 22, 33)
	b := base.WithCredentialHost(11, 22, 34)
	if a.String() == b.String() {
		t.Fatalf("v6 credential host collided across distinct pid")
	}
}

func TestParseRoundTrip(t *testing.T) {
	sa, ok := Parse("127.0.0.1:8080")
	if !ok {
		t.Fatal("expected parse success")
	}
	if sa.Family() != V4 || sa.Port() != 8080 {
		t.Fatalf("got family=%s port=%d", sa.Family(), sa.Port())
	}

	sa, ok = Parse("/tmp/svc.sock")
	if !ok || sa.Family() != Unix || sa.Path() != "/tmp/svc.sock" {
		t.Fatalf("unix parse failed: %+v", sa)
	}
}

func TestNewUnixPathTooLong(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := NewUnix(string(long)); err == nil {
		t.Fatal("expected error for oversized unix path")
	}
}

func TestFromRawBytesRoundTripsApplyAddr(t *testing.T) {
	sa := New4([4]byte{10, 0, 0, 1}, 8080)
	buf := make([]byte, 16)
	if _, _, err := sa.ApplyAddr(buf); err != nil {
		t.Fatal(err)
	}
	got, err := FromRawBytes(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != sa.String() || got.Port() != sa.Port() {
		t.Fatalf("round trip mismatch: got %v, want %v", got, sa)
	}
}

func TestFromRawBytesRejectsTruncated(t *testing.T) {
	if _, err := FromRawBytes([]byte{0x02, 0x00}); err == nil {
		t.Fatal("expected error for truncated sockaddr_in")
	}
}

func TestApplyAddrTruncation(t *testing.T) {
	sa := New4([4]byte{10, 0, 0, 1}, 443)
	buf := make([]byte, 4)
	n, trueLen, err := sa.ApplyAddr(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("expected truncated write of 4, got %d", n)
	}
	if trueLen != 16 {
		t.Fatalf("expected true length 16 (sizeof sockaddr_in), got %d", trueLen)
	}
}
