package realcall

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrnoUnwrapsWrappedErrno(t *testing.T) {
	wrapped := fmt.Errorf("sockopt: replay entry 0 (setsockopt level=1 opt=2): %w", unix.EPERM)
	if got := Errno(wrapped); got != unix.EPERM {
		t.Fatalf("Errno(wrapped) = %v, want %v", got, unix.EPERM)
	}
}

func TestErrnoBareAndNil(t *testing.T) {
	if got := Errno(unix.ENOENT); got != unix.ENOENT {
		t.Fatalf("Errno(bare) = %v, want %v", got, unix.ENOENT)
	}
	if got := Errno(nil); got != 0 {
		t.Fatalf("Errno(nil) = %v, want 0", got)
	}
	if got := Errno(fmt.Errorf("no errno here")); got != unix.EIO {
		t.Fatalf("Errno(non-errno) = %v, want EIO", got)
	}
}
