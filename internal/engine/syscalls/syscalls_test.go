package syscalls

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestInterceptedMatchesNames(t *testing.T) {
	nrs := Intercepted()
	if len(nrs) != len(names) {
		t.Fatalf("Intercepted returned %d syscalls, want %d", len(nrs), len(names))
	}
	seen := make(map[int]bool, len(nrs))
	for _, nr := range nrs {
		seen[nr] = true
	}
	for name, nr := range names {
		if !seen[nr] {
			t.Errorf("Intercepted is missing %s (%d)", name, nr)
		}
	}
}

func TestGetName(t *testing.T) {
	if got := GetName(unix.SYS_BIND); got != "bind" {
		t.Errorf("GetName(SYS_BIND) = %q, want %q", got, "bind")
	}
	if got := GetName(999999); got == "" {
		t.Errorf("GetName of an unknown syscall number returned empty, want a fallback string")
	}
}
