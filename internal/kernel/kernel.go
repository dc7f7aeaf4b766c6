// Package kernel checks the running kernel's version against the minimum
// required for a given feature, since several intercept-surface behaviors
// (SECCOMP_ADDFD_FLAG_SEND, SECCOMP_FILTER_FLAG_WAIT_KILLABLE_RECV) are
// gated by kernel release.
package kernel

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var ErrUnsupportedVersion = fmt.Errorf("kernel: unsupported version")

// CheckVersion reports the running kernel's major/minor version and returns
// ErrUnsupportedVersion if it's older than want (given as "major.minor").
func CheckVersion(want string, log bool) (int, int, error) {
	wantMajor, wantMinor, err := parseMajorMinor(want)
	if err != nil {
		return 0, 0, fmt.Errorf("parse want: %w", err)
	}

	var buf unix.Utsname
	if err := unix.Uname(&buf); err != nil {
		return 0, 0, fmt.Errorf("uname: %w", err)
	}
	release := string(buf.Release[:bytes.IndexByte(buf.Release[:], 0)])
	if log {
		slog.Debug("parsed kernel release", "release", release)
	}

	gotMajor, gotMinor, err := parseMajorMinor(release)
	if err != nil {
		return 0, 0, fmt.Errorf("parse release %q: %w", release, err)
	}

	if gotMajor > wantMajor || (gotMajor == wantMajor && gotMinor >= wantMinor) {
		return gotMajor, gotMinor, nil
	}
	return gotMajor, gotMinor, ErrUnsupportedVersion
}

// HasCapability reports whether the calling thread's effective capability
// set includes cap (one of the unix.CAP_* constants).
func HasCapability(cap int) bool {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false
	}
	mask := (uint64(data[1].Effective) << 32) | uint64(data[0].Effective)
	return mask&(1<<uint(cap)) != 0
}

func parseMajorMinor(version string) (int, int, error) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("invalid version %q: not enough dots", version)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parse major: %w", err)
	}
	minorDigits := parts[1]
	for i, r := range minorDigits {
		if r < '0' || r > '9' {
			minorDigits = minorDigits[:i]
			break
		}
	}
	minor, err := strconv.Atoi(minorDigits)
	if err != nil {
		return 0, 0, fmt.Errorf("parse minor: %w", err)
	}
	return major, minor, nil
}
