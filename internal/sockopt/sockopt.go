// Package sockopt records successful setsockopt/ioctl calls so they can be
// replayed onto a freshly-created UNIX socket during the IP-to-UNIX
// switch (component E).
package sockopt

import (
	"fmt"

	"golang.org/x/sys/unix"

	"ip2unix.dev/internal/realcall"
)

type kind int

const (
	kindSetsockopt kind = iota
	kindIoctl
)

type entry struct {
	kind    kind
	level   int // setsockopt only
	optname int // setsockopt only
	request uint
	value   []byte
}

// Cache is an ordered, insertion-order replay log. The zero value is
// ready to use.
type Cache struct {
	entries []entry
}

// levelInvalidOnUnix reports whether level names an IP/TCP option that
// cannot be set on an AF_UNIX socket and so must be dropped on replay.
// SOL_SOCKET options are always kept.
func levelInvalidOnUnix(level int) bool {
	switch level {
	case unix.IPPROTO_IP, unix.IPPROTO_IPV6, unix.IPPROTO_TCP:
		return true
	default:
		return false
	}
}

// RecordSetsockopt appends a successful setsockopt call to the cache.
func (c *Cache) RecordSetsockopt(level, optname int, value []byte) {
	c.entries = append(c.entries, entry{
		kind:    kindSetsockopt,
		level:   level,
		optname: optname,
		value:   append([]byte(nil), value...),
	})
}

// RecordIoctl appends a successful ioctl call to the cache.
func (c *Cache) RecordIoctl(request uint, arg []byte) {
	c.entries = append(c.entries, entry{
		kind:    kindIoctl,
		request: request,
		value:   append([]byte(nil), arg...),
	})
}

// Replay re-applies every recorded option to dstFD, in insertion order,
// skipping setsockopt entries whose level is invalid on a UNIX socket.
// It returns success iff every attempted replay succeeds; on the first
// failure it stops and returns that error, leaving dstFD partially
// configured (the caller's make_unix, in turn, fails the whole operation).
func (c *Cache) Replay(dstFD int) error {
	for i, e := range c.entries {
		switch e.kind {
		case kindSetsockopt:
			if levelInvalidOnUnix(e.level) {
				continue
			}
			if err := realcall.SetsockoptBytes(dstFD, e.level, e.optname, e.value); err != nil {
				return fmt.Errorf("sockopt: replay entry %d (setsockopt level=%d opt=%d): %w", i, e.level, e.optname, err)
			}
		case kindIoctl:
			if err := realcall.Ioctl(dstFD, e.request, e.value); err != nil {
				return fmt.Errorf("sockopt: replay entry %d (ioctl req=%d): %w", i, e.request, err)
			}
		}
	}
	return nil
}

// Len reports how many entries are recorded, for tests and diagnostics.
func (c *Cache) Len() int { return len(c.entries) }
