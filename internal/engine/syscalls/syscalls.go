// Package syscalls names the syscall numbers the intercept surface installs
// a seccomp filter for, and maps a raw number back to a name for logging.
package syscalls

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var names = map[string]int{
	"socket":      unix.SYS_SOCKET,
	"bind":        unix.SYS_BIND,
	"connect":     unix.SYS_CONNECT,
	"listen":      unix.SYS_LISTEN,
	"accept4":     unix.SYS_ACCEPT4,
	"close":       unix.SYS_CLOSE,
	"dup2":        unix.SYS_DUP2,
	"setsockopt":  unix.SYS_SETSOCKOPT,
	"getsockopt":  unix.SYS_GETSOCKOPT,
	"ioctl":       unix.SYS_IOCTL,
	"getsockname": unix.SYS_GETSOCKNAME,
	"getpeername": unix.SYS_GETPEERNAME,
	"sendto":      unix.SYS_SENDTO,
	"sendmsg":     unix.SYS_SENDMSG,
	"recvfrom":    unix.SYS_RECVFROM,
	"recvmsg":     unix.SYS_RECVMSG,
}

// Intercepted returns the syscall numbers the seccomp filter should route
// to the notification queue, in the order named above.
func Intercepted() []int {
	order := []string{
		"socket", "bind", "connect", "listen", "accept4", "close", "dup2",
		"setsockopt", "getsockopt", "ioctl", "getsockname", "getpeername",
		"sendto", "sendmsg", "recvfrom", "recvmsg",
	}
	nrs := make([]int, 0, len(order))
	for _, name := range order {
		nrs = append(nrs, names[name])
	}
	return nrs
}

func GetName(nr int) string {
	for name, want := range names {
		if nr == want {
			return name
		}
	}
	return fmt.Sprintf("SYS_0x%X", nr)
}
