package socket

import "os"

// ownCredentials returns the tracer's own uid/gid/pid, used by
// create_binding to fabricate a local address for an outbound connect that
// never bound explicitly: credential-derived from our own {uid,gid,pid},
// as opposed to accept's use of the remote peer's SO_PEERCRED.
func ownCredentials() (uid, gid, pid uint32) {
	return uint32(os.Getuid()), uint32(os.Getgid()), uint32(os.Getpid())
}
