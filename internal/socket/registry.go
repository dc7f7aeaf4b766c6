package socket

import (
	"sync"
)

// Registry is the process-wide fd→Socket table and the path-registry of
// filesystem paths currently owned by a non-blackhole, non-activated
// binding (component G's registry half). At most one Socket exists per fd;
// a path appears here iff exactly one Socket owns it.
//
// Lock order: registry first, then per-Socket (Socket never calls back
// into the registry while holding its own lock other than through the
// claimPath/releasePath helpers below, which take only the registry lock).
type Registry struct {
	mu    sync.Mutex
	byFD  map[int]*Socket
	paths map[string]*Socket
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byFD:  make(map[int]*Socket),
		paths: make(map[string]*Socket),
	}
}

// Create registers a new Socket for fd, overwriting any prior entry — the
// source spec calls this idempotent since a bare re-registration should
// never occur except when the descriptor was recycled without an
// intercepted close.
func (r *Registry) Create(fd, domain, typeArg, protocol int) *Socket {
	s := newSocket(r, fd, domain, typeArg, protocol)
	r.mu.Lock()
	r.byFD[fd] = s
	r.mu.Unlock()
	return s
}

// Lookup returns the Socket registered for fd, if any.
func (r *Registry) Lookup(fd int) (*Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byFD[fd]
	return s, ok
}

// Remove drops fd from the registry. It does not touch the path-registry;
// callers release owned paths explicitly via releasePath before or during
// close, since a path outlives its Socket's fd entry by at most the
// duration of the close call.
func (r *Registry) Remove(fd int) {
	r.mu.Lock()
	delete(r.byFD, fd)
	r.mu.Unlock()
}

// claimPath inserts path into the path-registry on behalf of s, iff no
// other Socket currently owns it. Returns false on collision, in which
// case the caller (Bind) falls back to a blackhole path.
func (r *Registry) claimPath(path string, s *Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.paths[path]; taken {
		return false
	}
	r.paths[path] = s
	return true
}

// releasePath removes path from the path-registry, but only if s is still
// its recorded owner — a Socket that lost a claimPath race (and went
// blackhole instead) must never evict the real owner's entry.
func (r *Registry) releasePath(path string, s *Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.paths[path]; ok && owner == s {
		delete(r.paths, path)
	}
}
