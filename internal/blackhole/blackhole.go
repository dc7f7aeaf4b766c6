// Package blackhole hands out unique filesystem paths for sockets whose
// traffic must be silently discarded while still presenting a bound
// identity to the OS (component D). A Handle does not create a socket
// itself — the caller binds its own real fd to Handle.Path() — it only
// owns the path's lifetime: unlinked on drop, but only if something was
// actually bound there.
package blackhole

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"ip2unix.dev/internal/realcall"
)

// Handle is an owned, not-yet-necessarily-created blackhole path.
// Transferring a Handle into a Socket guarantees unlink-on-drop even if
// the Socket outlives the function that created the Handle.
type Handle struct {
	once sync.Once

	mu      sync.Mutex
	path    string
	created bool
}

// New reserves a unique path under dir (os.TempDir() if dir is empty). No
// filesystem object exists yet; call MarkCreated once a real bind(2)
// succeeds against Path().
func New(dir string) *Handle {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf(".ip2unix-blackhole-%s.sock", uuid.NewString()))
	return &Handle{path: path}
}

// Path returns the reserved filesystem path.
func (h *Handle) Path() string { return h.path }

// MarkCreated records that a socket file now exists at Path(), so Close
// knows to unlink it.
func (h *Handle) MarkCreated() {
	h.mu.Lock()
	h.created = true
	h.mu.Unlock()
}

// Close unlinks the path if it was ever created. Safe to call more than
// once; only the first call has effect.
func (h *Handle) Close() error {
	var err error
	h.once.Do(func() {
		h.mu.Lock()
		created := h.created
		h.mu.Unlock()
		if created {
			err = realcall.Unlink(h.path)
		}
	})
	return err
}
