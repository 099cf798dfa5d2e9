package service

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// ErrRunActive is returned when a backup or restore is requested while
// another run is still active. Requests are rejected, never queued.
var ErrRunActive = errors.New("a backup or restore is already running")

// Coordinator enforces that at most one run executes at a time, across
// processes sharing the same state. It holds an exclusive flock on a
// lock file next to the state file; the kernel releases the lock if the
// process dies, so a crash never leaves a stale lock behind.
type Coordinator struct {
	path string
	f    *os.File
}

func NewCoordinator(lockPath string) *Coordinator {
	return &Coordinator{path: lockPath}
}

// Begin claims the run slot without blocking. The caller must call End
// when the run is over, regardless of outcome.
func (c *Coordinator) Begin() error {
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return errors.Wrapf(err, "open lock file %q", c.path)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrRunActive
		}
		return errors.Wrapf(err, "lock %q", c.path)
	}
	c.f = f
	return nil
}

// End releases the run slot.
func (c *Coordinator) End() {
	if c.f == nil {
		return
	}
	_ = syscall.Flock(int(c.f.Fd()), syscall.LOCK_UN)
	_ = c.f.Close()
	c.f = nil
}

// Active reports whether this coordinator currently holds the slot.
func (c *Coordinator) Active() bool { return c.f != nil }
