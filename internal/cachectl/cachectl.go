// Package cachectl evicts cached file data before a run so that reads are
// served by the storage device rather than by memory.
package cachectl

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-multiread/internal/constants"
	"github.com/ehrlich-b/go-multiread/internal/logging"
)

// Mode selects how caches are dropped
type Mode string

const (
	// ModeDrop syncs and writes "3" to /proc/sys/vm/drop_caches. Host-wide,
	// needs root.
	ModeDrop Mode = "drop"

	// ModeFadvise flushes the target file and advises the kernel to drop
	// its pages. Per-file, unprivileged.
	ModeFadvise Mode = "fadvise"

	// ModeNone leaves caches alone
	ModeNone Mode = "none"
)

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeDrop, nil
	case ModeDrop, ModeFadvise, ModeNone:
		return m, nil
	default:
		return "", fmt.Errorf("cachectl: unknown cache mode %q (want drop, fadvise or none)", s)
	}
}

// Controller drops caches according to Mode
type Controller struct {
	Mode Mode

	// DropCachesPath overrides /proc/sys/vm/drop_caches
	DropCachesPath string

	// Sync flushes dirty pages host-wide before the drop; defaults to unix.Sync
	Sync func()

	Logger *logging.Logger
}

// New returns a controller for mode with the default kernel paths
func New(mode Mode) *Controller {
	return &Controller{
		Mode:           mode,
		DropCachesPath: constants.DropCachesPath,
		Sync:           unix.Sync,
	}
}

// DropCaches evicts cached data for f (ModeFadvise) or for the whole host
// (ModeDrop). Any failure is returned; callers treat it as fatal.
func (c *Controller) DropCaches(f *os.File) error {
	logger := c.Logger
	if logger == nil {
		logger = logging.Default()
	}

	switch c.Mode {
	case ModeNone:
		logger.Warn("cache drop disabled; results may include page cache hits")
		return nil
	case ModeFadvise:
		if err := dropFile(f); err != nil {
			return err
		}
	case ModeDrop, "":
		if err := c.dropHost(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cachectl: unknown cache mode %q", c.Mode)
	}

	logger.Info("dropped caches", "mode", c.Mode)
	return nil
}

func (c *Controller) dropHost() error {
	if c.Sync != nil {
		c.Sync()
	}

	path := c.DropCachesPath
	if path == "" {
		path = constants.DropCachesPath
	}
	// No O_CREATE: a missing control file is an error, not something to make.
	ctl, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("cachectl: open %s: %w", path, err)
	}
	if _, err := ctl.WriteString(constants.DropCachesValue); err != nil {
		ctl.Close()
		return fmt.Errorf("cachectl: write %s: %w", path, err)
	}
	if err := ctl.Close(); err != nil {
		return fmt.Errorf("cachectl: close %s: %w", path, err)
	}
	return nil
}

func dropFile(f *os.File) error {
	if f == nil {
		return fmt.Errorf("cachectl: fadvise mode needs an open file")
	}
	fd := int(f.Fd())
	if err := unix.Fdatasync(fd); err != nil && err != unix.EINVAL {
		return fmt.Errorf("cachectl: fdatasync %s: %w", f.Name(), err)
	}
	if err := unix.Fadvise(fd, 0, 0, unix.FADV_DONTNEED); err != nil {
		return fmt.Errorf("cachectl: fadvise(DONTNEED) %s: %w", f.Name(), err)
	}
	return nil
}
