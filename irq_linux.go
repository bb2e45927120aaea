//go:build linux

package litepcie

import (
	"fmt"
	"os"

	"github.com/litex-hub/litepcie/config"
	"github.com/litex-hub/litepcie/internal/eventfd"
)

// configIRQSource opens the interrupt descriptor named by device.irq,
// typically a uio device node or an eventfd registered with VFIO. It
// returns a nil source when the key is unset, in which case the caller
// falls back to polling.
func configIRQSource(c *config.C) (IRQSource, func(), error) {
	path := c.GetString("device.irq", "")
	if path == "" {
		return nil, nil, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open interrupt source: %w", err)
	}

	src, err := eventfd.NewSource(int(f.Fd()))
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("watch interrupt source: %w", err)
	}

	cleanup := func() {
		_ = src.Close()
		_ = f.Close()
	}
	return src, cleanup, nil
}
