//go:build !linux

package litepcie

import (
	"fmt"

	"github.com/litex-hub/litepcie/config"
)

func configIRQSource(c *config.C) (IRQSource, func(), error) {
	if c.GetString("device.irq", "") != "" {
		return nil, nil, fmt.Errorf("device.irq is not supported on this platform, use polled mode")
	}
	return nil, nil, nil
}
