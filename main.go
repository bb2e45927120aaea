package litepcie

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"

	"github.com/litex-hub/litepcie/config"
	"github.com/litex-hub/litepcie/mmio"
	"github.com/litex-hub/litepcie/util"
)

type m = map[string]any

// Overrides lets embedders substitute the external collaborators that
// normally come from configuration: the register window, the buffer
// allocator and the interrupt delivery source. Nil fields fall back to
// config-driven defaults.
type Overrides struct {
	Bus   mmio.Bus
	Alloc BufferAllocator
	IRQ   IRQSource
}

// Main assembles a device from configuration: logger, register window,
// buffer allocator, channel table, metrics export. The returned Control
// has not been started.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, ov *Overrides) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to make
	// sure partially started goroutines wind down.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	if ov == nil {
		ov = &Overrides{}
	}

	bus := ov.Bus
	cleanup := func() {}
	if bus == nil {
		barPath := c.GetString("device.bar", "")
		if barPath == "" {
			return nil, util.NewContextualError("device.bar is not set", nil, nil)
		}
		region, err := mmio.MapResource(barPath)
		if err != nil {
			return nil, util.NewContextualError("Failed to map BAR resource", m{"path": barPath}, err)
		}
		bus = region
		cleanup = func() {
			if err := region.Close(); err != nil {
				l.WithError(err).Error("Failed to unmap BAR resource")
			}
		}
	}

	alloc := ov.Alloc
	if alloc == nil {
		alloc = HostAllocator{}
	}

	devConfig, err := deviceConfigFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to parse DMA configuration", nil, err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emission", nil, err)
	}

	if configTest {
		cleanup()
		return nil, nil
	}

	dev, err := NewDevice(l, bus, alloc, devConfig)
	if err != nil {
		cleanup()
		return nil, util.NewContextualError("Failed to attach device", nil, err)
	}

	irq := ov.IRQ
	if irq == nil {
		src, irqCleanup, err := configIRQSource(c)
		if err != nil {
			_ = dev.Close()
			cleanup()
			return nil, util.NewContextualError("Failed to open interrupt source", nil, err)
		}
		if src != nil {
			irq = src
			busCleanup := cleanup
			cleanup = func() {
				irqCleanup()
				busCleanup()
			}
		} else {
			irq = &PollSource{Interval: c.GetDuration("device.poll_interval", time.Millisecond)}
		}
	}

	return &Control{
		dev:        dev,
		irq:        irq,
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		statsStart: statsStart,
		cleanup:    cleanup,
		irqDone:    make(chan struct{}),
	}, nil
}

// deviceConfigFromConfig builds the DMA geometry and the data-driven
// per-channel hardware table from configuration.
func deviceConfigFromConfig(c *config.C) (DeviceConfig, error) {
	cfg := DeviceConfig{
		BlockSize:     c.GetInt("dma.buffer_size", DefaultBlockSize),
		BufferCount:   c.GetInt("dma.buffer_count", DefaultBufferCount),
		BuffersPerIRQ: c.GetInt("dma.buffers_per_irq", DefaultBuffersPerIRQ),
	}

	raw := c.Get("dma.channels")
	if raw == nil {
		cfg.Channels = DefaultChannels(c.GetInt("dma.channel_count", 1))
		return cfg, nil
	}

	rawList, ok := raw.([]any)
	if !ok {
		return cfg, fmt.Errorf("dma.channels should be a list, got %T", raw)
	}

	for i, rawEntry := range rawList {
		entry, ok := rawEntry.(map[string]any)
		if !ok {
			return cfg, fmt.Errorf("channel %d should be a map, got %T", i, rawEntry)
		}

		base, err := config.AsUint32(entry["base"])
		if err != nil {
			return cfg, fmt.Errorf("channel %d base: %w", i, err)
		}
		readerIRQ, err := config.AsUint32(entry["reader_interrupt"])
		if err != nil {
			return cfg, fmt.Errorf("channel %d reader_interrupt: %w", i, err)
		}
		writerIRQ, err := config.AsUint32(entry["writer_interrupt"])
		if err != nil {
			return cfg, fmt.Errorf("channel %d writer_interrupt: %w", i, err)
		}
		if readerIRQ > 31 || writerIRQ > 31 {
			return cfg, fmt.Errorf("channel %d interrupt bits must fit a 32-bit vector", i)
		}

		cfg.Channels = append(cfg.Channels, ChannelParams{
			Base:            base,
			ReaderInterrupt: uint(readerIRQ),
			WriterInterrupt: uint(writerIRQ),
		})
	}

	return cfg, nil
}
