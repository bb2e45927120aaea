package sim_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	litepcie "github.com/litex-hub/litepcie"
	"github.com/litex-hub/litepcie/sim"
	"github.com/litex-hub/litepcie/test"
)

func TestEngineIdentifier(t *testing.T) {
	channels := litepcie.DefaultChannels(1)
	e := sim.NewEngine(channels)

	dev, err := litepcie.NewDevice(test.NewLogger(), e, e.Allocator(), litepcie.DeviceConfig{
		BlockSize: 512, BufferCount: 8, BuffersPerIRQ: 2, Channels: channels,
	})
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, "LitePCIe simulated core", dev.Identifier())
}

func TestEngineAllocator(t *testing.T) {
	e := sim.NewEngine(litepcie.DefaultChannels(1))
	alloc := e.Allocator()

	a, err := alloc.Alloc(4096)
	require.NoError(t, err)
	require.NotZero(t, a.BusAddr)
	require.Len(t, a.Bytes, 4096)

	b, err := alloc.Alloc(4096)
	require.NoError(t, err)
	assert.NotEqual(t, a.BusAddr, b.BusAddr)

	require.NoError(t, alloc.Free(a))
	require.NoError(t, alloc.Free(b))
	assert.Error(t, alloc.Free(&litepcie.Buffer{BusAddr: 0xbad}))
}

// TestEngineLoopback runs the whole stack: device attach, ring start,
// interrupt delivery through the engine and blocking reads and writes.
// A block written into the host-to-device direction must come back out
// of the device-to-host direction once the stream laps the ring.
func TestEngineLoopback(t *testing.T) {
	channels := litepcie.DefaultChannels(1)
	e := sim.NewEngine(channels)

	dev, err := litepcie.NewDevice(test.NewLogger(), e, e.Allocator(), litepcie.DeviceConfig{
		BlockSize: 512, BufferCount: 8, BuffersPerIRQ: 1, Channels: channels,
	})
	require.NoError(t, err)
	dev.StartAll()

	ctx, cancel := context.WithCancel(context.Background())
	irqDone := make(chan struct{})
	go func() {
		_ = dev.ServiceInterrupts(ctx, e)
		close(irqDone)
	}()

	tickStop := make(chan struct{})
	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		for {
			select {
			case <-tickStop:
				return
			default:
				e.Tick(1)
				time.Sleep(50 * time.Microsecond)
			}
		}
	}()

	ch := dev.Channel(0)
	want := make([]byte, ch.BlockSize())
	for i := range want {
		want[i] = byte(i*13 + 1)
	}

	n, err := ch.Write(want)
	require.NoError(t, err)
	require.Equal(t, len(want), n)

	// The engine streams the ring continuously, so the block reappears
	// on the read side every lap. Drain reads until it shows up.
	buf := make([]byte, ch.BlockSize())
	found := false
	deadline := time.Now().Add(5 * time.Second)
	for !found && time.Now().Before(deadline) {
		n, err := ch.Read(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		found = bytes.Equal(buf, want)
	}
	assert.True(t, found, "written block never looped back")

	// Teardown order matters: the interrupt pump must stop before the
	// device tears down its deferred sweep.
	close(tickStop)
	<-tickDone
	cancel()
	<-irqDone
	require.NoError(t, dev.Close())
}
