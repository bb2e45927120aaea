package litepcie

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litex-hub/litepcie/csr"
	"github.com/litex-hub/litepcie/test"
)

func TestDeviceConfigValidate(t *testing.T) {
	good := DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 2}
	require.NoError(t, good.validate())

	cases := []struct {
		name string
		cfg  DeviceConfig
	}{
		{"zero block size", DeviceConfig{BlockSize: 0, BufferCount: 8, BuffersPerIRQ: 2}},
		{"negative block size", DeviceConfig{BlockSize: -1, BufferCount: 8, BuffersPerIRQ: 2}},
		{"non power of two count", DeviceConfig{BlockSize: 4096, BufferCount: 6, BuffersPerIRQ: 2}},
		{"count past index range", DeviceConfig{BlockSize: 4096, BufferCount: 0x10000, BuffersPerIRQ: 2}},
		{"zero buffers per irq", DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 0}},
		{"buffers per irq past count", DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 9}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.validate())
		})
	}
}

func TestDeviceConfigDefaults(t *testing.T) {
	cfg := (&DeviceConfig{}).withDefaults()
	assert.Equal(t, DefaultBlockSize, cfg.BlockSize)
	assert.Equal(t, DefaultBufferCount, cfg.BufferCount)
	assert.Equal(t, DefaultBuffersPerIRQ, cfg.BuffersPerIRQ)
	require.Len(t, cfg.Channels, 1)
	assert.Equal(t, uint32(csr.DefaultDMA0Base), cfg.Channels[0].Base)
}

func TestDefaultChannels(t *testing.T) {
	params := DefaultChannels(2)
	require.Len(t, params, 2)
	assert.Equal(t, uint32(csr.DefaultDMA0Base), params[0].Base)
	assert.Equal(t, uint32(csr.DefaultDMA0Base+csr.DMAChannelStride), params[1].Base)
	assert.Equal(t, uint(0), params[0].ReaderInterrupt)
	assert.Equal(t, uint(1), params[0].WriterInterrupt)
	assert.Equal(t, uint(2), params[1].ReaderInterrupt)
	assert.Equal(t, uint(3), params[1].WriterInterrupt)
}

func TestNewDeviceReadsIdentifier(t *testing.T) {
	bus := newTestBus()
	id := "LitePCIe test gateware"
	for i, b := range []byte(id) {
		bus.set(csr.IdentifierMemBase+uint32(i)*4, uint32(b))
	}

	dev, err := NewDevice(test.NewLogger(), bus, &testAllocator{},
		DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 2})
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, id, dev.Identifier())

	// Attach resets the core before anything else.
	assert.Equal(t, []uint32{1}, bus.writesTo(csr.CtrlReset))
}

type nullAddrAllocator struct{}

func (nullAddrAllocator) Alloc(size int) (*Buffer, error) {
	return &Buffer{Bytes: make([]byte, size)}, nil
}

func (nullAddrAllocator) Free(*Buffer) error { return nil }

func TestNewDeviceRejectsNullBusAddress(t *testing.T) {
	_, err := NewDevice(test.NewLogger(), newTestBus(), nullAddrAllocator{},
		DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null bus address")
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := newTestBus()
	dev, err := NewDevice(test.NewLogger(), bus, &testAllocator{},
		DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 2})
	require.NoError(t, err)
	dev.StartAll()

	require.NoError(t, dev.Close())
	// Every interrupt source is masked at the device on close.
	assert.Zero(t, bus.ReadU32(csr.MSIEnable))
	require.NoError(t, dev.Close())
}
