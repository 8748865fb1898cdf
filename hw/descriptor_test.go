package hw

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestDescriptor_Size(t *testing.T) {
	assert.EqualValues(t, DescriptorSize, unsafe.Sizeof(TxDesc{}))
	assert.EqualValues(t, DescriptorSize, unsafe.Sizeof(RxDesc{}))
	assert.EqualValues(t, statusOffset, unsafe.Offsetof(TxDesc{}.Status))
	assert.EqualValues(t, statusOffset, unsafe.Offsetof(RxDesc{}.Status))
}

func TestTxDesc_MemoryLayout(t *testing.T) {
	memory := make([]byte, DescriptorSize)
	d := TxDescAt(memory)

	d.Addr = 0x0123456789abcdef
	d.Length = 0x05dc
	d.CSO = 0x11
	d.Cmd = TXD_CMD_EOP | TXD_CMD_IFCS | TXD_CMD_RS
	d.StoreStatus(TXD_STAT_DD)

	assert.Equal(t, []byte{
		0xef, 0xcd, 0xab, 0x89, 0x67, 0x45, 0x23, 0x01,
		0xdc, 0x05,
		0x11,
		0x0b,
		0x01,
		0x00,
		0x00, 0x00,
	}, memory)
	assert.True(t, d.Done())

	d.StoreStatus(0)
	assert.False(t, d.Done())
	assert.Equal(t, byte(0), memory[12])
}

func TestRxDesc_MemoryLayout(t *testing.T) {
	memory := make([]byte, DescriptorSize)
	d := RxDescAt(memory)

	d.Addr = 0x1000
	d.Length = 0x0040
	d.Checksum = 0xbeef
	d.StoreStatus(RXD_STAT_DD|RXD_STAT_EOP, 0x80)

	assert.Equal(t, []byte{
		0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x40, 0x00,
		0xef, 0xbe,
		0x03,
		0x80,
		0x00, 0x00,
	}, memory)
	assert.True(t, d.Done())
	assert.Equal(t, uint8(0x80), d.LoadErrors())
}

func TestDescAt_Short(t *testing.T) {
	assert.Panics(t, func() { TxDescAt(make([]byte, 8)) })
	assert.Panics(t, func() { RxDescAt(nil) })
}

func TestReceiveAddress(t *testing.T) {
	ral, rah, err := ReceiveAddress(DefaultMAC)
	assert.NoError(t, err)
	assert.Equal(t, uint32(0x12005452), ral)
	assert.Equal(t, uint32(0x5634|RAH_AV), rah)
	assert.Equal(t, DefaultMAC, AddressFromReceive(ral, rah))

	_, _, err = ReceiveAddress([]byte{1, 2, 3})
	assert.ErrorContains(t, err, "invalid ethernet address length")
}

func TestTIPGDefault(t *testing.T) {
	assert.Equal(t, uint32(0x00602008), uint32(TIPG_DEFAULT))
}
