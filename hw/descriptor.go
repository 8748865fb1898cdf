package hw

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// DescriptorSize is the size of both descriptor formats in bytes.
const DescriptorSize = 16

// statusOffset is where the status byte of both formats lives. The 32-bit
// word starting there is the ownership fence between driver and device.
const statusOffset = 12

// Transmit descriptor command bits, as stored in TxDesc.Cmd.
const (
	TXD_CMD_EOP  = 0x01 // End of packet
	TXD_CMD_IFCS = 0x02 // Insert FCS
	TXD_CMD_RS   = 0x08 // Report status
)

// Descriptor status bits.
const (
	TXD_STAT_DD = 0x01 // Descriptor done

	RXD_STAT_DD  = 0x01 // Descriptor done
	RXD_STAT_EOP = 0x02 // End of packet
)

// TxDesc is a legacy transmit descriptor. The layout is fixed by the
// hardware and must not change.
type TxDesc struct {
	Addr    uint64
	Length  uint16
	CSO     uint8
	Cmd     uint8
	Status  uint8
	CSS     uint8
	Special uint16
}

// RxDesc is a receive descriptor. The layout is fixed by the hardware and
// must not change.
type RxDesc struct {
	Addr     uint64
	Length   uint16
	Checksum uint16
	Status   uint8
	Errors   uint8
	Special  uint16
}

func statusWord(p unsafe.Pointer) *uint32 {
	return (*uint32)(unsafe.Add(p, statusOffset))
}

// LoadStatus atomically reads the status byte. On little endian hosts the
// status byte is the low byte of the word at offset 12.
func (d *TxDesc) LoadStatus() uint8 {
	return uint8(atomic.LoadUint32(statusWord(unsafe.Pointer(d))))
}

// StoreStatus atomically writes the status byte. CSS and Special are
// cleared with it.
func (d *TxDesc) StoreStatus(s uint8) {
	atomic.StoreUint32(statusWord(unsafe.Pointer(d)), uint32(s))
}

// Done reports whether the device has written this descriptor back.
func (d *TxDesc) Done() bool {
	return d.LoadStatus()&TXD_STAT_DD != 0
}

func (d *TxDesc) String() string {
	return fmt.Sprintf("tx{addr=%#x len=%d cmd=%#02x sta=%#02x}", d.Addr, d.Length, d.Cmd, d.LoadStatus())
}

// LoadStatus atomically reads the status byte.
func (d *RxDesc) LoadStatus() uint8 {
	return uint8(atomic.LoadUint32(statusWord(unsafe.Pointer(d))))
}

// LoadErrors atomically reads the errors byte written back with the status.
func (d *RxDesc) LoadErrors() uint8 {
	return uint8(atomic.LoadUint32(statusWord(unsafe.Pointer(d))) >> 8)
}

// StoreStatus atomically writes the status and errors bytes and clears
// Special.
func (d *RxDesc) StoreStatus(status, errors uint8) {
	atomic.StoreUint32(statusWord(unsafe.Pointer(d)), uint32(status)|uint32(errors)<<8)
}

// Done reports whether the device has filled this descriptor.
func (d *RxDesc) Done() bool {
	return d.LoadStatus()&RXD_STAT_DD != 0
}

func (d *RxDesc) String() string {
	return fmt.Sprintf("rx{addr=%#x len=%d sta=%#02x err=%#02x}", d.Addr, d.Length, d.LoadStatus(), d.LoadErrors())
}

// TxDescAt interprets 16 bytes of descriptor memory as a TxDesc. b must be
// at least DescriptorSize long and 4-byte aligned.
func TxDescAt(b []byte) *TxDesc {
	if len(b) < DescriptorSize {
		panic(fmt.Sprintf("descriptor memory too short: %d", len(b)))
	}
	return (*TxDesc)(unsafe.Pointer(&b[0]))
}

// RxDescAt interprets 16 bytes of descriptor memory as a RxDesc.
func RxDescAt(b []byte) *RxDesc {
	if len(b) < DescriptorSize {
		panic(fmt.Sprintf("descriptor memory too short: %d", len(b)))
	}
	return (*RxDesc)(unsafe.Pointer(&b[0]))
}
