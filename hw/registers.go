// Package hw holds the 8254x register map, control bits and descriptor
// layouts used by the driver and by the simulated device.
package hw

// Register offsets into BAR0.
const (
	CTRL   = 0x00000 // Device Control
	STATUS = 0x00008 // Device Status
	ICR    = 0x000C0 // Interrupt Cause Read, clear on read
	ICS    = 0x000C8 // Interrupt Cause Set
	IMS    = 0x000D0 // Interrupt Mask Set/Read
	IMC    = 0x000D8 // Interrupt Mask Clear
	RCTL   = 0x00100 // RX Control
	TCTL   = 0x00400 // TX Control
	TIPG   = 0x00410 // TX Inter-packet gap

	RDBAL = 0x02800 // RX Descriptor Base Address Low
	RDBAH = 0x02804 // RX Descriptor Base Address High
	RDLEN = 0x02808 // RX Descriptor Length
	RDH   = 0x02810 // RX Descriptor Head
	RDT   = 0x02818 // RX Descriptor Tail
	RDTR  = 0x02820 // RX Delay Timer
	RADV  = 0x0282C // RX Interrupt Absolute Delay Timer

	TDBAL = 0x03800 // TX Descriptor Base Address Low
	TDBAH = 0x03804 // TX Descriptor Base Address High
	TDLEN = 0x03808 // TX Descriptor Length
	TDH   = 0x03810 // TX Descriptor Head
	TDT   = 0x03818 // TX Descriptor Tail

	MTA  = 0x05200 // Multicast Table Array, MTAEntries words
	RA   = 0x05400 // Receive Address, RAL at RA and RAH at RA+4
	MANC = 0x05820 // Management Control
)

// MTAEntries is the number of 32-bit words in the multicast table.
const MTAEntries = 128

// RegisterSpace is the size of the BAR0 window the driver touches.
const RegisterSpace = 0x20000

// I/O BAR layout: IOADDR selects the register, IODATA reads or writes it.
const (
	IOADDR = 0x00
	IODATA = 0x04
)

// Device Control.
const (
	CTRL_FD      = 0x00000001
	CTRL_SLU     = 0x00000040
	CTRL_RST     = 0x04000000
	CTRL_PHY_RST = 0x80000000
)

// Device Status.
const (
	STATUS_FD = 0x00000001
	STATUS_LU = 0x00000002
)

// Interrupt causes, shared by ICR, ICS, IMS and IMC.
const (
	ICR_TXDW   = 0x00000001 // Transmit desc written back
	ICR_TXQE   = 0x00000002 // Transmit queue empty
	ICR_LSC    = 0x00000004 // Link status change
	ICR_RXSEQ  = 0x00000008 // RX sequence error
	ICR_RXDMT0 = 0x00000010 // RX desc min threshold reached
	ICR_RXO    = 0x00000040 // RX overrun
	ICR_RXT0   = 0x00000080 // RX timer interrupt

	// IMS_ENABLE_MASK is what the driver unmasks once the rings are live.
	IMS_ENABLE_MASK = ICR_TXDW | ICR_RXT0 | ICR_RXDMT0 | ICR_RXSEQ | ICR_LSC
)

// IMC_ALL masks every interrupt cause.
const IMC_ALL = 0xFFFFFFFF

// Receive Control.
const (
	RCTL_EN      = 0x00000002
	RCTL_SBP     = 0x00000004
	RCTL_UPE     = 0x00000008
	RCTL_MPE     = 0x00000010
	RCTL_LPE     = 0x00000020
	RCTL_BAM     = 0x00008000
	RCTL_SZ_2048 = 0x00000000
	RCTL_SECRC   = 0x04000000
)

// Transmit Control.
const (
	TCTL_EN         = 0x00000002
	TCTL_PSP        = 0x00000008
	TCTL_CT_SHIFT   = 4
	TCTL_COLD_SHIFT = 12

	// Collision threshold and distance for full duplex.
	TCTL_CT   = 0x10 << TCTL_CT_SHIFT
	TCTL_COLD = 0x40 << TCTL_COLD_SHIFT
)

// Transmit inter-packet gap, copper defaults.
const (
	TIPG_IPGT_COPPER = 8
	TIPG_IPGR1_SHIFT = 10
	TIPG_IPGR2_SHIFT = 20
	TIPG_IPGR1       = 8
	TIPG_IPGR2       = 6

	TIPG_DEFAULT = TIPG_IPGT_COPPER | TIPG_IPGR1<<TIPG_IPGR1_SHIFT | TIPG_IPGR2<<TIPG_IPGR2_SHIFT
)

// Management Control.
const (
	MANC_ARP_EN = 0x00002000
)

// RAH_AV marks a receive address entry as valid.
const RAH_AV = 0x80000000

// PCI identity of the 82540EM as emulated by QEMU.
const (
	VendorID = 0x8086
	DeviceID = 0x100E
)

const (
	// MinFrameLen is the shortest frame the MAC will put on the wire,
	// without FCS.
	MinFrameLen = 60

	// BufferSize is the receive buffer size selected by RCTL_SZ_2048 and
	// the largest frame accepted for transmit.
	BufferSize = 2048
)
