package hw

import (
	"fmt"
	"net"
)

// DefaultMAC is the address QEMU assigns to its first e1000.
var DefaultMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

// ReceiveAddress packs a MAC into the RAL/RAH register pair, with the
// address valid bit set.
func ReceiveAddress(mac net.HardwareAddr) (ral, rah uint32, err error) {
	if len(mac) != 6 {
		return 0, 0, fmt.Errorf("invalid ethernet address length %d: %s", len(mac), mac)
	}

	ral = uint32(mac[0]) | uint32(mac[1])<<8 | uint32(mac[2])<<16 | uint32(mac[3])<<24
	rah = uint32(mac[4]) | uint32(mac[5])<<8 | RAH_AV
	return ral, rah, nil
}

// AddressFromReceive is the inverse of ReceiveAddress.
func AddressFromReceive(ral, rah uint32) net.HardwareAddr {
	return net.HardwareAddr{
		byte(ral), byte(ral >> 8), byte(ral >> 16), byte(ral >> 24),
		byte(rah), byte(rah >> 8),
	}
}
