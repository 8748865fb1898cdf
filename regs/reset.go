package regs

import (
	"fmt"
	"net"
	"time"

	"github.com/slackhq/e1000/dma"
	"github.com/slackhq/e1000/hw"
)

const (
	icrOffset  = hw.ICR
	ioAddrPort = hw.IOADDR
	ioDataPort = hw.IODATA

	resetQuiesceDelay = 10 * time.Millisecond
	eepromReloadDelay = 5 * time.Millisecond
)

// ResetHW brings the controller to a known state. The order of the steps is
// fixed by the hardware:
//
//  1. mask all interrupts
//  2. stop the receive and transmit units
//  3. flush posted writes
//  4. let pending DMA settle
//  5. global reset through the I/O BAR
//  6. wait for the EEPROM reload
//  7. stop the management engine from answering ARP
//  8. mask again and drain stale causes
func (r *Regs) ResetHW() error {
	if err := r.write32All(
		[2]uint32{hw.IMC, hw.IMC_ALL},
		[2]uint32{hw.RCTL, 0},
		[2]uint32{hw.TCTL, hw.TCTL_PSP},
	); err != nil {
		return fmt.Errorf("quiesce before reset: %w", err)
	}

	r.flush()
	r.sleep(resetQuiesceDelay)

	ctrl, err := r.Read32(hw.CTRL)
	if err != nil {
		return fmt.Errorf("read CTRL: %w", err)
	}
	if err := r.IOWrite(hw.CTRL, ctrl|hw.CTRL_RST); err != nil {
		return fmt.Errorf("assert CTRL.RST: %w", err)
	}

	r.sleep(eepromReloadDelay)

	manc, err := r.Read32(hw.MANC)
	if err != nil {
		return fmt.Errorf("read MANC: %w", err)
	}
	if err := r.Write32(hw.MANC, manc&^hw.MANC_ARP_EN); err != nil {
		return fmt.Errorf("write MANC: %w", err)
	}

	if err := r.Write32(hw.IMC, hw.IMC_ALL); err != nil {
		return fmt.Errorf("mask interrupts after reset: %w", err)
	}
	if _, err := r.ReadICR(); err != nil {
		return fmt.Errorf("clear interrupt causes: %w", err)
	}

	r.l.WithField("ctrl", fmt.Sprintf("%#08x", ctrl)).Debug("Controller reset")
	return nil
}

// flush forces posted writes out with a harmless read. Failure only costs
// ordering so it is logged and ignored.
func (r *Regs) flush() {
	if _, err := r.Read32(hw.STATUS); err != nil {
		r.l.WithError(err).Warn("Failed to flush register writes")
	}
}

// RingInfo describes a descriptor ring for the base and length registers.
type RingInfo struct {
	Base dma.Addr
	Size int
}

// Config is what Configure programs into the controller.
type Config struct {
	MAC net.HardwareAddr
	Rx  RingInfo
	Tx  RingInfo
}

// Configure programs the receive address, both rings and the interrupt mask.
// The receive tail starts one behind the head so every descriptor but one is
// owned by the device.
func (r *Regs) Configure(c Config) error {
	if err := r.SetMAC(c.MAC); err != nil {
		return err
	}

	for i := uint32(0); i < hw.MTAEntries; i++ {
		if err := r.Write32(hw.MTA+i*4, 0); err != nil {
			return fmt.Errorf("clear multicast table: %w", err)
		}
	}

	if err := r.write32All(
		[2]uint32{hw.RDH, 0},
		[2]uint32{hw.RDT, uint32(c.Rx.Size - 1)},
		[2]uint32{hw.RDLEN, uint32(c.Rx.Size * hw.DescriptorSize)},
		[2]uint32{hw.RDBAL, uint32(c.Rx.Base)},
		[2]uint32{hw.RDBAH, uint32(c.Rx.Base >> 32)},
		[2]uint32{hw.RCTL, hw.RCTL_EN | hw.RCTL_BAM | hw.RCTL_SZ_2048 | hw.RCTL_SECRC},
		[2]uint32{hw.RDTR, 0},
		[2]uint32{hw.RADV, 0},
	); err != nil {
		return fmt.Errorf("configure receive ring: %w", err)
	}

	if err := r.write32All(
		[2]uint32{hw.TDH, 0},
		[2]uint32{hw.TDT, 0},
		[2]uint32{hw.TDLEN, uint32(c.Tx.Size * hw.DescriptorSize)},
		[2]uint32{hw.TDBAL, uint32(c.Tx.Base)},
		[2]uint32{hw.TDBAH, uint32(c.Tx.Base >> 32)},
		[2]uint32{hw.TCTL, hw.TCTL_EN | hw.TCTL_PSP | hw.TCTL_CT | hw.TCTL_COLD},
		[2]uint32{hw.TIPG, hw.TIPG_DEFAULT},
	); err != nil {
		return fmt.Errorf("configure transmit ring: %w", err)
	}

	if err := r.Write32(hw.IMS, hw.IMS_ENABLE_MASK); err != nil {
		return fmt.Errorf("enable interrupts: %w", err)
	}

	return nil
}

// Quiesce masks interrupts and stops both units. Used before the rings are
// torn down.
func (r *Regs) Quiesce() error {
	err := r.write32All(
		[2]uint32{hw.IMC, hw.IMC_ALL},
		[2]uint32{hw.RCTL, 0},
		[2]uint32{hw.TCTL, 0},
	)
	r.flush()
	return err
}

// LinkUp reports STATUS.LU. A failed read counts as link down.
func (r *Regs) LinkUp() bool {
	s, err := r.Read32(hw.STATUS)
	if err != nil {
		return false
	}
	return s&hw.STATUS_LU != 0
}

// SetMAC programs receive address 0 and marks it valid.
func (r *Regs) SetMAC(mac net.HardwareAddr) error {
	ral, rah, err := hw.ReceiveAddress(mac)
	if err != nil {
		return err
	}

	if err := r.write32All([2]uint32{hw.RA, ral}, [2]uint32{hw.RA + 4, rah}); err != nil {
		return fmt.Errorf("program receive address: %w", err)
	}
	return nil
}

// MAC reads back the programmed receive address.
func (r *Regs) MAC() (net.HardwareAddr, error) {
	ral, err := r.Read32(hw.RA)
	if err != nil {
		return nil, err
	}
	rah, err := r.Read32(hw.RA + 4)
	if err != nil {
		return nil, err
	}
	return hw.AddressFromReceive(ral, rah), nil
}
