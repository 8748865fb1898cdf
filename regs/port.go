package regs

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// PortFile reaches the I/O BAR through its sysfs resource file. I/O BARs can
// not be mapped so every access is a positioned read or write.
type PortFile struct {
	mu sync.Mutex
	f  *os.File
}

// OpenPortResource opens an I/O BAR resource file, typically
// /sys/bus/pci/devices/<bdf>/resource1.
func OpenPortResource(path string) (*PortFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open port resource: %w", err)
	}
	return &PortFile{f: f}, nil
}

func (p *PortFile) Out32(port uint32, value uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return ErrRegionInvalid
	}

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	n, err := unix.Pwrite(int(p.f.Fd()), b[:], int64(port))
	if err != nil {
		return fmt.Errorf("write io port %#x: %w", port, err)
	}
	if n != len(b) {
		return fmt.Errorf("short write to io port %#x: %d bytes", port, n)
	}
	return nil
}

func (p *PortFile) In32(port uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return 0, ErrRegionInvalid
	}

	var b [4]byte
	n, err := unix.Pread(int(p.f.Fd()), b[:], int64(port))
	if err != nil {
		return 0, fmt.Errorf("read io port %#x: %w", port, err)
	}
	if n != len(b) {
		return 0, fmt.Errorf("short read from io port %#x: %d bytes", port, n)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (p *PortFile) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}
