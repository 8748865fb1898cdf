package regs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ioResourceFlag is IORESOURCE_IO from linux/ioport.h.
const ioResourceFlag = 0x100

// FindIOResource returns the resource file of the first I/O BAR of the PCI
// function at dir, e.g. /sys/bus/pci/devices/0000:00:03.0. Where it sits
// depends on whether BAR0 is 32 or 64 bits wide.
func FindIOResource(dir string) (string, error) {
	f, err := os.Open(filepath.Join(dir, "resource"))
	if err != nil {
		return "", fmt.Errorf("read pci resources: %w", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	// Only the six BARs, the ROM and bridge windows follow.
	for bar := 0; bar < 6 && s.Scan(); bar++ {
		fields := strings.Fields(s.Text())
		if len(fields) != 3 {
			return "", fmt.Errorf("malformed pci resource line %q", s.Text())
		}
		start, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return "", fmt.Errorf("malformed pci resource start %q: %w", fields[0], err)
		}
		flags, err := strconv.ParseUint(fields[2], 0, 64)
		if err != nil {
			return "", fmt.Errorf("malformed pci resource flags %q: %w", fields[2], err)
		}
		if start != 0 && flags&ioResourceFlag != 0 {
			return filepath.Join(dir, fmt.Sprintf("resource%d", bar)), nil
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no I/O BAR found in %s", dir)
}
