// Package vfio binds a PCI function through the kernel's VFIO type1 driver:
// it pins and maps DMA memory in the function's IOMMU domain, routes the
// legacy interrupt to an eventfd and gives access to PCI config space.
package vfio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ContainerPath is the VFIO container device.
const ContainerPath = "/dev/vfio/vfio"

const (
	ioctlType = ';'
	ioctlBase = 100

	apiVersion = 0

	type1IOMMU   = 1
	type1v2IOMMU = 3

	groupFlagsViable = 1 << 0

	dmaMapFlagRead  = 1 << 0
	dmaMapFlagWrite = 1 << 1

	irqSetDataNone      = 1 << 0
	irqSetDataEventfd   = 1 << 2
	irqSetActionUnmask  = 1 << 4
	irqSetActionTrigger = 1 << 5

	pciINTxIRQIndex      = 0
	pciConfigRegionIndex = 7

	pciCommand       = 0x04
	pciCommandIO     = 1 << 0
	pciCommandMemory = 1 << 1
	pciCommandMaster = 1 << 2
)

// _IO(';', 100 + nr), none of the VFIO ioctls encode a size.
func ioctlNum(nr uintptr) uintptr {
	return ioctlType<<8 | (ioctlBase + nr)
}

var (
	ioctlGetAPIVersion       = ioctlNum(0)
	ioctlCheckExtension      = ioctlNum(1)
	ioctlSetIOMMU            = ioctlNum(2)
	ioctlGroupGetStatus      = ioctlNum(3)
	ioctlGroupSetContainer   = ioctlNum(4)
	ioctlGroupGetDeviceFD    = ioctlNum(6)
	ioctlDeviceGetRegionInfo = ioctlNum(8)
	ioctlDeviceSetIRQs       = ioctlNum(10)
	ioctlIOMMUMapDMA         = ioctlNum(13)
	ioctlIOMMUUnmapDMA       = ioctlNum(14)
)

// struct vfio_group_status
type groupStatus struct {
	argsz uint32
	flags uint32
}

// struct vfio_iommu_type1_dma_map
type dmaMap struct {
	argsz uint32
	flags uint32
	vaddr uint64
	iova  uint64
	size  uint64
}

// struct vfio_iommu_type1_dma_unmap
type dmaUnmap struct {
	argsz uint32
	flags uint32
	iova  uint64
	size  uint64
}

// struct vfio_region_info
type regionInfo struct {
	argsz     uint32
	flags     uint32
	index     uint32
	capOffset uint32
	size      uint64
	offset    uint64
}

// struct vfio_irq_set followed by one eventfd.
type irqSet struct {
	argsz uint32
	flags uint32
	index uint32
	start uint32
	count uint32
	fd    int32
}

// irqSetHeaderSize is sizeof(struct vfio_irq_set) without its data.
const irqSetHeaderSize = 20

func ioctl(fd uintptr, cmd uintptr, arg uintptr) (uintptr, error) {
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, cmd, arg)
	if errno != 0 {
		return n, errno
	}
	return n, nil
}

func ioctlPtr[P any](fd uintptr, cmd uintptr, p *P) (uintptr, error) {
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, cmd, uintptr(unsafe.Pointer(p)))
	if errno != 0 {
		return n, errno
	}
	return n, nil
}

// GroupPath returns the VFIO group node of a PCI function, following the
// iommu_group link below sysfsRoot (normally /sys/bus/pci/devices).
func GroupPath(sysfsRoot, addr string) (string, error) {
	link, err := os.Readlink(filepath.Join(sysfsRoot, addr, "iommu_group"))
	if err != nil {
		return "", fmt.Errorf("find iommu group of %s: %w", addr, err)
	}
	return filepath.Join("/dev/vfio", filepath.Base(link)), nil
}

// Device is a PCI function opened through VFIO, together with the container
// holding its IOMMU domain.
type Device struct {
	addr      string
	container *os.File
	group     *os.File
	dev       *os.File

	// mu serializes DMA map changes and config space updates.
	mu     sync.Mutex
	closed bool
}

// Open attaches the group at groupPath to a fresh container and opens the
// function addr (for example 0000:00:03.0) in it. The function must be bound
// to vfio-pci and be the only one in its group.
func Open(groupPath, addr string) (_ *Device, err error) {
	d := &Device{addr: addr}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	d.container, err = os.OpenFile(ContainerPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open vfio container: %w", err)
	}
	cfd := d.container.Fd()

	v, err := ioctl(cfd, ioctlGetAPIVersion, 0)
	if err != nil {
		return nil, fmt.Errorf("get vfio api version: %w", err)
	}
	if v != apiVersion {
		return nil, fmt.Errorf("unsupported vfio api version %d", v)
	}

	iommuType := uintptr(type1v2IOMMU)
	if ok, _ := ioctl(cfd, ioctlCheckExtension, type1v2IOMMU); ok == 0 {
		if ok, _ := ioctl(cfd, ioctlCheckExtension, type1IOMMU); ok == 0 {
			return nil, errors.New("vfio container does not support a type1 iommu")
		}
		iommuType = type1IOMMU
	}

	d.group, err = os.OpenFile(groupPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open vfio group: %w", err)
	}
	gfd := d.group.Fd()

	status := groupStatus{argsz: uint32(unsafe.Sizeof(groupStatus{}))}
	if _, err := ioctlPtr(gfd, ioctlGroupGetStatus, &status); err != nil {
		return nil, fmt.Errorf("get vfio group status: %w", err)
	}
	if status.flags&groupFlagsViable == 0 {
		return nil, fmt.Errorf("vfio group %s is not viable, bind every device in it to vfio-pci", groupPath)
	}

	containerFD := int32(cfd)
	if _, err := ioctlPtr(gfd, ioctlGroupSetContainer, &containerFD); err != nil {
		return nil, fmt.Errorf("attach vfio group to container: %w", err)
	}
	if _, err := ioctl(cfd, ioctlSetIOMMU, iommuType); err != nil {
		return nil, fmt.Errorf("set vfio iommu type: %w", err)
	}

	name, err := unix.ByteSliceFromString(addr)
	if err != nil {
		return nil, err
	}
	fd, err := ioctlPtr(gfd, ioctlGroupGetDeviceFD, &name[0])
	if err != nil {
		return nil, fmt.Errorf("get vfio device %s: %w", addr, err)
	}
	d.dev = os.NewFile(fd, "vfio-device-"+addr)

	return d, nil
}

// Addr returns the PCI address the device was opened with.
func (d *Device) Addr() string {
	return d.addr
}

// MapDMA pins mem and maps it at iova for device reads and writes.
func (d *Device) MapDMA(mem []byte, iova uint64) error {
	if len(mem) == 0 || len(mem)%os.Getpagesize() != 0 {
		return fmt.Errorf("dma map size %d is not a whole number of pages", len(mem))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return os.ErrClosed
	}

	m := dmaMap{
		argsz: uint32(unsafe.Sizeof(dmaMap{})),
		flags: dmaMapFlagRead | dmaMapFlagWrite,
		vaddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		iova:  iova,
		size:  uint64(len(mem)),
	}
	if _, err := ioctlPtr(d.container.Fd(), ioctlIOMMUMapDMA, &m); err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return fmt.Errorf("vfio dma map: %w (is RLIMIT_MEMLOCK too low?)", err)
		}
		return fmt.Errorf("vfio dma map: %w", err)
	}
	return nil
}

// UnmapDMA removes a mapping made by MapDMA and unpins its pages.
func (d *Device) UnmapDMA(iova uint64, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return os.ErrClosed
	}

	u := dmaUnmap{
		argsz: uint32(unsafe.Sizeof(dmaUnmap{})),
		iova:  iova,
		size:  size,
	}
	if _, err := ioctlPtr(d.container.Fd(), ioctlIOMMUUnmapDMA, &u); err != nil {
		return fmt.Errorf("vfio dma unmap: %w", err)
	}
	if u.size != size {
		return fmt.Errorf("vfio dma unmap removed %d of %d bytes", u.size, size)
	}
	return nil
}

// SetINTxTrigger signals the eventfd efd on every legacy interrupt. A
// negative efd disables signalling. The kernel masks INTx when it fires,
// UnmaskINTx re-enables it.
func (d *Device) SetINTxTrigger(efd int) error {
	s := irqSet{
		flags: irqSetDataNone | irqSetActionTrigger,
		index: pciINTxIRQIndex,
		argsz: irqSetHeaderSize,
	}
	if efd >= 0 {
		s = irqSet{
			argsz: uint32(unsafe.Sizeof(irqSet{})),
			flags: irqSetDataEventfd | irqSetActionTrigger,
			index: pciINTxIRQIndex,
			count: 1,
			fd:    int32(efd),
		}
	}
	if _, err := ioctlPtr(d.dev.Fd(), ioctlDeviceSetIRQs, &s); err != nil {
		return fmt.Errorf("vfio set intx trigger: %w", err)
	}
	return nil
}

// UnmaskINTx re-enables the legacy interrupt after it fired.
func (d *Device) UnmaskINTx() error {
	s := irqSet{
		argsz: irqSetHeaderSize,
		flags: irqSetDataNone | irqSetActionUnmask,
		index: pciINTxIRQIndex,
		count: 1,
	}
	if _, err := ioctlPtr(d.dev.Fd(), ioctlDeviceSetIRQs, &s); err != nil {
		return fmt.Errorf("vfio unmask intx: %w", err)
	}
	return nil
}

// EnableBusMaster turns on memory and I/O decoding and bus mastering in the
// PCI command register. Without bus mastering the controller can not DMA.
func (d *Device) EnableBusMaster() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := regionInfo{
		argsz: uint32(unsafe.Sizeof(regionInfo{})),
		index: pciConfigRegionIndex,
	}
	if _, err := ioctlPtr(d.dev.Fd(), ioctlDeviceGetRegionInfo, &info); err != nil {
		return fmt.Errorf("get pci config region: %w", err)
	}

	var b [2]byte
	off := int64(info.offset) + pciCommand
	if _, err := unix.Pread(int(d.dev.Fd()), b[:], off); err != nil {
		return fmt.Errorf("read pci command: %w", err)
	}
	cmd := binary.LittleEndian.Uint16(b[:]) | pciCommandMemory | pciCommandIO | pciCommandMaster
	binary.LittleEndian.PutUint16(b[:], cmd)
	if _, err := unix.Pwrite(int(d.dev.Fd()), b[:], off); err != nil {
		return fmt.Errorf("write pci command: %w", err)
	}
	return nil
}

// Close releases the device, the group and the container. The kernel drops
// every DMA mapping with the container.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	for _, f := range []*os.File{d.dev, d.group, d.container} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}
