package vfio

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIoctlNumbers(t *testing.T) {
	// Values from linux/vfio.h
	assert.Equal(t, uintptr(0x3b64), ioctlGetAPIVersion)
	assert.Equal(t, uintptr(0x3b68), ioctlGroupSetContainer)
	assert.Equal(t, uintptr(0x3b6a), ioctlGroupGetDeviceFD)
	assert.Equal(t, uintptr(0x3b6e), ioctlDeviceSetIRQs)
	assert.Equal(t, uintptr(0x3b71), ioctlIOMMUMapDMA)
	assert.Equal(t, uintptr(0x3b72), ioctlIOMMUUnmapDMA)
}

func TestStructLayout(t *testing.T) {
	assert.Equal(t, uintptr(8), unsafe.Sizeof(groupStatus{}))
	assert.Equal(t, uintptr(32), unsafe.Sizeof(dmaMap{}))
	assert.Equal(t, uintptr(24), unsafe.Sizeof(dmaUnmap{}))
	assert.Equal(t, uintptr(32), unsafe.Sizeof(regionInfo{}))
	assert.Equal(t, uintptr(irqSetHeaderSize), unsafe.Offsetof(irqSet{}.fd))
}

func TestGroupPath(t *testing.T) {
	root := t.TempDir()
	fn := filepath.Join(root, "0000:00:03.0")
	require.NoError(t, os.Mkdir(fn, 0o755))
	require.NoError(t, os.Symlink("../../../kernel/iommu_groups/7", filepath.Join(fn, "iommu_group")))

	p, err := GroupPath(root, "0000:00:03.0")
	require.NoError(t, err)
	assert.Equal(t, "/dev/vfio/7", p)

	_, err = GroupPath(root, "0000:00:04.0")
	assert.ErrorContains(t, err, "find iommu group of 0000:00:04.0")
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "7"), "0000:00:03.0")
	assert.Error(t, err)
}

func TestDevice_Closed(t *testing.T) {
	d := &Device{addr: "0000:00:03.0"}
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.MapDMA(make([]byte, os.Getpagesize()), 0x1000), os.ErrClosed)
	assert.ErrorIs(t, d.UnmapDMA(0x1000, 4096), os.ErrClosed)
	assert.Error(t, d.MapDMA(make([]byte, 10), 0x1000), "partial pages can not be mapped")
	assert.Equal(t, "0000:00:03.0", d.Addr())
}
