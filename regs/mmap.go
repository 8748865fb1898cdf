package regs

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Window is a BAR mapped from a sysfs resource file, typically
// /sys/bus/pci/devices/<bdf>/resource0.
type Window struct {
	mu   sync.RWMutex
	data []byte
}

// MapResource maps the whole resource file for shared read/write access.
func MapResource(path string) (*Window, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open register resource: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat register resource: %w", err)
	}
	if fi.Size() == 0 || fi.Size()%4 != 0 {
		return nil, fmt.Errorf("register resource %s has unusable size %d", path, fi.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap register resource: %w", err)
	}

	w := &Window{data: data}
	runtime.SetFinalizer(w, (*Window).Close)
	return w, nil
}

func (w *Window) word(offset uint32) (*uint32, error) {
	if w.data == nil {
		return nil, ErrRegionInvalid
	}
	if offset%4 != 0 {
		return nil, fmt.Errorf("unaligned register offset %#x", offset)
	}
	if uint64(offset)+4 > uint64(len(w.data)) {
		return nil, fmt.Errorf("register offset %#x outside of %d byte window", offset, len(w.data))
	}
	return (*uint32)(unsafe.Pointer(&w.data[offset])), nil
}

func (w *Window) Read32(offset uint32) (uint32, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	p, err := w.word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

func (w *Window) Write32(offset uint32, value uint32) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	p, err := w.word(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, value)
	return nil
}

// Len returns the size of the window in bytes.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.data)
}

// Close unmaps the window. Accesses after Close return ErrRegionInvalid.
func (w *Window) Close() error {
	if w == nil {
		return os.ErrInvalid
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.data == nil {
		return nil
	}
	data := w.data
	w.data = nil
	runtime.SetFinalizer(w, nil)

	return unix.Munmap(data)
}
