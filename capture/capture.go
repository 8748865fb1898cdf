// Package capture writes frames crossing the driver to a pcap file.
package capture

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Direction of a tapped frame relative to the host.
type Direction int

const (
	Rx Direction = iota
	Tx
)

func (d Direction) String() string {
	if d == Tx {
		return "tx"
	}
	return "rx"
}

// DefaultSnapLen captures whole frames.
const DefaultSnapLen = 65535

// Writer records frames. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	c       io.Closer
	w       *pcapgo.Writer
	snaplen uint32
	count   uint64
	now     func() time.Time
}

// Open creates or truncates path and writes the pcap file header.
func Open(path string, snaplen uint32) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}

	w, err := NewWriter(f, snaplen)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.c = f
	return w, nil
}

// NewWriter writes a pcap stream to w. Close will not close w.
func NewWriter(w io.Writer, snaplen uint32) (*Writer, error) {
	if snaplen == 0 {
		snaplen = DefaultSnapLen
	}

	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write capture header: %w", err)
	}

	return &Writer{w: pw, snaplen: snaplen, now: time.Now}, nil
}

// Tap records one frame. dir is stored as the interface index so rx and tx
// can be told apart.
func (w *Writer) Tap(dir Direction, frame []byte) error {
	n := len(frame)
	if n > int(w.snaplen) {
		n = int(w.snaplen)
	}

	ci := gopacket.CaptureInfo{
		Timestamp:      w.now(),
		CaptureLength:  n,
		Length:         len(frame),
		InterfaceIndex: int(dir),
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.w == nil {
		return os.ErrClosed
	}
	if err := w.w.WritePacket(ci, frame[:n]); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of frames written.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.w = nil
	if w.c != nil {
		c := w.c
		w.c = nil
		return c.Close()
	}
	return nil
}
