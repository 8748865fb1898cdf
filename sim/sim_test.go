package sim

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/slackhq/e1000/dma"
	"github.com/slackhq/e1000/hw"
	"github.com/slackhq/e1000/packet"
	"github.com/slackhq/e1000/regs"
	"github.com/slackhq/e1000/ring"
	"github.com/slackhq/e1000/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingIRQ struct {
	n atomic.Int64
}

func (c *countingIRQ) Raise() error {
	c.n.Add(1)
	return nil
}

type wireLog struct {
	mu     sync.Mutex
	frames [][]byte
}

func (w *wireLog) put(f []byte) {
	w.mu.Lock()
	w.frames = append(w.frames, f)
	w.mu.Unlock()
}

func (w *wireLog) get() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.frames...)
}

type harness struct {
	iommu *dma.IOMMU
	dev   *Device
	irq   *countingIRQ
	regs  *regs.Regs
	pool  *packet.Pool
	tx    *ring.Tx
	rx    *ring.Rx
	wire  *wireLog
	hook  *logtest.Hook
}

func newHarness(t *testing.T, n int, options ...Option) *harness {
	h := &harness{
		iommu: dma.NewIOMMU(),
		irq:   &countingIRQ{},
		wire:  &wireLog{},
	}
	options = append([]Option{WithWire(h.wire.put)}, options...)
	l, hook := test.NewHookedLogger()
	h.hook = hook
	h.dev = New(l, h.iommu, h.irq, options...)
	h.regs = regs.New(test.NewLogger(), h.dev, h.dev, regs.WithSleep(func(time.Duration) {}))
	require.NoError(t, h.regs.ResetHW())

	var err error
	h.pool, err = packet.NewPool(2*n, hw.BufferSize)
	require.NoError(t, err)

	h.tx, err = ring.NewTx(h.iommu, h.regs.TxQueue(), n)
	require.NoError(t, err)
	h.rx, err = ring.NewRx(h.iommu, h.pool, h.regs.RxQueue(), n)
	require.NoError(t, err)

	rxBase, rxSize := h.rx.Info()
	txBase, txSize := h.tx.Info()
	require.NoError(t, h.regs.Configure(regs.Config{
		MAC: hw.DefaultMAC,
		Rx:  regs.RingInfo{Base: rxBase, Size: rxSize},
		Tx:  regs.RingInfo{Base: txBase, Size: txSize},
	}))

	t.Cleanup(func() {
		_ = h.regs.Quiesce()
		_ = h.tx.Close(nil)
		_ = h.rx.Close()
		_ = h.dev.Close()
	})
	return h
}

func frame(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func TestDevice_Reset(t *testing.T) {
	h := newHarness(t, 8)

	mac, err := h.regs.MAC()
	require.NoError(t, err)
	assert.Equal(t, hw.DefaultMAC, mac)
	assert.True(t, h.regs.LinkUp())

	manc, err := h.dev.Read32(hw.MANC)
	require.NoError(t, err)
	assert.Zero(t, manc&hw.MANC_ARP_EN)
	assert.Equal(t, uint64(1), h.dev.Stats().Resets)
	assert.Empty(t, h.dev.Violations())
}

func TestDevice_ICRClearOnRead(t *testing.T) {
	h := newHarness(t, 8)

	require.NoError(t, h.dev.Write32(hw.IMC, hw.IMC_ALL))
	require.NoError(t, h.dev.Write32(hw.ICS, hw.ICR_LSC))
	assert.Zero(t, h.irq.n.Load(), "masked causes must not interrupt")

	icr, err := h.regs.ReadICR()
	require.NoError(t, err)
	assert.Equal(t, uint32(hw.ICR_LSC), icr)

	icr, err = h.regs.ReadICR()
	require.NoError(t, err)
	assert.Zero(t, icr)

	require.NoError(t, h.dev.Write32(hw.IMS, hw.ICR_LSC))
	h.dev.SetLink(false)
	assert.Equal(t, int64(1), h.irq.n.Load())
	assert.False(t, h.regs.LinkUp())
}

func TestDevice_Transmit(t *testing.T) {
	h := newHarness(t, 8)

	require.NoError(t, h.tx.Transmit(packet.FromBytes(frame(100, 0xaa))))
	require.NoError(t, h.tx.Transmit(packet.FromBytes(frame(10, 0xbb))))

	frames := h.wire.get()
	require.Len(t, frames, 2)
	assert.Equal(t, frame(100, 0xaa), frames[0])
	// short frames are padded by the driver
	assert.Len(t, frames[1], hw.MinFrameLen)
	assert.Equal(t, byte(0xbb), frames[1][9])
	assert.Equal(t, byte(0), frames[1][10])

	icr, err := h.regs.ReadICR()
	require.NoError(t, err)
	assert.NotZero(t, icr&hw.ICR_TXDW)
	assert.NotZero(t, h.irq.n.Load())

	c, err := h.tx.Reclaim(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Packets)
	assert.Equal(t, 160, c.Bytes)
	assert.Equal(t, 8, h.iommu.Live(), "only receive buffers stay mapped")
	assert.Empty(t, h.dev.Violations())
}

func TestDevice_ManualTx(t *testing.T) {
	h := newHarness(t, 4, WithManualTx())

	for i := 0; i < 3; i++ {
		require.NoError(t, h.tx.Transmit(packet.FromBytes(frame(64, byte(i)))))
	}
	assert.ErrorIs(t, h.tx.Transmit(packet.FromBytes(frame(64, 9))), ring.ErrBusy)
	assert.Equal(t, 3, h.dev.TxOutstanding())

	// nothing completed, nothing to reclaim
	c, err := h.tx.Reclaim(nil)
	require.NoError(t, err)
	assert.Zero(t, c.Packets)

	assert.Equal(t, 1, h.dev.CompleteTx(1))
	c, err = h.tx.Reclaim(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Packets)

	require.NoError(t, h.tx.Transmit(packet.FromBytes(frame(64, 3))))
	assert.Equal(t, 3, h.dev.CompleteTx(10))

	frames := h.wire.get()
	require.Len(t, frames, 4)
	for i, f := range frames {
		assert.Equal(t, byte(i), f[0])
	}
	assert.Empty(t, h.dev.Violations())
}

func TestDevice_DoneDelay(t *testing.T) {
	h := newHarness(t, 8, WithDoneDelay(5*time.Millisecond))

	require.NoError(t, h.tx.Transmit(packet.FromBytes(frame(64, 1))))
	assert.Empty(t, h.wire.get())

	assert.Eventually(t, func() bool {
		return len(h.wire.get()) == 1
	}, time.Second, time.Millisecond)

	c, err := h.tx.Reclaim(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Packets)
	assert.Empty(t, h.dev.Violations())
}

func TestDevice_Receive(t *testing.T) {
	h := newHarness(t, 4)

	// three descriptors are owned by the device, the fourth is held back
	assert.True(t, h.dev.Inject(frame(60, 1)))
	assert.True(t, h.dev.Inject(frame(70, 2)))
	assert.True(t, h.dev.Inject(frame(80, 3)))
	assert.False(t, h.dev.Inject(frame(90, 4)))
	assert.Equal(t, uint64(1), h.dev.Stats().RxMissed)

	var got [][]byte
	n, err := h.rx.Drain(0, func(b *packet.Buffer) {
		got = append(got, append([]byte(nil), b.Bytes()...))
		b.Free()
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, got, 3)
	assert.Equal(t, frame(60, 1), got[0])
	assert.Equal(t, frame(80, 3), got[2])

	// refilled descriptors were handed back
	assert.True(t, h.dev.Inject(frame(64, 5)))
	assert.Empty(t, h.dev.Violations())
}

func TestDevice_ReceiveDisabled(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.regs.Quiesce())

	assert.False(t, h.dev.Inject(frame(60, 1)))
	assert.Equal(t, uint64(1), h.dev.Stats().RxMissed)
}

func TestDevice_OwnershipViolation(t *testing.T) {
	h := newHarness(t, 4, WithManualTx())

	require.NoError(t, h.tx.Transmit(packet.FromBytes(frame(64, 1))))

	// scribble on a descriptor the device owns
	base, _ := h.tx.Info()
	b, err := h.iommu.Resolve(base, hw.DescriptorSize, dma.Bidirectional)
	require.NoError(t, err)
	hw.TxDescAt(b).Length = 100

	h.dev.CompleteTx(1)
	v := h.dev.Violations()
	require.NotEmpty(t, v)
	assert.Contains(t, v[0], "changed while owned by the device")

	var logged []string
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			logged = append(logged, e.Message)
		}
	}
	assert.Equal(t, v, logged)
}

func TestConnect(t *testing.T) {
	a := newHarness(t, 8)
	b := newHarness(t, 8)
	Connect(a.dev, b.dev)

	require.NoError(t, a.tx.Transmit(packet.FromBytes(frame(100, 7))))

	var got []byte
	n, err := b.rx.Drain(0, func(p *packet.Buffer) {
		got = append([]byte(nil), p.Bytes()...)
		p.Free()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, frame(100, 7), got)
}

func TestDevice_BadOffset(t *testing.T) {
	d := New(test.NewLogger(), dma.NewIOMMU(), nil)
	_, err := d.Read32(3)
	assert.Error(t, err)
	assert.Error(t, d.Write32(hw.RegisterSpace, 0))
	assert.Error(t, d.Out32(8, 0))
}
