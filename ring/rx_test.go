package ring

import (
	"testing"

	"github.com/slackhq/e1000/dma"
	"github.com/slackhq/e1000/hw"
	"github.com/slackhq/e1000/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deviceFill does what the controller does when a frame arrives in slot i.
func deviceFill(t *testing.T, m *dma.IOMMU, r *Rx, i int, data []byte) {
	t.Helper()
	d := &r.table.descs[i]
	b, err := m.Resolve(dma.Addr(d.Addr), len(data), dma.FromDevice)
	require.NoError(t, err)
	copy(b, data)
	d.Length = uint16(len(data))
	d.StoreStatus(hw.RXD_STAT_DD|hw.RXD_STAT_EOP, 0)
}

func newTestRx(t *testing.T, n, buffers int) (*Rx, *dma.IOMMU, *packet.Pool, *fakeDoorbell) {
	t.Helper()
	m := dma.NewIOMMU()
	pool, err := packet.NewPool(buffers, hw.BufferSize)
	require.NoError(t, err)
	db := &fakeDoorbell{tail: uint32(n - 1)}

	rx, err := NewRx(m, pool, db, n)
	require.NoError(t, err)
	return rx, m, pool, db
}

func addrs(r *Rx) []uint64 {
	out := make([]uint64, len(r.table.descs))
	for i := range r.table.descs {
		out[i] = r.table.descs[i].Addr
	}
	return out
}

func TestNewRx(t *testing.T) {
	rx, m, pool, _ := newTestRx(t, 8, 16)

	assert.Equal(t, 8, m.Live())
	assert.Equal(t, 8, pool.Available())

	seen := map[uint64]bool{}
	for i, a := range addrs(rx) {
		assert.NotZero(t, a, "slot %d has a buffer", i)
		assert.False(t, seen[a])
		seen[a] = true
		assert.False(t, rx.table.descs[i].Done())
	}

	require.NoError(t, rx.Close())
	assert.Zero(t, m.Live())
	assert.Equal(t, 16, pool.Available())
	require.NoError(t, pool.Close())
}

func TestNewRx_PrimeFailure(t *testing.T) {
	m := dma.NewIOMMU()
	pool, err := packet.NewPool(5, hw.BufferSize)
	require.NoError(t, err)

	_, err = NewRx(m, pool, &fakeDoorbell{}, 8)
	assert.ErrorIs(t, err, packet.ErrPoolExhausted)
	assert.ErrorContains(t, err, "prime receive slot 5")
	assert.Zero(t, m.Live())
	assert.Equal(t, 5, pool.Available())

	m.SetMappingLimit(3)
	_, err = NewRx(m, pool, &fakeDoorbell{}, 4)
	assert.ErrorIs(t, err, dma.ErrMappingLimit)
	assert.Zero(t, m.Live())
	assert.Equal(t, 5, pool.Available())
}

func TestRx_Drain(t *testing.T) {
	rx, m, pool, db := newTestRx(t, 8, 16)
	before := addrs(rx)

	deviceFill(t, m, rx, 0, []byte("first frame"))
	deviceFill(t, m, rx, 1, []byte("second frame"))
	deviceFill(t, m, rx, 2, []byte("third frame"))

	var got []string
	n, err := rx.Drain(0, func(b *packet.Buffer) {
		got = append(got, string(b.Bytes()))
		b.Free()
	})
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"first frame", "second frame", "third frame"}, got)
	assert.Equal(t, []uint32{0, 1, 2}, db.tails)

	after := addrs(rx)
	for i := 0; i < 3; i++ {
		assert.NotEqual(t, before[i], after[i], "slot %d was refilled", i)
		assert.False(t, rx.table.descs[i].Done(), "slot %d is back with the device", i)
		assert.Zero(t, rx.table.descs[i].Length)
	}
	assert.Equal(t, before[3:], after[3:])

	assert.Equal(t, 8, m.Live())
	assert.Equal(t, 8, pool.Available())
	assert.Zero(t, rx.Dropped())

	// nothing more to do
	n, err = rx.Drain(0, func(*packet.Buffer) { t.Fatal("unexpected frame") })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRx_DrainWraps(t *testing.T) {
	rx, m, _, db := newTestRx(t, 4, 8)
	db.tail = 2

	deviceFill(t, m, rx, 3, []byte{3})
	deviceFill(t, m, rx, 0, []byte{0})

	var got []byte
	n, err := rx.Drain(0, func(b *packet.Buffer) {
		got = append(got, b.Bytes()...)
		b.Free()
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{3, 0}, got)
	assert.Equal(t, uint32(0), db.tail)
}

func TestRx_DrainBudget(t *testing.T) {
	rx, m, _, db := newTestRx(t, 8, 16)

	for i := 0; i < 5; i++ {
		deviceFill(t, m, rx, i, []byte{byte(i)})
	}

	var got []byte
	deliver := func(b *packet.Buffer) {
		got = append(got, b.Bytes()[0])
		b.Free()
	}

	n, err := rx.Drain(2, deliver)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint32(1), db.tail)

	n, err = rx.Drain(64, deliver)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{0, 1, 2, 3, 4}, got)
}

func TestRx_DropAndRetain(t *testing.T) {
	// exactly one buffer per slot, so no replacement can be had
	rx, m, pool, db := newTestRx(t, 8, 8)
	before := addrs(rx)

	deviceFill(t, m, rx, 0, []byte("lost"))
	deviceFill(t, m, rx, 1, []byte("lost too"))

	n, err := rx.Drain(0, func(*packet.Buffer) { t.Fatal("frame delivered without a replacement buffer") })
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(2), rx.Dropped())
	assert.Equal(t, before, addrs(rx), "buffers stay on the ring")
	assert.Equal(t, uint32(1), db.tail)
	assert.False(t, rx.table.descs[0].Done())
	assert.False(t, rx.table.descs[1].Done())
	assert.Equal(t, 8, m.Live())
	assert.Zero(t, pool.Available())
}

func TestRx_MappingFailureRetains(t *testing.T) {
	rx, m, pool, _ := newTestRx(t, 8, 16)
	m.SetMappingLimit(8)

	deviceFill(t, m, rx, 0, []byte("x"))
	n, err := rx.Drain(0, func(*packet.Buffer) { t.Fatal("unexpected frame") })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), rx.Dropped())
	assert.Equal(t, 8, pool.Available(), "the replacement buffer went back to the pool")
}

func TestRx_DeviceErrors(t *testing.T) {
	rx, m, _, _ := newTestRx(t, 8, 16)

	deviceFill(t, m, rx, 0, []byte("bad crc"))
	rx.table.descs[0].StoreStatus(hw.RXD_STAT_DD|hw.RXD_STAT_EOP, 0x01)

	n, err := rx.Drain(0, func(*packet.Buffer) { t.Fatal("bad frame delivered") })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), rx.Errors())
	assert.Zero(t, rx.Dropped())
}

func TestRx_Closed(t *testing.T) {
	rx, _, _, _ := newTestRx(t, 8, 8)
	require.NoError(t, rx.Close())
	require.NoError(t, rx.Close())

	_, err := rx.Drain(0, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
