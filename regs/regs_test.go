package regs

import (
	"errors"
	"testing"
	"time"

	"github.com/slackhq/e1000/dma"
	"github.com/slackhq/e1000/hw"
	"github.com/slackhq/e1000/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResetHW_Order(t *testing.T) {
	rec := NewRecorder(nil, nil)
	rec.Set(hw.CTRL, hw.CTRL_FD|hw.CTRL_SLU)
	rec.Set(hw.MANC, hw.MANC_ARP_EN|0x1)
	rec.Set(hw.ICR, hw.ICR_LSC)

	r := New(test.NewLogger(), rec, rec, WithSleep(rec.Sleep))
	require.NoError(t, r.ResetHW())

	assert.Equal(t, []Op{
		{Kind: OpWrite, Offset: hw.IMC, Value: hw.IMC_ALL},
		{Kind: OpWrite, Offset: hw.RCTL, Value: 0},
		{Kind: OpWrite, Offset: hw.TCTL, Value: hw.TCTL_PSP},
		{Kind: OpRead, Offset: hw.STATUS},
		{Kind: OpSleep, Delay: 10 * time.Millisecond},
		{Kind: OpRead, Offset: hw.CTRL},
		{Kind: OpIO, Offset: hw.IOADDR, Value: hw.CTRL},
		{Kind: OpIO, Offset: hw.IODATA, Value: hw.CTRL_FD | hw.CTRL_SLU | hw.CTRL_RST},
		{Kind: OpSleep, Delay: 5 * time.Millisecond},
		{Kind: OpRead, Offset: hw.MANC},
		{Kind: OpWrite, Offset: hw.MANC, Value: 0x1},
		{Kind: OpWrite, Offset: hw.IMC, Value: hw.IMC_ALL},
		{Kind: OpRead, Offset: hw.ICR},
	}, rec.Ops())

	// interrupts are masked both before and after the reset
	assert.Equal(t, []uint32{hw.IMC_ALL, hw.IMC_ALL}, rec.Writes(hw.IMC))
}

type failingMMIO struct {
	failOn uint32
}

func (f failingMMIO) Read32(offset uint32) (uint32, error) {
	if offset == f.failOn {
		return 0, errors.New("bus error")
	}
	return 0, nil
}

func (f failingMMIO) Write32(offset uint32, _ uint32) error {
	if offset == f.failOn {
		return errors.New("bus error")
	}
	return nil
}

func TestResetHW_Errors(t *testing.T) {
	l := test.NewLogger()
	rec := NewRecorder(nil, nil)

	// a failed flush read is only logged
	r := New(l, failingMMIO{failOn: hw.STATUS}, rec, WithSleep(rec.Sleep))
	assert.NoError(t, r.ResetHW())

	r = New(l, failingMMIO{failOn: hw.CTRL}, rec, WithSleep(rec.Sleep))
	assert.ErrorContains(t, r.ResetHW(), "read CTRL")

	r = New(l, failingMMIO{failOn: hw.IMC}, rec, WithSleep(rec.Sleep))
	assert.ErrorContains(t, r.ResetHW(), "quiesce before reset")

	r = New(l, rec, nil, WithSleep(rec.Sleep))
	assert.ErrorIs(t, r.ResetHW(), ErrRegionInvalid)
}

func TestConfigure(t *testing.T) {
	rec := NewRecorder(nil, nil)
	r := New(test.NewLogger(), rec, rec)

	for i := uint32(0); i < hw.MTAEntries; i++ {
		rec.Set(hw.MTA+i*4, 0xffffffff)
	}

	err := r.Configure(Config{
		MAC: hw.DefaultMAC,
		Rx:  RingInfo{Base: 0x1_2000_0000, Size: 8},
		Tx:  RingInfo{Base: 0x3000, Size: 16},
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(0x12005452), rec.Value(hw.RA))
	assert.Equal(t, uint32(0x5634|hw.RAH_AV), rec.Value(hw.RA+4))
	for i := uint32(0); i < hw.MTAEntries; i++ {
		assert.Zero(t, rec.Value(hw.MTA+i*4))
	}

	assert.Equal(t, uint32(0), rec.Value(hw.RDH))
	assert.Equal(t, uint32(7), rec.Value(hw.RDT))
	assert.Equal(t, uint32(128), rec.Value(hw.RDLEN))
	assert.Equal(t, uint32(0x2000_0000), rec.Value(hw.RDBAL))
	assert.Equal(t, uint32(0x1), rec.Value(hw.RDBAH))
	assert.Equal(t, uint32(hw.RCTL_EN|hw.RCTL_BAM|hw.RCTL_SECRC), rec.Value(hw.RCTL))

	assert.Equal(t, uint32(256), rec.Value(hw.TDLEN))
	assert.Equal(t, uint32(0x3000), rec.Value(hw.TDBAL))
	assert.Equal(t, uint32(0), rec.Value(hw.TDBAH))
	assert.Equal(t, uint32(0x4010a), rec.Value(hw.TCTL))
	assert.Equal(t, uint32(hw.TIPG_DEFAULT), rec.Value(hw.TIPG))
	assert.Equal(t, uint32(hw.IMS_ENABLE_MASK), rec.Value(hw.IMS))

	// the interrupt mask is the last thing written
	ops := rec.Ops()
	assert.Equal(t, Op{Kind: OpWrite, Offset: hw.IMS, Value: hw.IMS_ENABLE_MASK}, ops[len(ops)-1])

	mac, err := r.MAC()
	require.NoError(t, err)
	assert.Equal(t, hw.DefaultMAC, mac)

	assert.Error(t, r.Configure(Config{MAC: []byte{1}}))
}

func TestQueue(t *testing.T) {
	rec := NewRecorder(nil, nil)
	r := New(test.NewLogger(), rec, rec)

	tx := r.TxQueue()
	require.NoError(t, tx.SetTail(3))
	rec.Set(hw.TDH, 2)

	v, err := tx.Tail()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), v)
	v, err = tx.Head()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v)

	require.NoError(t, r.RxQueue().SetTail(5))
	assert.Equal(t, uint32(5), rec.Value(hw.RDT))
}

func TestRegs_Closed(t *testing.T) {
	rec := NewRecorder(nil, nil)
	rec.Set(hw.STATUS, hw.STATUS_LU)
	r := New(test.NewLogger(), rec, rec)
	assert.True(t, r.LinkUp())

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Read32(hw.STATUS)
	assert.ErrorIs(t, err, ErrRegionInvalid)
	assert.ErrorIs(t, r.Write32(hw.CTRL, 0), ErrRegionInvalid)
	assert.ErrorIs(t, r.IOWrite(hw.CTRL, 0), ErrRegionInvalid)
	assert.False(t, r.LinkUp())

	err = r.Configure(Config{MAC: hw.DefaultMAC, Rx: RingInfo{Base: dma.Addr(0x1000), Size: 8}})
	assert.ErrorIs(t, err, ErrRegionInvalid)
}

func TestRegs_Write32OffsetFirst(t *testing.T) {
	rec := NewRecorder(nil, nil)
	r := New(test.NewLogger(), rec, rec)

	require.NoError(t, r.Write32(hw.TDT, 0x7))
	assert.Equal(t, []Op{{Kind: OpWrite, Offset: hw.TDT, Value: 0x7}}, rec.Ops())
	assert.Equal(t, uint32(0x7), rec.Value(hw.TDT))

	v, err := r.Read32(hw.TDT)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7), v)
}
