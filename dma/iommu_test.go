package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOMMU_Coherent(t *testing.T) {
	m := NewIOMMU()

	c, err := m.AllocCoherent(64)
	require.NoError(t, err)
	assert.Equal(t, defaultBase, c.Addr())
	assert.Len(t, c.Bytes(), 64)

	c.Bytes()[17] = 0xaa
	b, err := m.Resolve(c.Addr()+16, 4, FromDevice)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), b[1])

	b[0] = 0x55
	assert.Equal(t, byte(0x55), c.Bytes()[16])

	_, err = m.Resolve(c.Addr()+60, 8, ToDevice)
	assert.ErrorIs(t, err, ErrFault)

	require.NoError(t, c.Release())
	assert.ErrorIs(t, c.Release(), ErrReleased)

	_, err = m.Resolve(c.Addr(), 4, ToDevice)
	assert.ErrorIs(t, err, ErrFault)
}

func TestIOMMU_Map(t *testing.T) {
	m := NewIOMMU(WithBase(0x2001))

	buf := make([]byte, 2048)
	mp, err := m.Map(buf, ToDevice)
	require.NoError(t, err)
	assert.Equal(t, Addr(0x3000), mp.Addr())
	assert.Equal(t, 1, m.Live())

	// device reads are allowed, writes are not
	_, err = m.Resolve(mp.Addr(), 2048, ToDevice)
	assert.NoError(t, err)
	_, err = m.Resolve(mp.Addr(), 1, FromDevice)
	assert.ErrorIs(t, err, ErrFault)

	second, err := m.Map(make([]byte, 10), FromDevice)
	require.NoError(t, err)
	assert.Equal(t, Addr(0x4000), second.Addr(), "addresses are page aligned and never reused")

	require.NoError(t, mp.Unmap())
	assert.ErrorIs(t, mp.Unmap(), ErrReleased)
	assert.Equal(t, 1, m.Live())

	_, err = m.Resolve(0x3000, 1, ToDevice)
	assert.ErrorIs(t, err, ErrFault)
}

func TestIOMMU_MappingLimit(t *testing.T) {
	m := NewIOMMU(WithMappingLimit(1))

	a, err := m.Map(make([]byte, 8), ToDevice)
	require.NoError(t, err)

	_, err = m.Map(make([]byte, 8), ToDevice)
	assert.ErrorIs(t, err, ErrMappingLimit)

	require.NoError(t, a.Unmap())
	_, err = m.Map(make([]byte, 8), ToDevice)
	assert.NoError(t, err)

	m.SetMappingLimit(-1)
	for i := 0; i < 4; i++ {
		_, err = m.Map(make([]byte, 8), FromDevice)
		assert.NoError(t, err)
	}
	assert.Equal(t, 5, m.Live())
}

func TestIOMMU_Invalid(t *testing.T) {
	m := NewIOMMU()
	_, err := m.AllocCoherent(0)
	assert.Error(t, err)
	_, err = m.Map(nil, ToDevice)
	assert.Error(t, err)
}

func TestDirection_String(t *testing.T) {
	assert.Equal(t, "to-device", ToDevice.String())
	assert.Equal(t, "from-device", FromDevice.String())
	assert.Equal(t, "Direction(9)", Direction(9).String())
}
