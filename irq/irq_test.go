package irq

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slackhq/e1000/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestLine(t *testing.T) (*Line, *EventSource) {
	t.Helper()
	src, err := NewEventSource()
	require.NoError(t, err)
	ln := NewLine(test.NewLogger(), t.Name(), src)
	t.Cleanup(func() {
		assert.NoError(t, ln.Close())
	})
	return ln, src
}

func TestLine_Dispatch(t *testing.T) {
	ln, src := newTestLine(t)

	var calls atomic.Int32
	r, err := ln.Register("eth0", func() Return {
		calls.Add(1)
		return Handled
	}, 0)
	require.NoError(t, err)

	require.NoError(t, src.Raise())
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)

	r.Free()
	r.Free()
	assert.Equal(t, 0, ln.Handlers())

	before := calls.Load()
	require.NoError(t, src.Raise())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, calls.Load(), "freed handlers are not called")
}

func TestLine_Shared(t *testing.T) {
	ln, _ := newTestLine(t)

	_, err := ln.Register("a", func() Return { return None }, 0)
	require.NoError(t, err)

	_, err = ln.Register("b", func() Return { return None }, Shared)
	assert.ErrorIs(t, err, ErrConflict)

	ln2, src2 := newTestLine(t)

	var a, b atomic.Int32
	_, err = ln2.Register("a", func() Return { a.Add(1); return None }, Shared)
	require.NoError(t, err)
	_, err = ln2.Register("b", func() Return { b.Add(1); return Handled }, Shared)
	require.NoError(t, err)

	_, err = ln2.Register("c", func() Return { return None }, 0)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, src2.Raise())
	assert.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, time.Millisecond,
		"every handler on a shared line sees the interrupt")
}

func TestRegistration_FreeWaitsForHandler(t *testing.T) {
	ln, src := newTestLine(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	r, err := ln.Register("slow", func() Return {
		close(entered)
		<-release
		finished.Store(true)
		return Handled
	}, 0)
	require.NoError(t, err)

	require.NoError(t, src.Raise())
	<-entered

	freed := make(chan struct{})
	go func() {
		r.Free()
		close(freed)
	}()

	select {
	case <-freed:
		t.Fatal("Free returned while the handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-freed:
	case <-time.After(5 * time.Second):
		t.Fatal("Free did not return")
	}
	assert.True(t, finished.Load())
}

func TestLine_Closed(t *testing.T) {
	src, err := NewEventSource()
	require.NoError(t, err)
	ln := NewLine(test.NewLogger(), "closed", src)
	require.NoError(t, ln.Close())
	require.NoError(t, ln.Close())

	_, err = ln.Register("late", func() Return { return None }, 0)
	assert.ErrorIs(t, err, ErrLineClosed)
}

func TestEpoll_Wake(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	ep, err := newEpoll(p[0])
	require.NoError(t, err)
	defer ep.Close()

	require.NoError(t, ep.wake())
	ready, err := ep.block()
	require.NoError(t, err)
	assert.Empty(t, ready, "the wake fd is not reported")

	_, err = unix.Write(p[1], []byte{1})
	require.NoError(t, err)
	ready, err = ep.block()
	require.NoError(t, err)
	assert.Equal(t, []int{p[0]}, ready)
}

type fakeINTx struct {
	trigger  atomic.Int64
	unmasked atomic.Int32
}

func (f *fakeINTx) SetINTxTrigger(efd int) error {
	f.trigger.Store(int64(efd))
	return nil
}

func (f *fakeINTx) UnmaskINTx() error {
	f.unmasked.Add(1)
	return nil
}

func TestVFIOSource(t *testing.T) {
	dev := &fakeINTx{}
	src, err := NewVFIOSource(dev)
	require.NoError(t, err)
	efd := int(dev.trigger.Load())
	require.GreaterOrEqual(t, efd, 0, "the interrupt is routed to the eventfd")

	var handled atomic.Int32
	ln := NewLine(test.NewLogger(), t.Name(), src)
	_, err = ln.Register("nic", func() Return {
		handled.Add(1)
		return Handled
	}, 0)
	require.NoError(t, err)

	// What the kernel does when INTx fires
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err = unix.Write(efd, one[:])
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dev.unmasked.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, uint64(1), src.Count())

	require.NoError(t, ln.Close())
	assert.Equal(t, int64(-1), dev.trigger.Load(), "closing stops the kernel from signalling")
	assert.Equal(t, int32(1), handled.Load(), "a wake is not an interrupt")
}

func TestReturn_String(t *testing.T) {
	assert.Equal(t, "handled", Handled.String())
	assert.Equal(t, "none", None.String())
}
