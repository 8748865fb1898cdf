package e1000

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/e1000/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNapi(poll func(int) int, weight int) *napi {
	return newNapi(logrus.NewEntry(test.NewLogger()), poll, weight, metrics.NewCounter())
}

func TestNapi_RepollsOnFullBudget(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	n := newTestNapi(func(budget int) int {
		switch calls.Add(1) {
		case 1, 2, 3:
			return budget
		case 4:
			close(done)
		}
		return budget - 1
	}, 8)
	n.enable()
	n.schedule()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll was not repeated")
	}
	n.disable()
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, int64(4), n.runs.Count())
}

func TestNapi_SchedulesCoalesce(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	n := newTestNapi(func(int) int {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return 0
	}, 8)
	n.enable()
	defer n.disable()

	n.schedule()
	<-entered
	n.schedule()
	n.schedule()
	n.schedule()
	release <- struct{}{}

	// one more pass for all the schedules made while polling
	<-entered
	release <- struct{}{}

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNapi_DisableWaitsForPoll(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	n := newTestNapi(func(int) int {
		close(entered)
		<-release
		finished.Store(true)
		return 0
	}, 8)
	n.enable()
	n.schedule()
	<-entered

	disabled := make(chan struct{})
	go func() {
		n.disable()
		close(disabled)
	}()

	select {
	case <-disabled:
		t.Fatal("disable returned while a poll was running")
	case <-time.After(10 * time.Millisecond):
	}

	close(release)
	select {
	case <-disabled:
	case <-time.After(time.Second):
		t.Fatal("disable never returned")
	}
	require.True(t, finished.Load())
}
