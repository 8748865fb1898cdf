package e1000

import (
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/sleep"
)

// napi runs the poll function on its own goroutine whenever it is scheduled.
// A pass that uses its whole budget is followed by another one right away,
// otherwise the goroutine sleeps until the next schedule.
type napi struct {
	l      *logrus.Entry
	poll   func(budget int) int
	weight int
	runs   metrics.Counter

	sched sleep.Waker
	stop  sleep.Waker
	done  chan struct{}
}

func newNapi(l *logrus.Entry, poll func(int) int, weight int, runs metrics.Counter) *napi {
	return &napi{
		l:      l,
		poll:   poll,
		weight: weight,
		runs:   runs,
		done:   make(chan struct{}),
	}
}

func (n *napi) enable() {
	go n.run()
}

// schedule requests a poll pass. It never blocks and schedules made while a
// pass runs collapse into one more pass.
func (n *napi) schedule() {
	n.sched.Assert()
}

// disable stops the goroutine and waits for a running pass to finish.
func (n *napi) disable() {
	n.stop.Assert()
	<-n.done
}

func (n *napi) run() {
	defer close(n.done)

	var s sleep.Sleeper
	s.AddWaker(&n.sched)
	s.AddWaker(&n.stop)
	defer s.Done()

	for {
		switch s.Fetch(true) {
		case &n.stop:
			return

		case &n.sched:
			for {
				n.runs.Inc(1)
				work := n.poll(n.weight)
				if work < n.weight {
					break
				}
				if n.stop.IsAsserted() {
					return
				}
				n.l.WithField("work", work).Trace("Poll budget exhausted, polling again")
			}
		}
	}
}
