package irq

import (
	"errors"

	"golang.org/x/sys/unix"
)

// epoll waits on a device fd and a wake eventfd at the same time.
type epoll struct {
	fd     int
	wakeFD int
	events []unix.EpollEvent
}

func newEpoll(fds ...int) (*epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	ep := &epoll{fd: fd, wakeFD: wake, events: make([]unix.EpollEvent, len(fds)+1)}
	for _, f := range append(fds, wake) {
		if err := ep.add(f); err != nil {
			ep.Close()
			return nil, err
		}
	}
	return ep, nil
}

func (ep *epoll) add(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &event)
}

// block waits until one of the fds is readable and returns the ready fds.
// The wake fd is drained here and never returned.
func (ep *epoll) block() ([]int, error) {
	for {
		n, err := unix.EpollWait(ep.fd, ep.events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, err
		}

		ready := make([]int, 0, n)
		for _, e := range ep.events[:n] {
			if int(e.Fd) == ep.wakeFD {
				var buf [8]byte
				_, _ = unix.Read(ep.wakeFD, buf[:])
				continue
			}
			ready = append(ready, int(e.Fd))
		}
		return ready, nil
	}
}

func (ep *epoll) wake() error {
	buf := [8]byte{1}
	_, err := unix.Write(ep.wakeFD, buf[:])
	return err
}

func (ep *epoll) Close() error {
	return errors.Join(unix.Close(ep.wakeFD), unix.Close(ep.fd))
}
