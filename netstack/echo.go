package netstack

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"
)

// ServeUDPEcho answers every datagram on port with its payload until ctx is
// done.
func (s *Stack) ServeUDPEcho(ctx context.Context, port int) error {
	conn, err := s.ListenUDP(net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.SetDeadline(time.Now())
	}()

	l := s.l.WithField("port", port)
	l.Info("UDP echo listening")

	buf := make([]byte, 65535)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if _, err := conn.WriteTo(buf[:n], from); err != nil {
			l.WithError(err).WithField("peer", from).Debug("Failed to echo datagram")
		}
	}
}
