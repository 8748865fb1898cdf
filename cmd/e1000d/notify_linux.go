package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/e1000"
)

// sdNotifyReady tells systemd the service is ready and dependent services can now be started
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
// https://www.freedesktop.org/software/systemd/man/systemd.service.html
const sdNotifyReady = "READY=1"

// notifyReady signals readiness along with a one line status naming the device and its address.
func notifyReady(l *logrus.Logger, ctrl *e1000.Control) {
	state := sdNotifyReady
	if d, s := ctrl.Device(), ctrl.Stack(); d != nil && s != nil {
		state += fmt.Sprintf("\nSTATUS=%s up at %s", d.Name(), s.Address())
	}
	sdNotify(l, state)
}

func sdNotify(l *logrus.Logger, state string) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debugln("NOTIFY_SOCKET systemd env var not set, not sending ready signal")
		return
	}

	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		l.WithError(err).Error("failed to connect to systemd notification socket")
		return
	}
	defer conn.Close()

	if err = conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.WithError(err).Error("failed to set the write deadline for the systemd notification socket")
		return
	}

	if _, err = conn.Write([]byte(state)); err != nil {
		l.WithError(err).Error("failed to signal the systemd notification socket")
		return
	}

	l.WithField("state", state).Debugln("notified systemd")
}
