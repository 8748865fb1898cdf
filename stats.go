package e1000

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/e1000/config"
)

// startStats validates the stats config and returns the func that starts exporting. It returns a nil func when
// stats are disabled or configTest is set.
func startStats(l *logrus.Logger, c *config.C, buildVersion string, configTest bool) (func(), error) {
	mType := c.GetString("stats.type", "")
	if mType == "" || mType == "none" {
		return nil, nil
	}

	interval := c.GetDuration("stats.interval", 0)
	if interval == 0 {
		return nil, fmt.Errorf("stats.interval was an invalid duration: %s", c.GetString("stats.interval", ""))
	}

	var startFn func()
	var err error
	switch mType {
	case "graphite":
		startFn, err = startGraphiteStats(l, interval, c)
	case "prometheus":
		startFn, err = startPrometheusStats(l, interval, c, buildVersion)
	default:
		return nil, fmt.Errorf("stats.type was not understood: %s", mType)
	}
	if err != nil {
		return nil, err
	}

	if configTest {
		return nil, nil
	}

	return func() {
		metrics.RegisterDebugGCStats(metrics.DefaultRegistry)
		metrics.RegisterRuntimeMemStats(metrics.DefaultRegistry)

		go metrics.CaptureDebugGCStats(metrics.DefaultRegistry, interval)
		go metrics.CaptureRuntimeMemStats(metrics.DefaultRegistry, interval)

		startFn()
	}, nil
}

func startGraphiteStats(l *logrus.Logger, i time.Duration, c *config.C) (func(), error) {
	proto := c.GetString("stats.protocol", "tcp")
	host := c.GetString("stats.host", "")
	if host == "" {
		return nil, errors.New("stats.host can not be empty")
	}

	prefix := c.GetString("stats.prefix", "e1000")
	addr, err := net.ResolveTCPAddr(proto, host)
	if err != nil {
		return nil, fmt.Errorf("error while setting up graphite sink: %s", err)
	}

	return func() {
		l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s", i, prefix, addr)
		go graphite.Graphite(metrics.DefaultRegistry, i, prefix, addr)
	}, nil
}

func startPrometheusStats(l *logrus.Logger, i time.Duration, c *config.C, buildVersion string) (func(), error) {
	namespace := c.GetString("stats.namespace", "")
	subsystem := c.GetString("stats.subsystem", "")

	listen := c.GetString("stats.listen", "")
	if listen == "" {
		return nil, fmt.Errorf("stats.listen should not be empty")
	}

	path := c.GetString("stats.path", "")
	if path == "" {
		return nil, fmt.Errorf("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(metrics.DefaultRegistry, namespace, subsystem, pr, i)

	// Export our version information as labels on a static gauge
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "info",
		Help:      "Version information for the e1000 driver",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	return func() {
		go pClient.UpdatePrometheusMetrics()

		mux := http.NewServeMux()
		mux.Handle(path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
		go func() {
			l.Infof("Prometheus stats listening on %s at %s", listen, path)
			if err := http.ListenAndServe(listen, mux); err != nil {
				l.WithError(err).Error("Prometheus stats listener failed")
			}
		}()
	}, nil
}
