package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gosymbo/voiceclient/internal/client"
)

// ConnectionProvider exposes the signaling connection view.
type ConnectionProvider interface {
	Snapshot() client.ManagerSnapshot
}

// ActiveCallsProvider exposes the number of active calls.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// CallCounter returns lifetime call counts from the local call log.
type CallCounter interface {
	CountByDirection(ctx context.Context) (inbound, outbound int64, err error)
}

// Collector is a prometheus.Collector that gathers client metrics at scrape time.
type Collector struct {
	conn      ConnectionProvider
	calls     ActiveCallsProvider
	callLog   CallCounter
	startTime time.Time

	connectionUpDesc *prometheus.Desc
	loggedInDesc     *prometheus.Desc
	cursorDesc       *prometheus.Desc
	reconnectsDesc   *prometheus.Desc
	reinvitesDesc    *prometheus.Desc
	activeCallsDesc  *prometheus.Desc
	callsTotalDesc   *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a metrics collector. Any provider may be nil if unavailable.
func NewCollector(conn ConnectionProvider, calls ActiveCallsProvider, callLog CallCounter, startTime time.Time) *Collector {
	return &Collector{
		conn:      conn,
		calls:     calls,
		callLog:   callLog,
		startTime: startTime,

		connectionUpDesc: prometheus.NewDesc(
			"voiceclient_connection_up",
			"Whether the signaling connection is registered (1) or down (0)",
			[]string{"endpoint"}, nil,
		),
		loggedInDesc: prometheus.NewDesc(
			"voiceclient_logged_in",
			"Whether a login has completed and not been torn down",
			nil, nil,
		),
		cursorDesc: prometheus.NewDesc(
			"voiceclient_endpoint_cursor",
			"Index of the signaling endpoint currently in use",
			nil, nil,
		),
		reconnectsDesc: prometheus.NewDesc(
			"voiceclient_reconnects_total",
			"Total endpoint failovers since startup",
			nil, nil,
		),
		reinvitesDesc: prometheus.NewDesc(
			"voiceclient_reinvite_attempts_total",
			"Total in-dialog re-INVITEs attempted after transport swaps",
			nil, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"voiceclient_active_calls",
			"Number of currently active calls (ringing + answered)",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"voiceclient_calls_total",
			"Total number of calls recorded in the call log",
			[]string{"direction"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voiceclient_uptime_seconds",
			"Seconds since the client process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectionUpDesc
	ch <- c.loggedInDesc
	ch <- c.cursorDesc
	ch <- c.reconnectsDesc
	ch <- c.reinvitesDesc
	ch <- c.activeCallsDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.conn != nil {
		snap := c.conn.Snapshot()

		up := 0.0
		if snap.State.Status == client.StatusConnected {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.connectionUpDesc, prometheus.GaugeValue, up, snap.Endpoint,
		)

		loggedIn := 0.0
		if snap.LoggedIn {
			loggedIn = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.loggedInDesc, prometheus.GaugeValue, loggedIn,
		)
		ch <- prometheus.MustNewConstMetric(
			c.cursorDesc, prometheus.GaugeValue, float64(snap.EndpointCursor),
		)
		ch <- prometheus.MustNewConstMetric(
			c.reconnectsDesc, prometheus.CounterValue, float64(snap.Reconnects),
		)
		ch <- prometheus.MustNewConstMetric(
			c.reinvitesDesc, prometheus.CounterValue, float64(snap.ReinviteAttempts),
		)
	}

	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCallCount()),
		)
	}

	if c.callLog != nil {
		inbound, outbound, err := c.callLog.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by direction", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.callsTotalDesc, prometheus.CounterValue, float64(inbound), "inbound",
			)
			ch <- prometheus.MustNewConstMetric(
				c.callsTotalDesc, prometheus.CounterValue, float64(outbound), "outbound",
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
