package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"castbot/internal/broadcast"
	"castbot/internal/eventbus"
)

// Metrics groups the Prometheus instruments for the bot. They are fed from
// the event bus, so no other package imports prometheus.
type Metrics struct {
	BroadcastsStarted  prometheus.Counter
	BroadcastsFinished *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	Deactivations      prometheus.Counter
	Joins              prometheus.Counter
	RunDuration        prometheus.Histogram
	RunInFlight        prometheus.Gauge
	LastRunRecipients  prometheus.Gauge
	BusDropped         prometheus.GaugeFunc
}

// New registers all instruments with reg. Pass a custom registry in tests.
// bus may be nil.
func New(reg prometheus.Registerer, bus eventbus.Bus) *Metrics {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	m := &Metrics{
		BroadcastsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "castbot",
			Name:      "broadcasts_started_total",
			Help:      "Broadcast runs started.",
		}),
		BroadcastsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castbot",
			Name:      "broadcasts_finished_total",
			Help:      "Broadcast runs finished, by result (completed, canceled or failed).",
		}, []string{"result"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castbot",
			Name:      "deliveries_total",
			Help:      "Delivery attempts, by result (success or error).",
		}, []string{"result"}),
		Deactivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "castbot",
			Name:      "subscribers_deactivated_total",
			Help:      "Subscribers deactivated after a failed delivery.",
		}),
		Joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "castbot",
			Name:      "subscribers_joined_total",
			Help:      "/start registrations (including re-registrations).",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "castbot",
			Name:      "broadcast_duration_seconds",
			Help:      "Wall time of finished broadcast runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		RunInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "castbot",
			Name:      "broadcast_in_flight",
			Help:      "1 while a broadcast run is in progress.",
		}),
		LastRunRecipients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "castbot",
			Name:      "broadcast_last_recipients",
			Help:      "Snapshot size of the most recent broadcast run.",
		}),
		BusDropped: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "castbot",
			Name:      "eventbus_dropped_events",
			Help:      "Events lost to full subscriber buffers.",
		}, func() float64 { return float64(bus.Dropped()) }),
	}

	reg.MustRegister(
		m.BroadcastsStarted,
		m.BroadcastsFinished,
		m.Deliveries,
		m.Deactivations,
		m.Joins,
		m.RunDuration,
		m.RunInFlight,
		m.LastRunRecipients,
		m.BusDropped,
	)
	return m
}

// Observe updates the instruments for one event. Unknown events are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeBroadcastStarted:
		m.BroadcastsStarted.Inc()
		m.RunInFlight.Set(1)
		if s, ok := e.Data.(broadcast.Started); ok {
			m.LastRunRecipients.Set(float64(s.Total))
		}
	case eventbus.TypeBroadcastDelivery:
		if o, ok := e.Data.(broadcast.Outcome); ok {
			if o.OK() {
				m.Deliveries.WithLabelValues("success").Inc()
			} else {
				m.Deliveries.WithLabelValues("error").Inc()
			}
		}
	case eventbus.TypeSubscriberDeactivated:
		m.Deactivations.Inc()
	case eventbus.TypeSubscriberJoined:
		m.Joins.Inc()
	case eventbus.TypeBroadcastFinished:
		m.RunInFlight.Set(0)
		if s, ok := e.Data.(broadcast.Summary); ok {
			result := "completed"
			if s.Canceled {
				result = "canceled"
			}
			m.BroadcastsFinished.WithLabelValues(result).Inc()
			m.RunDuration.Observe(s.Duration.Seconds())
		}
	case eventbus.TypeBroadcastFailed:
		m.RunInFlight.Set(0)
		m.BroadcastsFinished.WithLabelValues("failed").Inc()
	}
}

// Run consumes events until ctx ends or the channel closes.
func (m *Metrics) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
