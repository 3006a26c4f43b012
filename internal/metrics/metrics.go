package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "push_receiver_events_sent_total",
		Help: "Total events sent to the foreground process, by event name.",
	}, []string{"event"})
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_receiver_events_dropped_total",
		Help: "Total events that could not be delivered to any foreground client.",
	})

	NotificationsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_receiver_notifications_received_total",
		Help: "Total notifications delivered by the listening session.",
	})
	NotificationsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_receiver_notifications_skipped_total",
		Help: "Total redelivered notifications suppressed by the persistent id set.",
	})

	Registrations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_receiver_registrations_total",
		Help: "Total successful registrations with the push provider.",
	})
	StartFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_receiver_start_failures_total",
		Help: "Total start attempts that ended in a service error.",
	})

	ForegroundClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "push_receiver_foreground_clients",
		Help: "Current connected foreground clients on the event channel.",
	})
)

func Register() {
	prometheus.MustRegister(
		EventsSent, EventsDropped,
		NotificationsReceived, NotificationsSkipped,
		Registrations, StartFailures,
		ForegroundClients,
	)
}
