package services

import (
	"beneFitterAPI/internal/challenge"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	challengeJoinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challenge_joins_total",
			Help: "Join attempts by outcome",
		},
		[]string{"result"},
	)
	challengeProgressUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challenge_progress_updates_total",
			Help: "Progress writes by outcome",
		},
		[]string{"result"},
	)
	challengeStateEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challenge_state_events_total",
			Help: "Challenge state assignments published on the bus",
		},
		[]string{"state"},
	)
	pushNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_notifications_total",
			Help: "Push notifications by outcome",
		},
		[]string{"result"},
	)
)

// InitPrometheus registers the service metrics. Call this from main.go
func InitPrometheus() {
	prometheus.MustRegister(challengeJoinsTotal)
	prometheus.MustRegister(challengeProgressUpdatesTotal)
	prometheus.MustRegister(challengeStateEventsTotal)
	prometheus.MustRegister(pushNotificationsTotal)
}

func countStateEvents(bus *challenge.Bus) func() {
	return bus.SubscribeAll(func(e challenge.Event) {
		challengeStateEventsTotal.WithLabelValues(string(e.State)).Inc()
	})
}

func resultLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
