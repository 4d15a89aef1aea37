// Copyright 2024-2026 Aiku AI

package teamsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	pagesFetched     *prometheus.CounterVec
	roomsProvisioned *prometheus.CounterVec
	channelsSkipped  *prometheus.CounterVec
	usersSynced      *prometheus.CounterVec
	roomLeaves       *prometheus.CounterVec
	orphanedRooms    *prometheus.CounterVec
	teamPassDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamsync",
			Name:      "pages_fetched_total",
			Help:      "Slack list pages requested, by list kind and outcome.",
		}, []string{"kind", "outcome"}),
		roomsProvisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamsync",
			Name:      "rooms_provisioned_total",
			Help:      "Matrix rooms created for Slack channels, by visibility and outcome.",
		}, []string{"visibility", "outcome"}),
		channelsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamsync",
			Name:      "channels_skipped_total",
			Help:      "Channels not provisioned, by reason.",
		}, []string{"reason"}),
		usersSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamsync",
			Name:      "users_synced_total",
			Help:      "Ghost users synced, by state and outcome.",
		}, []string{"state", "outcome"}),
		roomLeaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamsync",
			Name:      "deleted_user_room_leaves_total",
			Help:      "Room leave attempts for deleted Slack users, by outcome.",
		}, []string{"outcome"}),
		orphanedRooms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamsync",
			Name:      "orphaned_rooms_total",
			Help:      "Rooms created but left without a stored link, by reason.",
		}, []string{"reason"}),
		teamPassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "teamsync",
			Name:      "team_pass_duration_seconds",
			Help:      "Duration of one team's users and channels pass.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.pagesFetched,
			m.roomsProvisioned,
			m.channelsSkipped,
			m.usersSynced,
			m.roomLeaves,
			m.orphanedRooms,
			m.teamPassDuration,
		)
	}
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) pageFetched(kind string, err error) {
	if m == nil {
		return
	}
	m.pagesFetched.WithLabelValues(kind, outcome(err)).Inc()
}

func (m *Metrics) roomProvisioned(visibility string, err error) {
	if m == nil {
		return
	}
	m.roomsProvisioned.WithLabelValues(visibility, outcome(err)).Inc()
}

func (m *Metrics) channelSkipped(reason string) {
	if m == nil {
		return
	}
	m.channelsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) userSynced(state string, err error) {
	if m == nil {
		return
	}
	m.usersSynced.WithLabelValues(state, outcome(err)).Inc()
}

func (m *Metrics) roomLeft(err error) {
	if m == nil {
		return
	}
	m.roomLeaves.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) roomOrphaned(reason string) {
	if m == nil {
		return
	}
	m.orphanedRooms.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeTeamPass(start time.Time) {
	if m == nil {
		return
	}
	m.teamPassDuration.Observe(time.Since(start).Seconds())
}
