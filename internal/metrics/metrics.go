package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections is the number of open websocket connections on this process.
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wirechat_connections",
			Help: "Open websocket connections on this process",
		},
	)

	// RoomAttachments is the number of connections currently attached to a room.
	RoomAttachments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wirechat_room_attachments",
			Help: "Connections attached to a room on this process",
		},
	)

	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_presence_transitions_total",
			Help: "Presence transitions emitted",
		},
		[]string{"transition"}, // "online" or "offline"
	)

	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_broadcasts_total",
			Help: "Events fanned out",
		},
		[]string{"scope", "origin"}, // scope: room|global, origin: local|remote
	)

	BusErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_bus_errors_total",
			Help: "Shared bus failures",
		},
		[]string{"op"}, // publish, subscribe, decode
	)

	MessagePersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wirechat_message_persist_failures_total",
			Help: "Chat messages that could not be stored",
		},
	)

	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wirechat_dropped_events_total",
			Help: "Events dropped because a connection buffer was full",
		},
	)

	RoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wirechat_rooms_created_total",
			Help: "Rooms created",
		},
	)
)

// Transition labels.
const (
	TransitionOnline  = "online"
	TransitionOffline = "offline"
)

// Scope and origin labels.
const (
	ScopeRoom    = "room"
	ScopeGlobal  = "global"
	OriginLocal  = "local"
	OriginRemote = "remote"
)
