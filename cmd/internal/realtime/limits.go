package realtime

import "time"

// Transport limits.
const (
	// Max bytes per inbound websocket frame (hard limit).
	maxFrameBytes = 1 << 20 // 1 MiB

	// Consecutive ping failures before the transport is closed.
	maxPingFailures = 3
)

// Defaults applied by Config.withDefaults for zero values.
const (
	defaultCablePath = "/cable"
	defaultChannel   = "NotificationsChannel"

	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultCloseGrace     = 1 * time.Second

	defaultHeartbeatInterval = 30 * time.Second
	defaultPingInterval      = 20 * time.Second
	defaultPingTimeout       = 5 * time.Second

	defaultMinBackoff = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second

	defaultMaxRetries  = 3
	defaultDrainPacing = 250 * time.Millisecond
)
