package config

import "time"

const (
	DefaultStorageDriver = Memory
	DefaultStatusAddr    = ":8080"

	DefaultAllocationNodes = 1
	DefaultCoresPerNode    = 1

	DefaultPassInterval      = 2 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatGrace    = 30 * time.Second
	DefaultCancelGrace       = 10 * time.Second
	DefaultPollInterval      = 2 * time.Second
	DefaultLeaseTTL          = 30 * time.Second

	DefaultSupervisorSchedule = "@every 10s"
	DefaultRunningSlack       = 5 * time.Minute
	DefaultRunningTimeout     = 24 * time.Hour
	DefaultQueuedTimeout      = 10 * time.Minute

	DefaultGatewayAddr = ":7070"
	DefaultMaxInFlight = 16
	DefaultRateWindow  = time.Minute

	DefaultExchange     = "hpcfire.events"
	DefaultGatewayQueue = "hpcfire.gateway"
)
