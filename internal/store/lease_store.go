package store

import (
	"context"
	"time"
)

// LeaseStore records which launchers are alive. A launcher renews its lease
// every pass; jobs bound to a launcher without a live lease are orphans.
type LeaseStore interface {
	// RenewLease creates or extends the lease of launcherID for ttl.
	RenewLease(ctx context.Context, launcherID string, ttl time.Duration) error
	// ReleaseLease drops the lease of a launcher that stopped cleanly.
	ReleaseLease(ctx context.Context, launcherID string) error
	// LiveLaunchers returns the launchers whose lease has not expired.
	LiveLaunchers(ctx context.Context) (map[string]bool, error)
}
