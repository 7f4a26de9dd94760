package health

import "context"

// DBPinger checks document database availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// ClaimsPinger checks the shared claim store used for auto-index scheduling.
type ClaimsPinger interface {
	Ping(ctx context.Context) error
}
