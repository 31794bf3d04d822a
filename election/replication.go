package election

import (
	"context"
)

// Replication is the replication engine of the local service.
type Replication interface {
	// Stop replicating from the current (stale) primary so nothing it still
	// sends can be applied after this node starts taking writes.
	StopReplication(ctx context.Context) error

	// Make the local service writable.
	PromoteLocal(ctx context.Context) error

	// Make the local service read-only.
	SetReadOnly(ctx context.Context) error

	// Replicate from the service at addr.
	RepointReplication(ctx context.Context, addr string) error
}
