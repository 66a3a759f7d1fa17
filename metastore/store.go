package metastore

import "context"

// Store is a small key-value store grouped by provider id.
type Store interface {
	// Get returns the value for (providerID, key); the bool reports
	// presence.
	Get(ctx context.Context, providerID, key string) (string, bool, error)
	Put(ctx context.Context, providerID, key, value string) error
	// DeleteGroup removes every record of one provider.
	DeleteGroup(ctx context.Context, providerID string) error
	Close() error
}
