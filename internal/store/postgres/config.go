package postgres

import "time"

// JobStoreConfig holds configuration for the PostgreSQL job store.
// Pool configuration is handled separately via PoolConfig.
type JobStoreConfig struct {
	// QueryTimeout bounds every store query on top of the caller's context.
	// Default: 5 seconds
	QueryTimeout time.Duration

	// AutoMigrate applies the embedded schema on startup.
	AutoMigrate bool
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *JobStoreConfig) ApplyDefaults() {
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 5 * time.Second
	}
}
