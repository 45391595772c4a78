package config

import "fmt"

// Store identifies a checkpoint backend.
type Store string

const (
	StoreMemory   Store = "memory"
	StoreSQLite   Store = "sqlite"
	StorePostgres Store = "postgres"
	StoreMySQL    Store = "mysql"
)

// CheckpointConfig selects where durable conversation state is saved.
type CheckpointConfig struct {
	// Store selects the backend. Memory keeps checkpoints in-process and
	// loses them on exit.
	Store Store `yaml:"store,omitempty" json:"store,omitempty" jsonschema:"enum=memory,enum=sqlite,enum=postgres,enum=mysql,default=memory"`

	// DSN is the database connection string. Required for the SQL stores.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`

	// MaxConns caps open connections for the SQL stores.
	MaxConns int `yaml:"max_conns,omitempty" json:"max_conns,omitempty"`

	// MaxIdle caps idle connections for the SQL stores.
	MaxIdle int `yaml:"max_idle,omitempty" json:"max_idle,omitempty"`
}

// SetDefaults applies checkpoint defaults.
func (c *CheckpointConfig) SetDefaults() {
	if c.Store == "" {
		c.Store = StoreMemory
	}
	if c.Store == StoreSQLite && c.DSN == "" {
		c.DSN = "loom.db"
	}
}

// Validate checks the checkpoint configuration.
func (c *CheckpointConfig) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite, StorePostgres, StoreMySQL:
	default:
		return fmt.Errorf("invalid store %q (valid: memory, sqlite, postgres, mysql)", c.Store)
	}
	if c.Store != StoreMemory && c.DSN == "" {
		return fmt.Errorf("dsn is required for store %q", c.Store)
	}
	return nil
}
