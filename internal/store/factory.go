package store

import "fmt"

// Config selects and parameterizes a status store.
type Config struct {
	Type string `toml:"type" mapstructure:"type"` // "sqlite" or "postgres"
	Path string `toml:"path" mapstructure:"path"` // sqlite file path
	DSN  string `toml:"dsn" mapstructure:"dsn"`   // postgres DSN
}

// New builds a Store from config. An empty Type disables persistence.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "sqlite":
		return NewSQLite(cfg.Path)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
