package core

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Config carries the engine's construction options. It is typically decoded
// from a viper config file by the serv layer.
type Config struct {
	// DatabasePath is the sqlite file backing the local store; ":memory:"
	// keeps everything in process.
	DatabasePath string `mapstructure:"database_path" validate:"required"`

	// EnableMaterializedViews gates the experimental materialized-view
	// support of the storage backend.
	EnableMaterializedViews bool `mapstructure:"enable_materialized_views"`

	// WatchBuffer bounds the CDC subscription and coalescer channels behind
	// each query watch; 0 selects their defaults (1024 each).
	WatchBuffer int `mapstructure:"watch_buffer" validate:"gte=0"`

	// SyncInterval paces scheduled provider syncs; 0 selects the provider
	// default.
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

var validate = validator.New()

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "config")
	}
	return nil
}
