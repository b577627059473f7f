// Package stored parses store server command flags and starts the service.
package stored

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/louisbranch/concord/internal/platform/cmd"
	"github.com/louisbranch/concord/internal/services/stored"
	"github.com/louisbranch/concord/internal/store/memory"
	"github.com/louisbranch/concord/internal/store/sqlite"
)

// Config holds store server command configuration.
type Config struct {
	Port   int    `env:"CONCORD_STORED_PORT" envDefault:"8090"`
	Addr   string `env:"CONCORD_STORED_ADDR"`
	DBPath string `env:"CONCORD_STORED_DB"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The store server port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The store server listen address (overrides -port)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the sqlite database (empty for in-memory)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the store server.
func Run(ctx context.Context, cfg Config) error {
	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}

	var backend stored.Backend
	if cfg.DBPath != "" {
		db, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		defer db.Close()
		backend = db
	} else {
		backend = memory.New()
	}

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceStored, func(ctx context.Context) error {
		return stored.Run(ctx, addr, backend)
	})
}
