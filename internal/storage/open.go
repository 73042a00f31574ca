package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"groupcast/pkg/logx"
)

// Store is the minimal journal API used by the coordinator and participant.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Prune removes rows older than the cutoff and reports how many went.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
