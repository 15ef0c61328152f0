package ledger

import (
	"context"
	"errors"
	"strings"

	logx "ddlbot/pkg/logx"
)

// Open initializes the configured store. An empty driver selects sqlite.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "ledger"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		st, err := openSQLite(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres", "postgresql", "pgx":
		st, err := openPostgres(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "file":
		st, err := openFile(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return newMemory(cfg), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
