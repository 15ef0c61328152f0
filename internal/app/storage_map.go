package app

import (
	"strings"
	"time"

	"ddlbot/internal/config"
	"ddlbot/internal/ledger"
	"ddlbot/internal/observability"
)

func ledgerConfig(cfg *config.Config) ledger.Config {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		switch driver {
		case "", "sqlite", "sqlite3":
			path = "ddlbot.db"
		case "file":
			path = "ddlbot.jsonl"
		}
	}
	return ledger.Config{
		Driver:       driver,
		Path:         path,
		DSN:          sc.DSN,
		BusyTimeout:  config.Duration(sc.BusyTimeout, time.Second),
		ChunkSize:    sc.ChunkSize,
		CompactEvery: sc.CompactEvery,
		Observe:      observability.RecordLedgerStatement,
	}
}
