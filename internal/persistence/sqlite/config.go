package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int // WAL readers benefit from more than one

	// ReadOnly opens the file without creating it and skips the
	// journal and foreign key pragmas.
	ReadOnly bool
}

// DefaultConfig returns the configuration used by the daemon.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

// dsn builds the connection string. Pragmas go into the DSN so that every
// pooled connection gets them.
func dsn(path string, cfg Config) string {
	params := []string{fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds())}
	if cfg.ReadOnly {
		params = append([]string{"mode=ro"}, params...)
	} else {
		params = append(params,
			"_pragma=journal_mode(WAL)",
			"_pragma=synchronous(NORMAL)",
			"_pragma=foreign_keys(ON)",
		)
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// Open initializes a SQLite connection pool and pings it.
func Open(ctx context.Context, dbPath string, cfg Config) (*sql.DB, error) {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 1
	}

	db, err := sql.Open("sqlite", dsn(dbPath, cfg))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", dbPath, err)
	}
	return db, nil
}
