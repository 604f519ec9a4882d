package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// VerifyIntegrity opens the database at path read-only and checks it for
// structural corruption. Mode "full" runs integrity_check, anything else
// quick_check. A nil slice means the database is healthy.
func VerifyIntegrity(ctx context.Context, path, mode string) ([]string, error) {
	db, err := Open(ctx, path, Config{BusyTimeout: 2 * time.Second, MaxOpenConns: 1, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer db.Close()

	return integrityCheck(ctx, db, mode)
}

// Verify runs the integrity check against the open store.
func (s *Store) Verify(ctx context.Context, mode string) ([]string, error) {
	issues, err := integrityCheck(ctx, s.db, mode)
	if err == nil && len(issues) > 0 {
		s.logger.Error().Strs("issues", issues).Msg("database integrity check failed")
	}
	return issues, err
}

func integrityCheck(ctx context.Context, db *sql.DB, mode string) ([]string, error) {
	pragma := "PRAGMA quick_check"
	if mode == "full" {
		pragma = "PRAGMA integrity_check"
	}

	rows, err := db.QueryContext(ctx, pragma)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pragma, err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", pragma, err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", pragma, err)
	}

	switch {
	case len(results) == 1 && strings.EqualFold(results[0], "ok"):
		return nil, nil
	case len(results) == 0:
		return []string{"no results returned from integrity check"}, nil
	}
	return results, nil
}
