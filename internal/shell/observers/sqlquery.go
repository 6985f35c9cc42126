package observers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// SQLQueryObserver runs a configured scalar query and observes the first
// column of the first row. A connection is opened per check: maintenance
// probes run on minute-scale cadence and the target database may be bounced
// mid-maintenance, so holding a pool open buys nothing.
type SQLQueryObserver struct{}

func (o *SQLQueryObserver) Type() domain.ObserverType { return domain.ObserverSQLQuery }

func (o *SQLQueryObserver) Observe(ctx context.Context, cfg domain.ObserverConfig) (string, error) {
	return observeScalar(ctx, cfg.Driver, cfg.Connection, cfg.Query)
}

// observeScalar opens a connection, runs a single-value query and returns the
// result as a string. A NULL value and an empty result set both observe as
// the empty string.
func observeScalar(ctx context.Context, driver, connection, query string) (string, error) {
	if driver == "" {
		driver = "sqlite3"
	}
	db, err := sqlx.Open(driver, connection)
	if err != nil {
		return "", fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var value sql.NullString
	if err := db.QueryRowxContext(ctx, query).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("execute query: %w", err)
	}
	if !value.Valid {
		return "", nil
	}
	return value.String, nil
}
