package observers

import (
	"context"
	"fmt"
	"strings"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// SQLExtendedPropertyObserver reads a database-level extended property by
// name. This is the convention used by SQL Server installations that flag
// maintenance windows via fn_listextendedproperty; the property name is
// config, the query shape is fixed here.
type SQLExtendedPropertyObserver struct{}

func (o *SQLExtendedPropertyObserver) Type() domain.ObserverType {
	return domain.ObserverSQLExtendedProperty
}

func (o *SQLExtendedPropertyObserver) Observe(ctx context.Context, cfg domain.ObserverConfig) (string, error) {
	name := strings.ReplaceAll(cfg.PropertyName, "'", "''")
	query := fmt.Sprintf(
		"SELECT CAST(value AS NVARCHAR(256)) FROM fn_listextendedproperty('%s', default, default, default, default, default, default)",
		name,
	)
	return observeScalar(ctx, cfg.Driver, cfg.Connection, query)
}
