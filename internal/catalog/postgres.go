package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// LoadPostgres reads the catalog from a table shaped like:
//
//	CREATE TABLE locations (
//	    position  INT PRIMARY KEY,
//	    name      TEXT NOT NULL UNIQUE,
//	    aliases   TEXT[] NOT NULL DEFAULT '{}',
//	    latitude  DOUBLE PRECISION NOT NULL,
//	    longitude DOUBLE PRECISION NOT NULL
//	);
//
// Rows are read in position order, which is the catalog order the resolver
// uses for collisions and ties.
func LoadPostgres(ctx context.Context, db Querier, table string, policy DuplicatePolicy) (*Catalog, error) {
	rows, err := db.QueryContext(ctx, selectLocationsSQL(table))
	if err != nil {
		return nil, fmt.Errorf("querying catalog table %s: %w", table, err)
	}
	defer rows.Close()

	var locations []Location
	for rows.Next() {
		var loc Location
		if err := rows.Scan(&loc.Name, pq.Array(&loc.Aliases), &loc.Latitude, &loc.Longitude); err != nil {
			return nil, fmt.Errorf("scanning catalog row: %w", err)
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating catalog rows: %w", err)
	}
	return New(locations, policy)
}

func selectLocationsSQL(table string) string {
	return `SELECT name, aliases, latitude, longitude FROM ` +
		pq.QuoteIdentifier(table) + ` ORDER BY position`
}
