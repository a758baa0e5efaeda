package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/variant-pipeline/shared/database"
	"github.com/lib/pq"
)

// RefreshMaterializedView refreshes a Postgres materialized view. SQLite keeps plain views,
// so the call is a no-op there.
func (s *Store) RefreshMaterializedView(ctx context.Context, name string, concurrently bool) error {
	if s.Driver() == database.DriverSQLite {
		s.logger.Debug("Materialized view refresh skipped on sqlite",
			slog.String("view", name),
		)
		return nil
	}

	stmt := "REFRESH MATERIALIZED VIEW "
	if concurrently {
		stmt += "CONCURRENTLY "
	}
	stmt += pq.QuoteIdentifier(name)

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to refresh materialized view %s: %w", name, err)
	}

	s.logger.Info("Materialized view refreshed",
		slog.String("view", name),
		slog.Bool("concurrently", concurrently),
	)
	return nil
}
