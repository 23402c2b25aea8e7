package migrate

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/mornsign-scheduler/internal/db"
)

//go:embed *.sql
var fs embed.FS

// Files lists the embedded migrations in apply order.
func Files() ([]string, error) {
	entries, err := fs.ReadDir(".")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Up applies the migrations not yet recorded in schema_migrations, each in
// its own transaction.
func Up(ctx context.Context, d db.TxQuerier, log zerolog.Logger) error {
	files, err := Files()
	if err != nil {
		return err
	}

	if err := d.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now());`); err != nil {
		return err
	}

	for _, f := range files {
		var applied bool
		if err := d.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, f).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}

		b, err := fs.ReadFile(f)
		if err != nil {
			return err
		}
		err = d.InTx(ctx, func(q db.Querier) error {
			if err := q.Exec(ctx, string(b)); err != nil {
				return err
			}
			return q.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, f)
		})
		if db.IsUniqueViolation(err) {
			// another instance recorded it first and our transaction rolled back
			log.Info().Str("migration", f).Msg("applied concurrently, skipping")
			continue
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", f, err)
		}
		log.Info().Str("migration", f).Msg("applied")
	}

	return nil
}
