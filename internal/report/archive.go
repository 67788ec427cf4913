// Package report keeps a PostgreSQL archive of moderation reports that have
// aged out of the moderation store. The maintenance job writes to it before
// pruning so administrators retain the full report history.
package report

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          *zap.Logger
}

// Archive stores archived reports in PostgreSQL.
type Archive struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to dsn, applies pending migrations and returns the archive.
func Open(ctx context.Context, dsn string, opts Options) (*Archive, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("report: open: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: ping: %w", err)
	}

	a := &Archive{db: db, logger: opts.Logger.Named("report-archive")}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("report: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(a.db, &postgres.Config{MigrationsTable: "report_archive_migrations"})
	if err != nil {
		return fmt.Errorf("report: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("report: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("report: migrate up: %w", err)
	}
	version, dirty, _ := m.Version()
	a.logger.Info("report archive schema ready", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// ArchiveReports inserts reports in one transaction. Reports already in the
// archive are left untouched.
func (a *Archive) ArchiveReports(ctx context.Context, reports []store.Report) error {
	if len(reports) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("report: begin: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO report_archive (report_id, reporter_id, reporter_name, reported_id, reported_name,
			reason, status, action_by, action_at, created_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (report_id) DO NOTHING`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("report: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range reports {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("report: marshal %d: %w", r.ID, err)
		}
		var actionBy sql.NullString
		if r.ActionBy != "" {
			actionBy = sql.NullString{String: r.ActionBy, Valid: true}
		}
		var actionAt sql.NullTime
		if r.ActionAt != nil {
			actionAt = sql.NullTime{Time: *r.ActionAt, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID,
			r.Reporter.ID, r.Reporter.Name,
			r.Reported.ID, r.Reported.Name,
			r.Reason, string(r.Status),
			actionBy, actionAt,
			r.CreatedAt, payload,
		); err != nil {
			return fmt.Errorf("report: insert %d: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("report: commit: %w", err)
	}
	a.logger.Info("reports archived", zap.Int("count", len(reports)))
	return nil
}

// ListArchived returns archived reports against reportedID, newest first.
// An empty reportedID lists everything. limit <= 0 means no limit.
func (a *Archive) ListArchived(ctx context.Context, reportedID string, limit int) ([]store.Report, error) {
	query := `SELECT payload FROM report_archive WHERE ($1 = '' OR reported_id = $1) ORDER BY created_at DESC, report_id DESC`
	args := []any{reportedID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("report: list: %w", err)
	}
	defer rows.Close()

	var out []store.Report
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		var r store.Report
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("report: decode archived report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the connection pool.
func (a *Archive) Close() error {
	return a.db.Close()
}
