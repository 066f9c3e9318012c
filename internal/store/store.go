package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/opentenders/radar/backend/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenders (
	id              UUID PRIMARY KEY,
	external_id     TEXT NOT NULL UNIQUE,
	source          TEXT NOT NULL,
	subject         TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	estimated_value NUMERIC,
	category        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT '',
	published_at    TIMESTAMPTZ,
	opens_at        TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	org_name        TEXT NOT NULL DEFAULT '',
	org_id          TEXT NOT NULL DEFAULT '',
	municipality    TEXT NOT NULL DEFAULT '',
	region_code     TEXT NOT NULL DEFAULT '',
	raw_payload     TEXT NOT NULL DEFAULT '',
	indexed         BOOLEAN NOT NULL DEFAULT FALSE,
	indexed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tenders_category ON tenders (category);
CREATE INDEX IF NOT EXISTS idx_tenders_status ON tenders (status);
CREATE INDEX IF NOT EXISTS idx_tenders_region ON tenders (region_code, municipality);
CREATE INDEX IF NOT EXISTS idx_tenders_published_at ON tenders (published_at);
`

const tenderColumns = `
	id, external_id, source, subject, description, estimated_value::text,
	category, status, published_at, opens_at, created_at, updated_at,
	org_name, org_id, municipality, region_code, raw_payload, indexed, indexed_at`

// Store is the pgx-backed repository for tenders. One transaction per
// create/update; a failed write leaves the row untouched.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New connects the pool and verifies connectivity.
func New(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, log: log}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tenders table and indexes if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// GetByExternalID returns the tender with the given reconciliation key, or
// (nil, nil) when no such row exists.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*models.Tender, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tenderColumns+` FROM tenders WHERE external_id = $1`, externalID)
	return scanTender(row)
}

// GetByID returns the tender with the given primary key, or (nil, nil).
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*models.Tender, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tenderColumns+` FROM tenders WHERE id = $1`, id)
	return scanTender(row)
}

// Create inserts a new tender inside its own transaction.
func (s *Store) Create(ctx context.Context, t *models.Tender) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO tenders (
			id, external_id, source, subject, description, estimated_value,
			category, status, published_at, opens_at, created_at, updated_at,
			org_name, org_id, municipality, region_code, raw_payload, indexed, indexed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		t.ID, t.ExternalID, t.Source, t.Subject, t.Description, decimalParam(t.EstimatedValue),
		t.Category, t.Status, t.PublishedAt, t.OpensAt, t.CreatedAt, t.UpdatedAt,
		t.OrgName, t.OrgID, t.Municipality, t.RegionCode, t.RawPayload, t.Indexed, t.IndexedAt,
	)
	if err != nil {
		return fmt.Errorf("insert tender %s: %w", t.ExternalID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of an existing tender. The indexing
// status columns are deliberately not touched here; MarkIndexed owns them.
func (s *Store) Update(ctx context.Context, t *models.Tender) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE tenders SET
			subject = $2, description = $3, estimated_value = $4, category = $5,
			status = $6, published_at = $7, opens_at = $8, updated_at = $9,
			org_name = $10, org_id = $11, municipality = $12, region_code = $13,
			raw_payload = $14
		WHERE id = $1`,
		t.ID, t.Subject, t.Description, decimalParam(t.EstimatedValue), t.Category,
		t.Status, t.PublishedAt, t.OpensAt, t.UpdatedAt,
		t.OrgName, t.OrgID, t.Municipality, t.RegionCode, t.RawPayload,
	)
	if err != nil {
		return fmt.Errorf("update tender %s: %w", t.ExternalID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update tender %s: no row", t.ExternalID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

// MarkIndexed records a successful index write. It is the only writer of the
// indexed/indexed_at columns.
func (s *Store) MarkIndexed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tenders SET indexed = TRUE, indexed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark indexed %s: %w", id, err)
	}
	return nil
}

// ListNeedingIndex returns tenders whose index projection is missing or stale:
// never indexed, or updated after the last successful index write.
func (s *Store) ListNeedingIndex(ctx context.Context, limit int) ([]models.Tender, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+tenderColumns+` FROM tenders
		 WHERE indexed = FALSE OR indexed_at IS NULL OR indexed_at < updated_at
		 ORDER BY updated_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list needing index: %w", err)
	}
	defer rows.Close()

	var out []models.Tender
	for rows.Next() {
		t, err := scanTender(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTender(row rowScanner) (*models.Tender, error) {
	var (
		t        models.Tender
		rawValue *string
	)

	err := row.Scan(
		&t.ID, &t.ExternalID, &t.Source, &t.Subject, &t.Description, &rawValue,
		&t.Category, &t.Status, &t.PublishedAt, &t.OpensAt, &t.CreatedAt, &t.UpdatedAt,
		&t.OrgName, &t.OrgID, &t.Municipality, &t.RegionCode, &t.RawPayload, &t.Indexed, &t.IndexedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tender: %w", err)
	}

	if rawValue != nil {
		d, err := decimal.NewFromString(*rawValue)
		if err != nil {
			return nil, fmt.Errorf("parse estimated value %q: %w", *rawValue, err)
		}
		t.EstimatedValue = decimal.NullDecimal{Decimal: d, Valid: true}
	}

	return &t, nil
}

func decimalParam(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}
