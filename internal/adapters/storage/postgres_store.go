package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/stoik/content-inspection/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Options tunes a record store
type Options struct {
	// DedupWindow is how long a record stays canonical for its content hash.
	// Zero disables deduplication.
	DedupWindow time.Duration
	// MaxOpenConns bounds the Postgres connection pool
	MaxOpenConns int
}

// PostgresStore implements ports.RecordStore and ports.PrincipalStore for PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	window time.Duration
}

// NewPostgresStore creates a new PostgreSQL storage instance
func NewPostgresStore(ctx context.Context, connStr string, opts Options) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Put holds a connection for the whole advisory-locked transaction, so
	// the pool must be at least as large as the number of concurrent
	// inspections expected to finish at once
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db, window: opts.DedupWindow}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded goose migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

// Migrate applies the embedded goose migrations to db
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const recordColumns = `
	r.id, r.content_hash, a.kind, a.size, COALESCE(a.payload_ref, ''),
	r.artifact_name, r.ingested_at, r.owner_id, r.verdict, r.findings,
	r.supersedes, r.pipeline_timed_out, r.cancelled, r.created_at
`

const recordFrom = `FROM records r JOIN artifacts a ON a.content_hash = r.content_hash`

// Put appends a record. Writers for one content hash are serialised with a
// transaction-scoped advisory lock; writers for different hashes never wait
// on each other.
func (s *PostgresStore) Put(ctx context.Context, record *domain.Record) (uuid.UUID, error) {
	verdictJSON, err := json.Marshal(record.Verdict)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal verdict: %w", err)
	}
	findingsJSON, err := json.Marshal(record.Findings)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal findings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	hash := record.Artifact.Hash
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, hash); err != nil {
		return uuid.Nil, fmt.Errorf("lock content hash: %w", err)
	}

	if s.window > 0 {
		var canonical uuid.UUID
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM records
			WHERE content_hash = $1 AND created_at >= $2 AND NOT cancelled
			ORDER BY created_at DESC
			LIMIT 1
		`, hash, record.CreatedAt.Add(-s.window)).Scan(&canonical)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return uuid.Nil, fmt.Errorf("lookup canonical record: %w", err)
		case record.Supersedes == nil || *record.Supersedes != canonical:
			return canonical, domain.ErrDuplicateRecord
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifacts (content_hash, kind, size, payload_ref, first_seen_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (content_hash) DO NOTHING
	`, hash, record.Artifact.Kind, record.Artifact.Size, record.Artifact.PayloadRef, record.Artifact.IngestedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert artifact: %w", err)
	}

	var supersedes uuid.NullUUID
	if record.Supersedes != nil {
		supersedes = uuid.NullUUID{UUID: *record.Supersedes, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (
			id, content_hash, artifact_name, ingested_at, owner_id,
			classification, policy_version, verdict, findings,
			supersedes, pipeline_timed_out, cancelled, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		record.ID, hash, record.Artifact.Name, record.Artifact.IngestedAt, record.OwnerID,
		record.Verdict.Classification, record.Verdict.PolicyVersion, verdictJSON, findingsJSON,
		supersedes, record.PipelineTimedOut, record.Cancelled, record.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit record: %w", err)
	}
	return record.ID, nil
}

// Get retrieves a record by ID
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	query := `SELECT ` + recordColumns + recordFrom + ` WHERE r.id = $1`
	return s.queryOne(ctx, query, id)
}

// Canonical retrieves the newest record for hash inside the dedup window
func (s *PostgresStore) Canonical(ctx context.Context, hash string, at time.Time) (*domain.Record, error) {
	if s.window <= 0 {
		return nil, domain.ErrNotFound
	}
	query := `SELECT ` + recordColumns + recordFrom + `
		WHERE r.content_hash = $1 AND r.created_at >= $2 AND NOT r.cancelled
		ORDER BY r.created_at DESC
		LIMIT 1`
	return s.queryOne(ctx, query, hash, at.Add(-s.window))
}

// Latest retrieves the newest non-cancelled record for hash
func (s *PostgresStore) Latest(ctx context.Context, hash string) (*domain.Record, error) {
	query := `SELECT ` + recordColumns + recordFrom + `
		WHERE r.content_hash = $1 AND NOT r.cancelled
		ORDER BY r.created_at DESC
		LIMIT 1`
	return s.queryOne(ctx, query, hash)
}

// ListByOwner retrieves a principal's records, newest first
func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID uuid.UUID, page domain.Page) ([]domain.Record, error) {
	query := `SELECT ` + recordColumns + recordFrom + `
		WHERE r.owner_id = $1
		ORDER BY r.created_at DESC, r.id
		LIMIT $2 OFFSET $3`
	return s.queryMany(ctx, query, ownerID, page.Limit, page.Offset)
}

// ListAll retrieves every record, newest first
func (s *PostgresStore) ListAll(ctx context.Context, page domain.Page) ([]domain.Record, error) {
	query := `SELECT ` + recordColumns + recordFrom + `
		ORDER BY r.created_at DESC, r.id
		LIMIT $1 OFFSET $2`
	return s.queryMany(ctx, query, page.Limit, page.Offset)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.Record, error) {
	var (
		record       domain.Record
		verdictJSON  []byte
		findingsJSON []byte
		supersedes   uuid.NullUUID
	)
	err := row.Scan(
		&record.ID, &record.Artifact.Hash, &record.Artifact.Kind, &record.Artifact.Size, &record.Artifact.PayloadRef,
		&record.Artifact.Name, &record.Artifact.IngestedAt, &record.OwnerID, &verdictJSON, &findingsJSON,
		&supersedes, &record.PipelineTimedOut, &record.Cancelled, &record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(verdictJSON, &record.Verdict); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verdict: %w", err)
	}
	if err := json.Unmarshal(findingsJSON, &record.Findings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal findings: %w", err)
	}
	if supersedes.Valid {
		id := supersedes.UUID
		record.Supersedes = &id
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.Artifact.IngestedAt = record.Artifact.IngestedAt.UTC()
	return &record, nil
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*domain.Record, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return record, err
}

func (s *PostgresStore) queryMany(ctx context.Context, query string, args ...any) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	return records, rows.Err()
}

// UpsertPrincipal creates or refreshes a principal in a single statement.
// Role and created_at are only written on insert.
func (s *PostgresStore) UpsertPrincipal(ctx context.Context, p domain.Principal) (*domain.Principal, error) {
	query := `
		INSERT INTO principals (
			id, external_id, email, name, image_url, role, status,
			last_login_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (external_id) DO UPDATE
		SET email = COALESCE(NULLIF(EXCLUDED.email, ''), principals.email),
		    name = COALESCE(NULLIF(EXCLUDED.name, ''), principals.name),
		    image_url = COALESCE(NULLIF(EXCLUDED.image_url, ''), principals.image_url),
		    last_login_at = COALESCE(EXCLUDED.last_login_at, principals.last_login_at),
		    updated_at = EXCLUDED.updated_at
		RETURNING ` + principalColumns

	var lastLogin sql.NullTime
	if p.LastLoginAt != nil {
		lastLogin = sql.NullTime{Time: *p.LastLoginAt, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, query,
		p.ID, p.ExternalID, p.Email, p.Name, p.ImageURL, p.Role, p.Status,
		lastLogin, p.CreatedAt, p.UpdatedAt,
	)
	return scanPrincipal(row)
}

// GetPrincipalByExternalID retrieves a principal by identity provider subject
func (s *PostgresStore) GetPrincipalByExternalID(ctx context.Context, externalID string) (*domain.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE external_id = $1`
	p, err := scanPrincipal(s.db.QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return p, err
}

// SetPrincipalStatus changes a principal's status
func (s *PostgresStore) SetPrincipalStatus(ctx context.Context, externalID, status string, at time.Time) (*domain.Principal, error) {
	query := `
		UPDATE principals SET status = $2, updated_at = $3
		WHERE external_id = $1
		RETURNING ` + principalColumns
	p, err := scanPrincipal(s.db.QueryRowContext(ctx, query, externalID, status, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return p, err
}

const principalColumns = `
	id, external_id, email, COALESCE(name, ''), COALESCE(image_url, ''),
	role, status, last_login_at, created_at, updated_at
`

func scanPrincipal(row rowScanner) (*domain.Principal, error) {
	var (
		p         domain.Principal
		lastLogin sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.ExternalID, &p.Email, &p.Name, &p.ImageURL,
		&p.Role, &p.Status, &lastLogin, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time.UTC()
		p.LastLoginAt = &t
	}
	return &p, nil
}
