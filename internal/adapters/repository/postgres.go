package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/poyrazK/dnsforge/internal/core/domain"
)

// PostgresRepository implements ports.RecordRepository, ports.CertificateRepository
// and ports.UserGate using PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates and returns a new PostgresRepository instance.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// acmeChallengeFilter excludes DNS-01 challenge TXT rows from user-facing
// queries. The pattern matches the bare label and any nested challenge name.
const acmeChallengeFilter = ` AND NOT (type = 'TXT' AND subdomain LIKE '_acme-challenge%')`

const recordColumns = `id, username, subdomain, type, value, ports, course, description, expires_at, created_at, updated_at`

func (r *PostgresRepository) List(ctx context.Context, username string, excludeAcmeChallenge bool) ([]domain.DnsRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM dns_records WHERE username = $1`
	if excludeAcmeChallenge {
		query += acmeChallengeFilter
	}
	query += ` ORDER BY created_at`

	rows, errQuery := r.db.QueryContext(ctx, query, username)
	if errQuery != nil {
		return nil, errQuery
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Printf("failed to close rows: %v", errClose)
		}
	}()

	var records []domain.DnsRecord
	for rows.Next() {
		rec, errScan := scanRecord(rows)
		if errScan != nil {
			return nil, errScan
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepository) Count(ctx context.Context, username string) (int, error) {
	query := `SELECT COUNT(*) FROM dns_records WHERE username = $1` + acmeChallengeFilter
	var count int
	if errRow := r.db.QueryRowContext(ctx, query, username).Scan(&count); errRow != nil {
		return 0, errRow
	}
	return count, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.DnsRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM dns_records WHERE id = $1`
	rec, errRow := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if errRow != nil {
		return nil, errRow
	}
	return rec, nil
}

func (r *PostgresRepository) Create(ctx context.Context, record *domain.DnsRecord) error {
	query := `INSERT INTO dns_records (` + recordColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, errExec := r.db.ExecContext(ctx, query,
		record.ID, record.Username, record.Subdomain, string(record.Type), record.Value,
		record.Ports, record.Course, record.Description,
		record.ExpiresAt, record.CreatedAt, record.UpdatedAt)
	if isUniqueViolation(errExec) {
		return domain.ErrDuplicateRecord
	}
	return errExec
}

func (r *PostgresRepository) Update(ctx context.Context, id string, patch domain.RecordPatch, expiresAt time.Time) (*domain.DnsRecord, error) {
	sets := []string{"expires_at = $1", "updated_at = $2"}
	args := []any{expiresAt, time.Now()}

	appendSet := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Subdomain != nil {
		appendSet("subdomain", *patch.Subdomain)
	}
	if patch.Type != nil {
		appendSet("type", string(*patch.Type))
	}
	if patch.Value != nil {
		appendSet("value", *patch.Value)
	}
	if patch.Ports != nil {
		appendSet("ports", *patch.Ports)
	}
	if patch.Course != nil {
		appendSet("course", *patch.Course)
	}
	if patch.Description != nil {
		appendSet("description", *patch.Description)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE dns_records SET %s WHERE id = $%d RETURNING `+recordColumns,
		strings.Join(sets, ", "), len(args))

	rec, errRow := scanRecord(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if isUniqueViolation(errRow) {
		return nil, domain.ErrDuplicateRecord
	}
	if errRow != nil {
		return nil, errRow
	}
	return rec, nil
}

func (r *PostgresRepository) Renew(ctx context.Context, id string, expiresAt time.Time) (*domain.DnsRecord, error) {
	query := `UPDATE dns_records SET expires_at = $1, updated_at = $2 WHERE id = $3 RETURNING ` + recordColumns
	rec, errRow := scanRecord(r.db.QueryRowContext(ctx, query, expiresAt, time.Now(), id))
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if errRow != nil {
		return nil, errRow
	}
	return rec, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) (*domain.DnsRecord, error) {
	query := `DELETE FROM dns_records WHERE id = $1 RETURNING ` + recordColumns
	rec, errRow := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if errRow != nil {
		return nil, errRow
	}
	return rec, nil
}

func (r *PostgresRepository) DeleteWhere(ctx context.Context, username, subdomain string, rType domain.RecordType) (int, error) {
	query := `DELETE FROM dns_records WHERE username = $1 AND subdomain = $2 AND type = $3`
	result, errExec := r.db.ExecContext(ctx, query, username, subdomain, string(rType))
	if errExec != nil {
		return 0, errExec
	}
	affected, errAffected := result.RowsAffected()
	if errAffected != nil {
		return 0, errAffected
	}
	return int(affected), nil
}

func (r *PostgresRepository) ListExpired(ctx context.Context, now time.Time) ([]domain.DnsRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM dns_records WHERE expires_at < $1`
	rows, errQuery := r.db.QueryContext(ctx, query, now)
	if errQuery != nil {
		return nil, errQuery
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Printf("failed to close rows: %v", errClose)
		}
	}()

	var records []domain.DnsRecord
	for rows.Next() {
		rec, errScan := scanRecord(rows)
		if errScan != nil {
			return nil, errScan
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepository) Snapshot(ctx context.Context) ([]domain.RecordTuple, error) {
	query := `SELECT username, subdomain, type, value FROM dns_records`
	rows, errQuery := r.db.QueryContext(ctx, query)
	if errQuery != nil {
		return nil, errQuery
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Printf("failed to close rows: %v", errClose)
		}
	}()

	var tuples []domain.RecordTuple
	for rows.Next() {
		var t domain.RecordTuple
		var rType string
		if errScan := rows.Scan(&t.Username, &t.Subdomain, &rType, &t.Value); errScan != nil {
			return nil, errScan
		}
		t.Type = domain.RecordType(rType)
		tuples = append(tuples, t)
	}
	return tuples, rows.Err()
}

// IsDeactivated implements ports.UserGate. An unknown user is treated as
// deactivated: records and certificates must never be created for accounts
// that were purged.
func (r *PostgresRepository) IsDeactivated(ctx context.Context, username string) (bool, error) {
	query := `SELECT deactivated FROM users WHERE username = $1`
	var deactivated bool
	errRow := r.db.QueryRowContext(ctx, query, username).Scan(&deactivated)
	if errors.Is(errRow, sql.ErrNoRows) {
		return true, nil
	}
	if errRow != nil {
		return false, errRow
	}
	return deactivated, nil
}

func (r *PostgresRepository) CreateAPIKey(ctx context.Context, key *domain.ApiKey) error {
	query := `INSERT INTO api_keys (id, key_hash, username, active, expires_at, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, errExec := r.db.ExecContext(ctx, query,
		key.ID, key.KeyHash, key.Username, key.Active, key.ExpiresAt, key.CreatedAt)
	return errExec
}

func (r *PostgresRepository) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.ApiKey, error) {
	query := `SELECT id, key_hash, username, active, expires_at, created_at FROM api_keys WHERE key_hash = $1`

	var key domain.ApiKey
	var expiresAt sql.NullTime
	errRow := r.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID, &key.KeyHash, &key.Username, &key.Active, &expiresAt, &key.CreatedAt)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, errRow
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	return &key, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.DnsRecord, error) {
	var rec domain.DnsRecord
	var rType string
	var ports, course, description sql.NullString
	errScan := row.Scan(&rec.ID, &rec.Username, &rec.Subdomain, &rType, &rec.Value,
		&ports, &course, &description, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errScan != nil {
		return nil, errScan
	}
	rec.Type = domain.RecordType(rType)
	if ports.Valid {
		p := ports.String
		rec.Ports = &p
	}
	if course.Valid {
		c := course.String
		rec.Course = &c
	}
	if description.Valid {
		d := description.String
		rec.Description = &d
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
