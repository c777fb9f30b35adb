package repository

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/poyrazK/dnsforge/internal/core/domain"
)

// PostgresCertificateRepository implements ports.CertificateRepository using
// PostgreSQL. It shares the connection pool with PostgresRepository.
type PostgresCertificateRepository struct {
	db *sql.DB
}

// NewPostgresCertificateRepository creates and returns a new
// PostgresCertificateRepository instance.
func NewPostgresCertificateRepository(db *sql.DB) *PostgresCertificateRepository {
	return &PostgresCertificateRepository{db: db}
}

func (r *PostgresCertificateRepository) Create(ctx context.Context, cert *domain.Certificate) error {
	query := `INSERT INTO certificates (id, username, root_domain, status, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, errExec := r.db.ExecContext(ctx, query,
		cert.ID, cert.Username, cert.RootDomain, string(cert.Status), cert.CreatedAt, cert.UpdatedAt)
	return errExec
}

func (r *PostgresCertificateRepository) GetByID(ctx context.Context, id string) (*domain.Certificate, error) {
	query := `SELECT id, username, root_domain, status, order_url, certificate_pem, private_key_pem, issued_at, created_at, updated_at
	          FROM certificates WHERE id = $1`

	var cert domain.Certificate
	var status string
	var orderURL, pem, keyPEM sql.NullString
	var issuedAt sql.NullTime
	errRow := r.db.QueryRowContext(ctx, query, id).Scan(
		&cert.ID, &cert.Username, &cert.RootDomain, &status,
		&orderURL, &pem, &keyPEM, &issuedAt, &cert.CreatedAt, &cert.UpdatedAt)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if errRow != nil {
		return nil, errRow
	}

	cert.Status = domain.CertificateStatus(status)
	if orderURL.Valid {
		cert.OrderURL = orderURL.String
	}
	if pem.Valid {
		cert.CertificatePEM = pem.String
	}
	if keyPEM.Valid {
		cert.PrivateKeyPEM = keyPEM.String
	}
	if issuedAt.Valid {
		t := issuedAt.Time
		cert.IssuedAt = &t
	}
	return &cert, nil
}

func (r *PostgresCertificateRepository) UpdateStatus(ctx context.Context, id string, status domain.CertificateStatus) error {
	query := `UPDATE certificates SET status = $1, updated_at = $2 WHERE id = $3`
	return r.execOne(ctx, query, string(status), time.Now(), id)
}

func (r *PostgresCertificateRepository) SetOrder(ctx context.Context, id string, orderURL string) error {
	query := `UPDATE certificates SET order_url = $1, updated_at = $2 WHERE id = $3`
	return r.execOne(ctx, query, orderURL, time.Now(), id)
}

func (r *PostgresCertificateRepository) SetCertificate(ctx context.Context, id string, certPEM, keyPEM string, issuedAt time.Time) error {
	query := `UPDATE certificates SET certificate_pem = $1, private_key_pem = $2, issued_at = $3, updated_at = $4 WHERE id = $5`
	return r.execOne(ctx, query, certPEM, keyPEM, issuedAt, time.Now(), id)
}

// CreateChallenges inserts all challenge rows for an order in one
// transaction so a partially recorded order can never be finalized.
func (r *PostgresCertificateRepository) CreateChallenges(ctx context.Context, challenges []domain.Challenge) error {
	if len(challenges) == 0 {
		return nil
	}

	tx, errTx := r.db.BeginTx(ctx, nil)
	if errTx != nil {
		return errTx
	}
	defer func() {
		if errRollback := tx.Rollback(); errRollback != nil && !errors.Is(errRollback, sql.ErrTxDone) {
			log.Printf("failed to rollback transaction: %v", errRollback)
		}
	}()

	query := `INSERT INTO certificate_challenges (id, certificate_id, domain, challenge_key, challenge_url, verified, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, ch := range challenges {
		if _, errExec := tx.ExecContext(ctx, query,
			ch.ID, ch.CertificateID, ch.Domain, ch.ChallengeKey, ch.ChallengeURL, ch.Verified, ch.CreatedAt); errExec != nil {
			return errExec
		}
	}
	return tx.Commit()
}

func (r *PostgresCertificateRepository) DeleteChallenges(ctx context.Context, certificateID string) error {
	query := `DELETE FROM certificate_challenges WHERE certificate_id = $1`
	_, errExec := r.db.ExecContext(ctx, query, certificateID)
	return errExec
}

func (r *PostgresCertificateRepository) ListChallenges(ctx context.Context, certificateID string) ([]domain.Challenge, error) {
	query := `SELECT id, certificate_id, domain, challenge_key, challenge_url, verified, created_at
	          FROM certificate_challenges WHERE certificate_id = $1 ORDER BY created_at, id`
	rows, errQuery := r.db.QueryContext(ctx, query, certificateID)
	if errQuery != nil {
		return nil, errQuery
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Printf("failed to close rows: %v", errClose)
		}
	}()

	var challenges []domain.Challenge
	for rows.Next() {
		var ch domain.Challenge
		if errScan := rows.Scan(&ch.ID, &ch.CertificateID, &ch.Domain, &ch.ChallengeKey,
			&ch.ChallengeURL, &ch.Verified, &ch.CreatedAt); errScan != nil {
			return nil, errScan
		}
		challenges = append(challenges, ch)
	}
	return challenges, rows.Err()
}

func (r *PostgresCertificateRepository) MarkChallengeVerified(ctx context.Context, challengeID string) error {
	query := `UPDATE certificate_challenges SET verified = TRUE WHERE id = $1`
	return r.execOne(ctx, query, challengeID)
}

func (r *PostgresCertificateRepository) execOne(ctx context.Context, query string, args ...any) error {
	result, errExec := r.db.ExecContext(ctx, query, args...)
	if errExec != nil {
		return errExec
	}
	affected, errAffected := result.RowsAffected()
	if errAffected != nil {
		return errAffected
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
