package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/sessions"
)

// SessionRepo implements sessions.Repo.
type SessionRepo struct {
	db *sql.DB
}

var _ sessions.Repo = (*SessionRepo)(nil)

func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db.DB()}
}

const sessionColumns = `id, tenant_id, user_id, client_id, device_id, cnf_jkt, issued_at, not_after, revoked_at, version`

func (r *SessionRepo) Create(ctx context.Context, s *sessions.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TenantID, s.UserID, s.ClientID, s.DeviceID, s.CnfJKT,
		toUnix(s.IssuedAt), toUnix(s.NotAfter), toNullUnix(s.RevokedAt), s.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("[SessionRepo.Create] session %s: %w", s.ID, autherrors.ErrAlreadyExists)
		}
		return fmt.Errorf("[SessionRepo.Create] %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*sessions.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("[SessionRepo.Get] session %s: %w", id, autherrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("[SessionRepo.Get] %w", err)
	}
	return s, nil
}

func (r *SessionRepo) Revoke(ctx context.Context, id string, at time.Time) (bool, *sessions.Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("[SessionRepo.Revoke] beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ?, version = version + 1 WHERE id = ? AND revoked_at IS NULL`,
		toUnix(at), id)
	if err != nil {
		return false, nil, fmt.Errorf("[SessionRepo.Revoke] %w", err)
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("[SessionRepo.Revoke] %w", err)
	}

	s, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, fmt.Errorf("[SessionRepo.Revoke] session %s: %w", id, autherrors.ErrNotFound)
	}
	if err != nil {
		return false, nil, fmt.Errorf("[SessionRepo.Revoke] %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("[SessionRepo.Revoke] committing transaction: %w", err)
	}
	return changed == 1, s, nil
}

func (r *SessionRepo) RevokeAllForSubject(ctx context.Context, tenantID, userID string, at time.Time) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("[SessionRepo.RevokeAllForSubject] beginning transaction: %w", err)
	}
	defer rollback(tx)

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM sessions WHERE tenant_id = ? AND user_id = ? AND revoked_at IS NULL`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("[SessionRepo.RevokeAllForSubject] %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("[SessionRepo.RevokeAllForSubject] %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("[SessionRepo.RevokeAllForSubject] %w", err)
	}
	_ = rows.Close()

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ?, version = version + 1
		 WHERE tenant_id = ? AND user_id = ? AND revoked_at IS NULL`,
		toUnix(at), tenantID, userID); err != nil {
		return nil, fmt.Errorf("[SessionRepo.RevokeAllForSubject] %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("[SessionRepo.RevokeAllForSubject] committing transaction: %w", err)
	}
	return ids, nil
}

func (r *SessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE not_after < ?`, toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("[SessionRepo.DeleteExpired] %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("[SessionRepo.DeleteExpired] %w", err)
	}
	return int(n), nil
}

func scanSession(sc scanner) (*sessions.Session, error) {
	var (
		s         sessions.Session
		issuedAt  int64
		notAfter  int64
		revokedAt sql.NullInt64
	)
	if err := sc.Scan(&s.ID, &s.TenantID, &s.UserID, &s.ClientID, &s.DeviceID, &s.CnfJKT,
		&issuedAt, &notAfter, &revokedAt, &s.Version); err != nil {
		return nil, err
	}
	s.IssuedAt = fromUnix(issuedAt)
	s.NotAfter = fromUnix(notAfter)
	s.RevokedAt = fromNullUnix(revokedAt)
	return &s, nil
}
