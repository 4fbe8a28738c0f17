package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/token/refresh"
)

// RefreshRepo implements refresh.Repo. WithFamily runs inside one
// transaction; opened with _txlock=immediate the write lock is taken at
// BEGIN, so two rotations of one family cannot interleave.
type RefreshRepo struct {
	db *sql.DB
}

var _ refresh.Repo = (*RefreshRepo)(nil)

func NewRefreshRepo(db *DB) *RefreshRepo {
	return &RefreshRepo{db: db.DB()}
}

const refreshColumns = `id, token_hash, tenant_id, user_id, client_id, device_id, session_id, jkt,
	family_id, parent_id, replaced_by_id, scope, used_at, expires_at, created_at, revoked, revoked_reason`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *RefreshRepo) Create(ctx context.Context, t *refresh.Token) error {
	if err := insertRefresh(ctx, r.db, t); err != nil {
		return fmt.Errorf("[RefreshRepo.Create] %w", err)
	}
	return nil
}

func insertRefresh(ctx context.Context, db execer, t *refresh.Token) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (`+refreshColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TokenHash, t.TenantID, t.UserID, t.ClientID, t.DeviceID, t.SessionID, t.JKT,
		t.FamilyID, t.ParentID, t.ReplacedByID, t.Scope, toNullUnix(t.UsedAt),
		toUnix(t.ExpiresAt), toUnix(t.CreatedAt), t.Revoked, t.RevokedReason)
	if err != nil {
		if isUniqueViolation(err) {
			return autherrors.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *RefreshRepo) GetByHash(ctx context.Context, tokenHash string) (*refresh.Token, error) {
	t, err := scanRefresh(r.db.QueryRowContext(ctx,
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = ?`, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("[RefreshRepo.GetByHash] %w", autherrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("[RefreshRepo.GetByHash] %w", err)
	}
	return t, nil
}

func (r *RefreshRepo) WithFamily(ctx context.Context, tokenHash string, fn func(tx refresh.FamilyTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("[RefreshRepo.WithFamily] beginning transaction: %w", err)
	}
	defer rollback(tx)

	current, err := scanRefresh(tx.QueryRowContext(ctx,
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = ?`, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return autherrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("[RefreshRepo.WithFamily] %w", err)
	}

	if err := fn(&sqlFamilyTx{tx: tx, token: current}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("[RefreshRepo.WithFamily] committing transaction: %w", err)
	}
	return nil
}

func (r *RefreshRepo) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ?`, toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("[RefreshRepo.DeleteExpired] %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("[RefreshRepo.DeleteExpired] %w", err)
	}
	return int(n), nil
}

type sqlFamilyTx struct {
	tx    *sql.Tx
	token *refresh.Token
}

func (f *sqlFamilyTx) Token() *refresh.Token {
	return f.token.Clone()
}

func (f *sqlFamilyTx) Insert(ctx context.Context, t *refresh.Token) error {
	if t.FamilyID != f.token.FamilyID {
		return fmt.Errorf("[RefreshRepo.Insert] token belongs to family %s: %w", t.FamilyID, autherrors.ErrConflict)
	}
	if err := insertRefresh(ctx, f.tx, t); err != nil {
		return fmt.Errorf("[RefreshRepo.Insert] %w", err)
	}
	return nil
}

func (f *sqlFamilyTx) MarkUsed(ctx context.Context, id string, at time.Time, replacedByID string) error {
	if _, err := f.tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET used_at = ?, replaced_by_id = ? WHERE id = ?`,
		toUnix(at), replacedByID, id); err != nil {
		return fmt.Errorf("[RefreshRepo.MarkUsed] %w", err)
	}
	return nil
}

func (f *sqlFamilyTx) RevokeToken(ctx context.Context, id, reason string) error {
	if _, err := f.tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_reason = ? WHERE id = ? AND revoked = 0`,
		reason, id); err != nil {
		return fmt.Errorf("[RefreshRepo.RevokeToken] %w", err)
	}
	return nil
}

func (f *sqlFamilyTx) RevokeFamily(ctx context.Context, familyID, reason string) error {
	if _, err := f.tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_reason = ? WHERE family_id = ? AND revoked = 0`,
		reason, familyID); err != nil {
		return fmt.Errorf("[RefreshRepo.RevokeFamily] %w", err)
	}
	return nil
}

func scanRefresh(sc scanner) (*refresh.Token, error) {
	var (
		t         refresh.Token
		usedAt    sql.NullInt64
		expiresAt int64
		createdAt int64
	)
	if err := sc.Scan(&t.ID, &t.TokenHash, &t.TenantID, &t.UserID, &t.ClientID, &t.DeviceID, &t.SessionID, &t.JKT,
		&t.FamilyID, &t.ParentID, &t.ReplacedByID, &t.Scope, &usedAt, &expiresAt, &createdAt,
		&t.Revoked, &t.RevokedReason); err != nil {
		return nil, err
	}
	t.UsedAt = fromNullUnix(usedAt)
	t.ExpiresAt = fromUnix(expiresAt)
	t.CreatedAt = fromUnix(createdAt)
	return &t, nil
}
