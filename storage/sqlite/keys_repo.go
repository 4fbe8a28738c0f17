package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/token/keys"
)

// KeyRepo implements keys.Repo. The partial unique index on ACTIVE keys
// backs the one-ACTIVE-key invariant.
type KeyRepo struct {
	db *sql.DB
}

var _ keys.Repo = (*KeyRepo)(nil)

func NewKeyRepo(db *DB) *KeyRepo {
	return &KeyRepo{db: db.DB()}
}

const keyColumns = `kid, tenant_id, algorithm, status, public_key_jwk, private_key_pem,
	created_at, expires_at, rolled_over_at`

func (r *KeyRepo) Rotate(ctx context.Context, next *keys.SigningKey, now time.Time) (*keys.SigningKey, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("[KeyRepo.Rotate] beginning transaction: %w", err)
	}
	defer rollback(tx)

	previous, err := scanKey(tx.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM signing_keys WHERE tenant_id = ? AND status = 'ACTIVE'`, next.TenantID))
	if errors.Is(err, sql.ErrNoRows) {
		previous = nil
	} else if err != nil {
		return nil, fmt.Errorf("[KeyRepo.Rotate] reading active key: %w", err)
	}

	if previous != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE signing_keys SET status = 'ROLLED_OVER', rolled_over_at = ? WHERE tenant_id = ? AND kid = ?`,
			toUnix(now), previous.TenantID, previous.KeyID); err != nil {
			return nil, fmt.Errorf("[KeyRepo.Rotate] rolling over %s: %w", previous.KeyID, err)
		}
		previous.Status = keys.StatusRolledOver
		rolledAt := now
		previous.RolledOverAt = &rolledAt
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO signing_keys (`+keyColumns+`)
		VALUES (?, ?, ?, 'ACTIVE', ?, ?, ?, ?, NULL)`,
		next.KeyID, next.TenantID, next.Algorithm, next.PublicKeyJWK, next.PrivateKeyPEM,
		toUnix(next.CreatedAt), toUnix(next.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("[KeyRepo.Rotate] %w", autherrors.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("[KeyRepo.Rotate] inserting key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("[KeyRepo.Rotate] committing transaction: %w", err)
	}
	return previous, nil
}

func (r *KeyRepo) GetActive(ctx context.Context, tenantID string) (*keys.SigningKey, error) {
	k, err := scanKey(r.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM signing_keys WHERE tenant_id = ? AND status = 'ACTIVE'`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, autherrors.ErrNoActiveKey
	}
	if err != nil {
		return nil, fmt.Errorf("[KeyRepo.GetActive] %w", err)
	}
	return k, nil
}

func (r *KeyRepo) Get(ctx context.Context, tenantID, kid string) (*keys.SigningKey, error) {
	k, err := scanKey(r.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM signing_keys WHERE tenant_id = ? AND kid = ?`, tenantID, kid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, autherrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("[KeyRepo.Get] %w", err)
	}
	return k, nil
}

func (r *KeyRepo) List(ctx context.Context, tenantID string) ([]*keys.SigningKey, error) {
	return r.query(ctx, "[KeyRepo.List]",
		`SELECT `+keyColumns+` FROM signing_keys WHERE tenant_id = ? ORDER BY created_at DESC, kid`, tenantID)
}

func (r *KeyRepo) ListActive(ctx context.Context) ([]*keys.SigningKey, error) {
	return r.query(ctx, "[KeyRepo.ListActive]",
		`SELECT `+keyColumns+` FROM signing_keys WHERE status = 'ACTIVE' ORDER BY tenant_id`)
}

func (r *KeyRepo) ExpireDue(ctx context.Context, now time.Time) ([]*keys.SigningKey, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("[KeyRepo.ExpireDue] beginning transaction: %w", err)
	}
	defer rollback(tx)

	rows, err := tx.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM signing_keys WHERE status != 'EXPIRED' AND expires_at <= ?`, toUnix(now))
	if err != nil {
		return nil, fmt.Errorf("[KeyRepo.ExpireDue] %w", err)
	}
	due, err := collectKeys(rows)
	if err != nil {
		return nil, fmt.Errorf("[KeyRepo.ExpireDue] %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE signing_keys SET status = 'EXPIRED' WHERE status != 'EXPIRED' AND expires_at <= ?`, toUnix(now)); err != nil {
		return nil, fmt.Errorf("[KeyRepo.ExpireDue] %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("[KeyRepo.ExpireDue] committing transaction: %w", err)
	}
	for _, k := range due {
		k.Status = keys.StatusExpired
	}
	return due, nil
}

func (r *KeyRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM signing_keys WHERE status = 'EXPIRED' AND expires_at < ?`, toUnix(cutoff))
	if err != nil {
		return 0, fmt.Errorf("[KeyRepo.DeleteExpired] %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("[KeyRepo.DeleteExpired] %w", err)
	}
	return int(n), nil
}

func (r *KeyRepo) query(ctx context.Context, op, query string, args ...any) ([]*keys.SigningKey, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s %w", op, err)
	}
	out, err := collectKeys(rows)
	if err != nil {
		return nil, fmt.Errorf("%s %w", op, err)
	}
	return out, nil
}

func collectKeys(rows *sql.Rows) ([]*keys.SigningKey, error) {
	defer func() { _ = rows.Close() }()
	out := make([]*keys.SigningKey, 0)
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanKey(sc scanner) (*keys.SigningKey, error) {
	var (
		k          keys.SigningKey
		status     string
		createdAt  int64
		expiresAt  int64
		rolledOver sql.NullInt64
	)
	if err := sc.Scan(&k.KeyID, &k.TenantID, &k.Algorithm, &status, &k.PublicKeyJWK, &k.PrivateKeyPEM,
		&createdAt, &expiresAt, &rolledOver); err != nil {
		return nil, err
	}
	k.Status = keys.Status(status)
	k.CreatedAt = fromUnix(createdAt)
	k.ExpiresAt = fromUnix(expiresAt)
	k.RolledOverAt = fromNullUnix(rolledOver)
	return &k, nil
}
