package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/internal/keylock"
)

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo keeps tokens by id with hash and family indexes. WithFamily
// holds a per-family lock and applies staged changes under the map lock.
type InMemoryRepo struct {
	tokens   map[string]*Token   // id -> token
	hashes   map[string]string   // token hash -> id
	families map[string][]string // family id -> token ids
	lock     sync.RWMutex
	locks    *keylock.Locker
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		tokens:   make(map[string]*Token),
		hashes:   make(map[string]string),
		families: make(map[string][]string),
		locks:    keylock.New(),
	}
}

func (r *InMemoryRepo) Create(_ context.Context, token *Token) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.insertLocked(token)
}

func (r *InMemoryRepo) insertLocked(token *Token) error {
	if _, ok := r.hashes[token.TokenHash]; ok {
		return fmt.Errorf("[InMemoryRepo.Create] token hash: %w", autherrors.ErrAlreadyExists)
	}
	if _, ok := r.tokens[token.ID]; ok {
		return fmt.Errorf("[InMemoryRepo.Create] token %s: %w", token.ID, autherrors.ErrAlreadyExists)
	}
	r.tokens[token.ID] = token.Clone()
	r.hashes[token.TokenHash] = token.ID
	r.families[token.FamilyID] = append(r.families[token.FamilyID], token.ID)
	return nil
}

func (r *InMemoryRepo) GetByHash(_ context.Context, tokenHash string) (*Token, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.getByHashLocked(tokenHash)
}

func (r *InMemoryRepo) getByHashLocked(tokenHash string) (*Token, error) {
	id, ok := r.hashes[tokenHash]
	if !ok {
		return nil, fmt.Errorf("[InMemoryRepo.GetByHash] %w", autherrors.ErrNotFound)
	}
	return r.tokens[id].Clone(), nil
}

func (r *InMemoryRepo) WithFamily(ctx context.Context, tokenHash string, fn func(tx FamilyTx) error) error {
	first, err := r.GetByHash(ctx, tokenHash)
	if err != nil {
		return err
	}
	unlock := r.locks.Lock(first.FamilyID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	// Re-read under the family lock; another rotation may have committed.
	current, err := r.GetByHash(ctx, tokenHash)
	if err != nil {
		return err
	}

	tx := &memoryFamilyTx{token: current}
	if err := fn(tx); err != nil {
		return err
	}
	return r.commit(tx)
}

func (r *InMemoryRepo) commit(tx *memoryFamilyTx) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, t := range tx.inserts {
		if _, ok := r.hashes[t.TokenHash]; ok {
			return fmt.Errorf("[InMemoryRepo.WithFamily] token hash: %w", autherrors.ErrAlreadyExists)
		}
	}
	for _, op := range tx.ops {
		op(r)
	}
	for _, t := range tx.inserts {
		if err := r.insertLocked(t); err != nil {
			return err
		}
	}
	return nil
}

func (r *InMemoryRepo) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	deleted := 0
	for id, t := range r.tokens {
		if !t.ExpiresAt.Before(before) {
			continue
		}
		delete(r.tokens, id)
		delete(r.hashes, t.TokenHash)
		members := r.families[t.FamilyID]
		for i, m := range members {
			if m == id {
				members = append(members[:i], members[i+1:]...)
				break
			}
		}
		if len(members) == 0 {
			delete(r.families, t.FamilyID)
		} else {
			r.families[t.FamilyID] = members
		}
		deleted++
	}
	return deleted, nil
}

type memoryFamilyTx struct {
	token   *Token
	inserts []*Token
	ops     []func(r *InMemoryRepo)
}

func (tx *memoryFamilyTx) Token() *Token {
	return tx.token.Clone()
}

func (tx *memoryFamilyTx) Insert(_ context.Context, token *Token) error {
	if token.FamilyID != tx.token.FamilyID {
		return fmt.Errorf("[InMemoryRepo.Insert] token belongs to family %s: %w", token.FamilyID, autherrors.ErrConflict)
	}
	tx.inserts = append(tx.inserts, token.Clone())
	return nil
}

func (tx *memoryFamilyTx) MarkUsed(_ context.Context, id string, at time.Time, replacedByID string) error {
	tx.ops = append(tx.ops, func(r *InMemoryRepo) {
		if t, ok := r.tokens[id]; ok {
			usedAt := at
			t.UsedAt = &usedAt
			t.ReplacedByID = replacedByID
		}
	})
	return nil
}

func (tx *memoryFamilyTx) RevokeToken(_ context.Context, id, reason string) error {
	tx.ops = append(tx.ops, func(r *InMemoryRepo) {
		if t, ok := r.tokens[id]; ok && !t.Revoked {
			t.Revoked = true
			t.RevokedReason = reason
		}
	})
	return nil
}

func (tx *memoryFamilyTx) RevokeFamily(_ context.Context, familyID, reason string) error {
	tx.ops = append(tx.ops, func(r *InMemoryRepo) {
		for _, id := range r.families[familyID] {
			t := r.tokens[id]
			if t.Revoked {
				continue
			}
			t.Revoked = true
			t.RevokedReason = reason
		}
	})
	return nil
}
