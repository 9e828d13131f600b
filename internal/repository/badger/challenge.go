package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/repository"
)

const challengePrefix = "challenge/"

// SaveChallenge stores a challenge. A positive ttl lets badger expire it.
func (s *Store) SaveChallenge(ctx context.Context, challenge domain.LoginChallenge, ttl time.Duration) error {
	if challenge.UID == "" {
		return repository.ErrInvalidArgument
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(challengeRecord{
		UID:       challenge.UID,
		Phrase:    challenge.Phrase,
		CreatedAt: challenge.CreatedAt,
		ExpiresAt: challenge.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(challengePrefix+challenge.UID), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// TakeChallenge loads and deletes the challenge for uid in one transaction.
func (s *Store) TakeChallenge(ctx context.Context, uid string) (*domain.LoginChallenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec challengeRecord
	key := []byte(challengePrefix + uid)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("take challenge: %w", err)
	}
	challenge := &domain.LoginChallenge{
		UID:       rec.UID,
		Phrase:    rec.Phrase,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	if challenge.Expired(time.Now()) {
		return nil, repository.ErrNotFound
	}
	return challenge, nil
}

type challengeRecord struct {
	UID       string    `json:"uid"`
	Phrase    string    `json:"phrase"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}
