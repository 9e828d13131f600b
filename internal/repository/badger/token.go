package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/repository"
)

const tokenPrefix = "token/"

func tokenUserPrefix(username string) []byte {
	return []byte(tokenPrefix + username + "/")
}

// CreateDeployToken stores a deploy token record under its owner.
func (s *Store) CreateDeployToken(ctx context.Context, record *domain.DeployTokenRecord) error {
	if record == nil || record.ID == "" || strings.TrimSpace(record.Username) == "" || strings.TrimSpace(record.TokenName) == "" {
		return repository.ErrInvalidArgument
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode deploy token: %w", err)
	}
	key := append(tokenUserPrefix(record.Username), record.ID...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// ListDeployTokens returns a user's records, oldest first.
func (s *Store) ListDeployTokens(ctx context.Context, username string) ([]domain.DeployTokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []domain.DeployTokenRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return scanTokens(txn, username, func(_ []byte, rec domain.DeployTokenRecord) {
			records = append(records, rec)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list deploy tokens: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// DeployTokenExists reports whether any record matches (username, tokenName).
func (s *Store) DeployTokenExists(ctx context.Context, username, tokenName string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		return scanTokens(txn, username, func(_ []byte, rec domain.DeployTokenRecord) {
			if rec.TokenName == tokenName {
				found = true
			}
		})
	})
	if err != nil {
		return false, fmt.Errorf("lookup deploy token: %w", err)
	}
	return found, nil
}

// DeleteDeployTokens removes every record matching (username, tokenName).
func (s *Store) DeleteDeployTokens(ctx context.Context, username, tokenName string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		if err := scanTokens(txn, username, func(key []byte, rec domain.DeployTokenRecord) {
			if rec.TokenName == tokenName {
				keys = append(keys, key)
			}
		}); err != nil {
			return err
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete deploy tokens: %w", err)
	}
	return removed, nil
}

func scanTokens(txn *badger.Txn, username string, fn func(key []byte, rec domain.DeployTokenRecord)) error {
	prefix := tokenUserPrefix(username)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var rec domain.DeployTokenRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		// "alice/x" shares the "token/alice/" prefix.
		if rec.Username != username {
			continue
		}
		fn(item.KeyCopy(nil), rec)
	}
	return nil
}
