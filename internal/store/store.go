// Package store defines the key-value document store the marketplace persists
// accounts, tokens, bids and jobs into.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("document not found")

// Key namespaces.
const (
	AccountsPrefix = "accounts/"
	TokensPrefix   = "tokens/"
	BidsPrefix     = "bids/"
	JobsPrefix     = "jobs/"
)

// Store is a JSON document store keyed by string.
//
// Delete removes the key and reports whether it existed. Only one of several
// concurrent Delete calls for the same key may observe true; the matching
// engine relies on this to commit a bid to exactly one provider.
type Store interface {
	Put(ctx context.Context, key string, doc []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every document whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([][]byte, error)
	Close() error
}

// AccountKey returns the key holding the account document.
func AccountKey(username string) string { return AccountsPrefix + username }

// TokenKey returns the key holding the session token document.
func TokenKey(token string) string { return TokensPrefix + token }

// BidKey returns the key holding the bid document.
func BidKey(id string) string { return BidsPrefix + id }

// JobKey returns the key holding the job document.
func JobKey(id string) string { return JobsPrefix + id }

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Put(ctx, key, doc)
}

// GetJSON loads the document under key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	doc, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// ListJSON decodes every document under prefix.
func ListJSON[T any](ctx context.Context, s Store, prefix string) ([]*T, error) {
	docs, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	items := make([]*T, 0, len(docs))
	for _, doc := range docs {
		item := new(T)
		if err := json.Unmarshal(doc, item); err != nil {
			return nil, fmt.Errorf("unmarshal %s document: %w", prefix, err)
		}
		items = append(items, item)
	}
	return items, nil
}
