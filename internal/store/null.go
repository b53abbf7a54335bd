package store

import (
	"context"
	"time"
)

// NullStore is a no-op Store used when persistence is disabled.
type NullStore struct{}

func (n *NullStore) Record(ctx context.Context, headers []ConversationHeader) (CatalogStats, error) {
	return CatalogStats{}, nil
}

func (n *NullStore) Persist(ctx context.Context, conversationID string, rawChat []byte, messages []Message, fetch AssetFetcher) (*PersistResult, error) {
	return &PersistResult{}, nil
}

func (n *NullStore) Append(ctx context.Context, conversationID, author, text string, at time.Time) error {
	return nil
}

func (n *NullStore) CountCached(ctx context.Context, conversationID string) (int, error) {
	return 0, nil
}

func (n *NullStore) Close() error { return nil }
