// Package store persists conversation catalogs, message history and exported
// chat payloads locally, so fetched conversations survive across runs.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AssetFetcher downloads the bytes behind an asset pointer. Persist calls it
// for every image discovered in a chat payload when one is supplied.
type AssetFetcher func(ctx context.Context, pointer string) (content []byte, contentType string, err error)

// Store is the interface for conversation persistence.
type Store interface {
	// Record upserts a batch of conversation headers into the catalog.
	Record(ctx context.Context, headers []ConversationHeader) (CatalogStats, error)

	// Persist writes a full chat payload: catalog row, message rows, a JSON
	// export, and (when fetch is non-nil) the image assets it references.
	Persist(ctx context.Context, conversationID string, rawChat []byte, messages []Message, fetch AssetFetcher) (*PersistResult, error)

	// Append records a single message produced live, without refetching the
	// whole conversation.
	Append(ctx context.Context, conversationID, author, text string, at time.Time) error

	// CountCached reports how many messages are stored for a conversation.
	CountCached(ctx context.Context, conversationID string) (int, error)

	Close() error
}

// Config holds conversation storage configuration.
type Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	DataDir   string `mapstructure:"data_dir"`   // override; empty uses the XDG default
	ExportDir string `mapstructure:"export_dir"` // JSON export location; empty uses DataDir/exports
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// GetDataDir returns the XDG data directory for regpt.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "regpt"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "regpt"), nil
}

// NewStore creates a Store based on the configuration. If storage is
// disabled, returns a no-op store.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return &NullStore{}, nil
	}
	return NewSQLiteStore(cfg)
}
