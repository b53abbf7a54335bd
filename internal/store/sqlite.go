package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite plus JSON exports on disk.
type SQLiteStore struct {
	db        *sql.DB
	exportDir string
}

// Schema for the conversations database.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    internal_id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL UNIQUE,
    conversation_key TEXT NOT NULL,
    title TEXT,
    discovered_at REAL NOT NULL DEFAULT 0,
    last_seen_at REAL NOT NULL DEFAULT 0,
    remote_update_time REAL,
    cached_message_count INTEGER DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_key ON conversations(conversation_key);

CREATE TABLE IF NOT EXISTS messages (
    conversation_id TEXT NOT NULL,
    message_index INTEGER NOT NULL,
    author TEXT NOT NULL,
    content TEXT NOT NULL,
    create_time REAL,
    message_key TEXT,
    PRIMARY KEY (conversation_id, message_index, author)
);
`

// NewSQLiteStore creates a new SQLite-based conversation store.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		var err error
		dataDir, err = GetDataDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	exportDir := cfg.ExportDir
	if exportDir == "" {
		exportDir = filepath.Join(dataDir, "exports")
	}

	dbPath := filepath.Join(dataDir, "conversations.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db, exportDir: exportDir}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// conversationKey derives the stable short key a conversation is filed under.
func conversationKey(conversationID, title string) string {
	base := conversationID
	if base == "" {
		base = title
	}
	digest := sha1.Sum([]byte(base))
	return hex.EncodeToString(digest[:])[:16]
}

func messageKey(conversationKey, author string, index int) string {
	if author == "" {
		author = "unknown"
	}
	return fmt.Sprintf("%s.%s.%04d", conversationKey, author, index)
}

// ensureRecord upserts one catalog row and returns its key. Existing titles
// and keys are never clobbered by empty values, and the remote update time
// only moves forward.
func (s *SQLiteStore) ensureRecord(ctx context.Context, conversationID, title string, remoteUpdate float64) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("conversation id must be provided")
	}
	now := float64(time.Now().Unix())
	key := conversationKey(conversationID, title)

	var remote any
	if remoteUpdate > 0 {
		remote = remoteUpdate
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (
			conversation_id, conversation_key, title,
			discovered_at, last_seen_at, remote_update_time, cached_message_count
		) VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(conversation_id) DO UPDATE SET
			title = CASE
				WHEN excluded.title IS NOT NULL AND excluded.title != ''
				THEN excluded.title ELSE conversations.title END,
			conversation_key = CASE
				WHEN conversations.conversation_key IS NULL OR conversations.conversation_key = ''
				THEN excluded.conversation_key ELSE conversations.conversation_key END,
			last_seen_at = excluded.last_seen_at,
			remote_update_time = CASE
				WHEN excluded.remote_update_time IS NOT NULL
				     AND (conversations.remote_update_time IS NULL
				          OR excluded.remote_update_time > conversations.remote_update_time)
				THEN excluded.remote_update_time ELSE conversations.remote_update_time END`,
		conversationID, key, title, now, now, remote)
	if err != nil {
		return "", fmt.Errorf("upsert conversation: %w", err)
	}

	var stored string
	err = s.db.QueryRowContext(ctx,
		`SELECT conversation_key FROM conversations WHERE conversation_id = ?`,
		conversationID).Scan(&stored)
	if err != nil || stored == "" {
		return key, nil
	}
	return stored, nil
}

// Record upserts a batch of conversation headers into the catalog.
func (s *SQLiteStore) Record(ctx context.Context, headers []ConversationHeader) (CatalogStats, error) {
	var stats CatalogStats
	if len(headers) == 0 {
		return stats, nil
	}

	existing := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT conversation_id FROM conversations`)
	if err != nil {
		return stats, fmt.Errorf("list existing conversations: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return stats, err
		}
		existing[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	for _, header := range headers {
		id := strings.TrimSpace(header.ID)
		if id == "" {
			continue
		}
		if _, err := s.ensureRecord(ctx, id, header.Title, header.LastUpdated); err != nil {
			return stats, err
		}
		if existing[id] {
			stats.Updated++
		} else {
			stats.Added++
			existing[id] = true
		}
	}
	return stats, nil
}

// Persist writes one conversation's full state: catalog row, message rows, a
// JSON export file, and any image assets the chat references.
func (s *SQLiteStore) Persist(ctx context.Context, conversationID string, rawChat []byte, messages []Message, fetch AssetFetcher) (*PersistResult, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id must be provided")
	}
	if messages == nil {
		messages = ExtractOrderedMessages(rawChat)
	}

	title := gjson.GetBytes(rawChat, "title").String()
	remoteUpdate := gjson.GetBytes(rawChat, "update_time").Float()

	key, err := s.ensureRecord(ctx, conversationID, title, remoteUpdate)
	if err != nil {
		return nil, err
	}

	newMessages, err := s.upsertMessages(ctx, conversationID, key, messages)
	if err != nil {
		return nil, err
	}
	total, err := s.CountStored(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.setCachedCount(ctx, conversationID, total); err != nil {
		return nil, err
	}

	basename := exportBasename(title, key)
	jsonPath, err := s.exportChat(basename, rawChat)
	if err != nil {
		return nil, err
	}

	result := &PersistResult{
		JSONPath:      jsonPath,
		NewMessages:   newMessages,
		TotalMessages: total,
	}
	if fetch != nil {
		result.AssetPaths, result.AssetErrors = s.downloadAssets(ctx, basename, rawChat, fetch)
	}
	return result, nil
}

func (s *SQLiteStore) upsertMessages(ctx context.Context, conversationID, key string, messages []Message) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, msg := range messages {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages
				(conversation_id, message_index, author, content, create_time, message_key)
			VALUES (?, ?, ?, ?, ?, ?)`,
			conversationID, msg.Index, msg.Author, msg.Content, msg.CreateTime,
			messageKey(key, msg.Author, msg.Index))
		if err != nil {
			return 0, fmt.Errorf("insert message: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, tx.Commit()
}

// Append records a single live message at the next free index.
func (s *SQLiteStore) Append(ctx context.Context, conversationID, author, text string, at time.Time) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id must be provided")
	}
	key, err := s.ensureRecord(ctx, conversationID, "", 0)
	if err != nil {
		return err
	}

	var next int
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(message_index) + 1, 0) FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&next)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages
			(conversation_id, message_index, author, content, create_time, message_key)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, next, author, text, float64(at.Unix()), messageKey(key, author, next))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return s.setCachedCount(ctx, conversationID, next+1)
}

// CountCached reports the cached message count from the catalog row.
func (s *SQLiteStore) CountCached(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT cached_message_count FROM conversations WHERE conversation_id = ?`,
		conversationID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// CountStored counts actual message rows, bypassing the cached counter.
func (s *SQLiteStore) CountStored(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) setCachedCount(ctx context.Context, conversationID string, count int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET cached_message_count = ? WHERE conversation_id = ?`,
		count, conversationID)
	return err
}

func (s *SQLiteStore) exportChat(basename string, rawChat []byte) (string, error) {
	if err := os.MkdirAll(s.exportDir, 0755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(s.exportDir, basename+".json")
	if err := os.WriteFile(path, rawChat, 0644); err != nil {
		return "", fmt.Errorf("export conversation: %w", err)
	}
	return path, nil
}

// downloadAssets fetches every asset pointer found in the chat payload into
// the export directory. Failures are collected, not fatal.
func (s *SQLiteStore) downloadAssets(ctx context.Context, basename string, rawChat []byte, fetch AssetFetcher) (paths, errs []string) {
	pointers := collectAssetPointers(rawChat)
	if len(pointers) == 0 {
		return nil, nil
	}

	assetDir := filepath.Join(s.exportDir, basename+"_assets")
	if err := os.MkdirAll(assetDir, 0755); err != nil {
		return nil, []string{fmt.Sprintf("create asset directory: %v", err)}
	}

	for i, pointer := range pointers {
		content, contentType, err := fetch(ctx, pointer)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", pointer, err))
			continue
		}
		name := fmt.Sprintf("asset_%03d.%s", i, extensionForContentType(contentType))
		path := filepath.Join(assetDir, name)
		if err := os.WriteFile(path, content, 0644); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", pointer, err))
			continue
		}
		paths = append(paths, path)
	}
	return paths, errs
}

func extensionForContentType(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	switch strings.TrimSpace(strings.ToLower(contentType)) {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "application/json":
		return "json"
	default:
		return "bin"
	}
}

// exportBasename builds a filesystem-safe stem from the title and key.
func exportBasename(title, key string) string {
	slug := slugify(title)
	if slug == "" {
		slug = "conversation"
	}
	return slug + "-" + key
}

func slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 48 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
