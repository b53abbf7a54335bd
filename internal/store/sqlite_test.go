package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleChat = `{
	"title": "Test Chat",
	"update_time": 1700000100,
	"mapping": {
		"root": {},
		"n1": {
			"message": {
				"author": {"role": "user"},
				"content": {"parts": ["hello"]},
				"create_time": 1700000000
			}
		},
		"n2": {
			"message": {
				"author": {"role": "assistant"},
				"content": {"parts": ["hi there"]},
				"create_time": 1700000010
			}
		}
	}
}`

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(Config{Enabled: true, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPersistStoresMessagesAndExport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	result, err := s.Persist(ctx, "conv-1", []byte(sampleChat), nil, nil)
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if result.NewMessages != 2 || result.TotalMessages != 2 {
		t.Errorf("counts = %d new / %d total, want 2/2", result.NewMessages, result.TotalMessages)
	}
	if !strings.HasSuffix(result.JSONPath, ".json") {
		t.Errorf("export path = %q", result.JSONPath)
	}
	if _, err := os.Stat(result.JSONPath); err != nil {
		t.Errorf("export file missing: %v", err)
	}

	count, err := s.CountCached(ctx, "conv-1")
	if err != nil {
		t.Fatalf("CountCached: %v", err)
	}
	if count != 2 {
		t.Errorf("CountCached = %d, want 2", count)
	}

	// Re-persisting the same chat adds nothing.
	result, err = s.Persist(ctx, "conv-1", []byte(sampleChat), nil, nil)
	if err != nil {
		t.Fatalf("second Persist: %v", err)
	}
	if result.NewMessages != 0 || result.TotalMessages != 2 {
		t.Errorf("second persist = %d new / %d total, want 0/2", result.NewMessages, result.TotalMessages)
	}
}

func TestPersistDownloadsAssets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat := `{
		"title": "With Image",
		"mapping": {
			"n1": {
				"message": {
					"author": {"role": "assistant"},
					"content": {"parts": [{"asset_pointer": "file-service://file-IMG1", "text": "an image"}]},
					"create_time": 1
				}
			}
		}
	}`

	var fetched []string
	fetch := func(ctx context.Context, pointer string) ([]byte, string, error) {
		fetched = append(fetched, pointer)
		if pointer == "file-service://file-IMG1" {
			return []byte("pngbytes"), "image/png", nil
		}
		return nil, "", fmt.Errorf("unknown pointer")
	}

	result, err := s.Persist(ctx, "conv-2", []byte(chat), nil, fetch)
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if len(fetched) != 1 || fetched[0] != "file-service://file-IMG1" {
		t.Errorf("fetched = %v", fetched)
	}
	if len(result.AssetPaths) != 1 {
		t.Fatalf("asset paths = %v", result.AssetPaths)
	}
	if filepath.Ext(result.AssetPaths[0]) != ".png" {
		t.Errorf("asset extension = %q, want .png", filepath.Ext(result.AssetPaths[0]))
	}
	data, err := os.ReadFile(result.AssetPaths[0])
	if err != nil {
		t.Fatalf("read asset: %v", err)
	}
	if string(data) != "pngbytes" {
		t.Errorf("asset content = %q", data)
	}
}

func TestRecordTracksAddedAndUpdated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	headers := []ConversationHeader{
		{ID: "a", Title: "First", LastUpdated: 100},
		{ID: "b", Title: "Second", LastUpdated: 200},
	}
	stats, err := s.Record(ctx, headers)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if stats.Added != 2 || stats.Updated != 0 {
		t.Errorf("stats = %+v, want 2 added", stats)
	}

	headers[0].Title = "First (renamed)"
	headers = append(headers, ConversationHeader{ID: "c", Title: "Third"})
	stats, err = s.Record(ctx, headers)
	if err != nil {
		t.Fatalf("second Record: %v", err)
	}
	if stats.Added != 1 || stats.Updated != 2 {
		t.Errorf("stats = %+v, want 1 added / 2 updated", stats)
	}
}

func TestAppendAssignsSequentialIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Append(ctx, "conv-3", "user", "question", now); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "conv-3", "assistant", "answer", now); err != nil {
		t.Fatalf("Append: %v", err)
	}

	count, err := s.CountCached(ctx, "conv-3")
	if err != nil {
		t.Fatalf("CountCached: %v", err)
	}
	if count != 2 {
		t.Errorf("CountCached = %d, want 2", count)
	}

	var author string
	err = s.db.QueryRowContext(ctx,
		`SELECT author FROM messages WHERE conversation_id = ? AND message_index = 1`,
		"conv-3").Scan(&author)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if author != "assistant" {
		t.Errorf("author at index 1 = %q, want assistant", author)
	}
}

func TestCountCachedUnknownConversation(t *testing.T) {
	s := newTestStore(t)
	count, err := s.CountCached(context.Background(), "missing")
	if err != nil {
		t.Fatalf("CountCached: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}
