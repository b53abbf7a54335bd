package chatgpt

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"
)

func newBackupArkoseClient(t *testing.T, bodies []string) (*Client, *int) {
	t.Helper()
	var mu sync.Mutex
	calls := 0
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if calls >= len(bodies) {
			t.Fatalf("backup endpoint called %d times, only %d responses scripted", calls+1, len(bodies))
		}
		body := bodies[calls]
		calls++
		return jsonResponse(200, body), nil
	})
	return client, &calls
}

func TestBackupTokenRetriesPastNullSentinel(t *testing.T) {
	client, calls := newBackupArkoseClient(t, []string{"null", "null", `{"token":"abc"}`})

	var slept time.Duration
	p := newArkoseProvider(client, "")
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept += d
		return nil
	}

	tok, err := p.backupToken(context.Background())
	if err != nil {
		t.Fatalf("backupToken: %v", err)
	}
	if tok != "abc" {
		t.Errorf("token = %q, want abc", tok)
	}
	if *calls != 3 {
		t.Errorf("attempts = %d, want 3", *calls)
	}
	if slept != 2*backupArkoseDelay {
		t.Errorf("total backoff = %v, want %v", slept, 2*backupArkoseDelay)
	}
}

func TestBackupTokenNullExhaustionIsBackendError(t *testing.T) {
	client, _ := newBackupArkoseClient(t, []string{"null", "null", "null", "null", "null"})

	p := newArkoseProvider(client, "")
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := p.backupToken(context.Background())
	be, ok := err.(*BackendError)
	if !ok {
		t.Fatalf("error type = %T, want *BackendError", err)
	}
	if be.Code != 505 {
		t.Errorf("code = %d, want 505", be.Code)
	}
}

func TestBackupTokenGarbageExhaustionIsRetryError(t *testing.T) {
	client, calls := newBackupArkoseClient(t, []string{"{}", "not json", "{}", "{}", "{}"})

	p := newArkoseProvider(client, "")
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := p.backupToken(context.Background())
	re, ok := err.(*RetryError)
	if !ok {
		t.Fatalf("error type = %T, want *RetryError", err)
	}
	if re.Attempts != backupArkoseAttempts {
		t.Errorf("attempts in error = %d, want %d", re.Attempts, backupArkoseAttempts)
	}
	if *calls != backupArkoseAttempts {
		t.Errorf("attempts made = %d, want %d", *calls, backupArkoseAttempts)
	}
}

func TestBackupTokenHonorsContextDuringBackoff(t *testing.T) {
	client, _ := newBackupArkoseClient(t, []string{"null", "null", "null", "null", "null"})

	ctx, cancel := context.WithCancel(context.Background())
	p := newArkoseProvider(client, "")
	p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	if _, err := p.backupToken(ctx); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
