package chatgpt

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// defaultBackupArkoseEndpoint answers a GET with {"token": "..."} or the
// literal string "null" when the generator pool is exhausted.
const defaultBackupArkoseEndpoint = "https://arkose-token.zaikun.dev/token"

const (
	backupArkoseAttempts = 5
	backupArkoseDelay    = 700 * time.Millisecond
)

// arkoseProvider acquires per-turn evasion tokens: a native shared-library
// fast path when available, with an HTTP backup generator behind it. The
// native tier is best effort and never fails a turn on its own.
type arkoseProvider struct {
	client    *Client
	dir       string
	backupURL string

	triedBinary bool
	binary      *arkoseBinary

	// sleep is swapped out by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func newArkoseProvider(client *Client, dir string) *arkoseProvider {
	return &arkoseProvider{
		client:    client,
		dir:       dir,
		backupURL: defaultBackupArkoseEndpoint,
		sleep:     sleepCtx,
	}
}

func (p *arkoseProvider) close() {
	if p.binary != nil {
		p.binary.close()
		p.binary = nil
	}
	p.triedBinary = false
}

// token returns a non-empty arkose token or an error. Tier 1 is the native
// library; any failure there falls through silently to the HTTP backup.
func (p *arkoseProvider) token(ctx context.Context) (string, error) {
	if tok := p.nativeToken(ctx); tok != "" {
		return tok, nil
	}
	return p.backupToken(ctx)
}

// nativeToken loads the captcha binary at most once per session and calls its
// token entry point. Every failure is swallowed: this tier must never abort
// the turn.
func (p *arkoseProvider) nativeToken(ctx context.Context) string {
	if !p.triedBinary {
		p.triedBinary = true
		bin, err := ensureArkoseBinary(ctx, p.client, p.dir)
		if err != nil {
			p.client.log.WithError(err).Debug("native captcha binary unavailable")
			return ""
		}
		p.binary = bin
	}
	if p.binary == nil {
		return ""
	}
	tok, err := p.binary.getToken()
	if err != nil {
		p.client.log.WithError(err).Debug("native captcha call failed")
		return ""
	}
	return tok
}

// backupToken polls the backup generator up to 5 times. A literal "null"
// body means the backend explicitly refused; a non-null body is parsed for a
// token field. Failed attempts back off ~0.7s before retrying.
func (p *arkoseProvider) backupToken(ctx context.Context) (string, error) {
	var sawNull bool
	for attempt := 1; attempt <= backupArkoseAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, backupArkoseDelay); err != nil {
				return "", err
			}
		}

		body, err := p.fetchBackup(ctx)
		if err != nil {
			continue
		}
		sawNull = strings.TrimSpace(body) == "null"
		if sawNull {
			continue
		}
		if tok := gjson.Get(body, "token").String(); tok != "" {
			return tok, nil
		}
	}

	if sawNull {
		return "", &BackendError{Code: 505}
	}
	return "", &RetryError{Endpoint: p.backupURL, Attempts: backupArkoseAttempts}
}

func (p *arkoseProvider) fetchBackup(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.backupURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := p.client.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}
