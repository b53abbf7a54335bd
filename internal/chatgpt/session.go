// Package chatgpt is an unofficial client for the chatgpt.com conversation
// backend. It authenticates a browser-style session, streams assistant
// replies token by token over HTTP or a shared websocket, continues truncated
// replies, and resolves asset pointers returned inside conversation data.
package chatgpt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/net/publicsuffix"

	"github.com/zai-kun/regpt/internal/browser"
	"github.com/zai-kun/regpt/internal/fingerprint"
)

const (
	defaultAPIBase  = "https://chatgpt.com/backend-api"
	defaultAnonBase = "https://chatgpt.com/backend-anon"
	defaultPageBase = "https://chatgpt.com"

	backendDomain = "chatgpt.com"

	sessionCookieName = "__Secure-next-auth.session-token"
	deviceCookieName  = "oai-did"

	// UserAgent is the browser identity presented on every request. It must
	// stay plausible against the TLS fingerprint the transport presents.
	UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	// accountCheckPath is probed once at session open for the shared
	// websocket capability flag.
	accountCheckPath = "accounts/check/v4-2023-04-27"

	sentinelHeader = "openai-sentinel-chat-requirements-token"
)

// expiryMarkers are the two phrases the backend embeds in error payloads when
// the access token has lapsed. Matching is case-insensitive substring.
var expiryMarkers = []string{"token_expired", "authentication token is expired"}

// Options configures a Client. The zero value is free mode with defaults.
type Options struct {
	SessionToken string
	AccessToken  string // skip the token exchange when already known
	Model        string // default model for new conversations

	// WebsocketMode forces duplex mode even when the feature probe is
	// negative. When false the probe decides.
	WebsocketMode bool

	// ForceArkose attaches an arkose token to every turn regardless of the
	// model's requirements.
	ForceArkose bool

	// BrowserEngine selects the challenge-escalation browser ("chrome",
	// "chromium" or "edge"). Empty disables browser escalation entirely.
	BrowserEngine string

	TimezoneOffsetMin int
	BinaryDir         string // cache directory for the captcha binary

	Logger *logrus.Logger

	// HTTPClient overrides the fingerprinted client, for tests.
	HTTPClient *http.Client
}

// Client owns one browser-style backend session: credentials, cookie jar,
// transport mode and the background duplex listener.
type Client struct {
	opts Options
	log  logrus.FieldLogger

	apiBase  string
	anonBase string
	pageBase string

	httpClient *http.Client
	jar        http.CookieJar

	sessionToken string
	accessToken  string
	freeMode     bool
	deviceID     string

	duplex bool
	mux    *socketMultiplexer

	arkose *arkoseProvider
	gate   *challengeGate

	pageCacheMu sync.Mutex
	pageCache   map[string]string

	refreshMu sync.Mutex
	opened    bool
}

// NewClient builds an unopened client. Call Open before use and Close when
// done.
func NewClient(opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: fingerprint.NewTransport(),
			Timeout:   0, // streaming reads must not race a client deadline
		}
	}
	httpClient.Jar = jar

	c := &Client{
		opts:         opts,
		log:          log.WithField("component", "chatgpt"),
		apiBase:      defaultAPIBase,
		anonBase:     defaultAnonBase,
		pageBase:     defaultPageBase,
		httpClient:   httpClient,
		jar:          jar,
		sessionToken: opts.SessionToken,
		accessToken:  opts.AccessToken,
		freeMode:     opts.SessionToken == "" && opts.AccessToken == "",
		pageCache:    make(map[string]string),
	}
	c.arkose = newArkoseProvider(c, opts.BinaryDir)
	var escalator browserEscalator
	if opts.BrowserEngine != "" {
		escalator = browser.NewSolver(opts.BrowserEngine, UserAgent)
	}
	c.gate = newChallengeGate(c, escalator)
	return c, nil
}

// Open establishes the session: plants the session-token cookie, exchanges it
// for an access token (or harvests free-mode cookies), probes for duplex
// support and, when granted, starts the socket listener.
func (c *Client) Open(ctx context.Context) error {
	if c.opened {
		return nil
	}

	if c.sessionToken != "" {
		c.setBackendCookie(sessionCookieName, c.sessionToken)
	}

	if c.accessToken == "" {
		if c.freeMode {
			if err := c.fetchFreeModeCookies(ctx); err != nil {
				return err
			}
		} else {
			if c.sessionToken == "" {
				return ErrTokenNotProvided
			}
			token, err := c.fetchAuthToken(ctx)
			if err != nil {
				return err
			}
			c.accessToken = token
		}
	}

	if !c.opts.WebsocketMode {
		c.duplex = c.checkWebsocketAvailability(ctx)
	} else {
		c.duplex = true
	}

	if c.duplex {
		mux, err := newSocketMultiplexer(ctx, c)
		if err != nil {
			c.log.WithError(err).Warn("duplex registration failed, falling back to HTTP streaming")
			c.duplex = false
		} else {
			c.mux = mux
		}
	}

	c.opened = true
	return nil
}

// Close tears the session down: stops the duplex listener, joins it, and
// releases the captcha binary handle.
func (c *Client) Close() error {
	if c.mux != nil {
		c.mux.stop()
		c.mux = nil
	}
	c.arkose.close()
	c.opened = false
	return nil
}

// FreeMode reports whether the session runs without an account credential.
func (c *Client) FreeMode() bool { return c.freeMode }

// DuplexMode reports whether turns are delivered over the shared websocket.
func (c *Client) DuplexMode() bool { return c.duplex }

// AccessToken returns the current short-lived credential, empty in free mode.
func (c *Client) AccessToken() string { return c.accessToken }

// apiURL joins a path onto the backend API base, switching to the anonymous
// base in free mode.
func (c *Client) apiURL(path string) string {
	if c.freeMode {
		return c.anonBase + "/" + path
	}
	return c.apiBase + "/" + path
}

// buildRequestHeaders returns the header set attached to every API call.
func (c *Client) buildRequestHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", UserAgent)
	h.Set("Accept", "text/event-stream")
	h.Set("Content-Type", "application/json")
	h.Set("Origin", c.pageBase)
	h.Set("Referer", c.pageBase+"/")
	if c.accessToken != "" {
		h.Set("Authorization", "Bearer "+c.accessToken)
	}
	if c.deviceID != "" {
		h.Set("Oai-Device-Id", c.deviceID)
	}
	return h
}

// fetchAuthToken exchanges the long-lived session token for the short-lived
// access token.
func (c *Client) fetchAuthToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageBase+"/api/auth/session", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "*/*")
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: c.sessionToken})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: auth endpoint returned %d", ErrInvalidSessionToken, resp.StatusCode)
	}

	token := gjson.GetBytes(body, "accessToken").String()
	if token == "" {
		return "", unexpectedResponsef(string(body), "accessToken missing in auth response")
	}
	return token, nil
}

// fetchFreeModeCookies establishes the anonymous cookie set by loading the
// home page through the challenge gate and remembering the device id.
func (c *Client) fetchFreeModeCookies(ctx context.Context) error {
	resp, body, err := c.gate.getWithFallback(ctx, c.pageBase+"/")
	if err != nil {
		return err
	}
	_ = body
	for _, ck := range resp.Cookies() {
		if ck.Name == deviceCookieName {
			c.deviceID = ck.Value
		}
	}
	if c.deviceID == "" {
		if u, err := url.Parse(c.pageBase); err == nil {
			for _, ck := range c.jar.Cookies(u) {
				if ck.Name == deviceCookieName {
					c.deviceID = ck.Value
				}
			}
		}
	}
	return nil
}

// EnsureFresh inspects err for the token-expiry markers and, when present,
// refreshes the access token exactly once. The returned bool tells the caller
// to retry the single failed request; it never asks for more than one retry.
func (c *Client) EnsureFresh(ctx context.Context, err error) (bool, error) {
	if !hasExpiryMarker(err) {
		return false, nil
	}
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.freeMode || c.sessionToken == "" {
		return false, nil
	}
	token, refreshErr := c.fetchAuthToken(ctx)
	if refreshErr != nil {
		return false, refreshErr
	}
	c.accessToken = token
	c.log.Debug("access token refreshed after expiry marker")
	return true, nil
}

// hasExpiryMarker walks a (possibly nested) UnexpectedResponseError chain
// looking for the known expiry phrases in any level's server text.
func hasExpiryMarker(err error) bool {
	seen := 0
	for err != nil && seen < 8 {
		if ur, ok := err.(*UnexpectedResponseError); ok {
			if containsExpiryMarker(ur.ServerText) {
				return true
			}
			err = ur.Cause
			seen++
			continue
		}
		if containsExpiryMarker(err.Error()) {
			return true
		}
		break
	}
	return false
}

func containsExpiryMarker(text string) bool {
	lowered := strings.ToLower(text)
	for _, marker := range expiryMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// checkWebsocketAvailability probes the account-features endpoint for the
// shared websocket capability. Any failure means HTTP mode.
func (c *Client) checkWebsocketAvailability(ctx context.Context) bool {
	body, err := c.getJSON(ctx, c.apiURL(accountCheckPath))
	if err != nil {
		return false
	}
	ordering := gjson.GetBytes(body, "account_ordering")
	if !ordering.Exists() || len(ordering.Array()) == 0 {
		return false
	}
	accountID := ordering.Array()[0].String()
	features := gjson.GetBytes(body, "accounts."+escapeGJSONKey(accountID)+".features")
	for _, f := range features.Array() {
		if f.String() == "shared_websocket" {
			return true
		}
	}
	return false
}

// escapeGJSONKey protects dots inside account ids from being treated as path
// separators.
func escapeGJSONKey(key string) string {
	return strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`).Replace(key)
}

// chatRequirementsToken asks the sentinel endpoint for a per-turn
// requirements token. A missing token is not an error; the header is simply
// omitted.
func (c *Client) chatRequirementsToken(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("sentinel/chat-requirements"), strings.NewReader("{}"))
	if err != nil {
		return ""
	}
	copyHeaders(req, c.buildRequestHeaders())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return gjson.GetBytes(body, "token").String()
}

// getJSON performs an authenticated GET and returns the body on 2xx.
func (c *Client) getJSON(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	copyHeaders(req, c.buildRequestHeaders())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, unexpectedResponsef(string(body), "GET %s returned %d", rawURL, resp.StatusCode)
	}
	return body, nil
}

// postJSON performs an authenticated POST with a JSON body and returns the
// response body on 2xx.
func (c *Client) postJSON(ctx context.Context, rawURL string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	copyHeaders(req, c.buildRequestHeaders())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, unexpectedResponsef(string(body), "POST %s returned %d", rawURL, resp.StatusCode)
	}
	return body, nil
}

// setBackendCookie plants a cookie for the backend domain in the jar.
func (c *Client) setBackendCookie(name, value string) {
	u, err := url.Parse(c.pageBase)
	if err != nil {
		return
	}
	c.jar.SetCookies(u, []*http.Cookie{{
		Name:   name,
		Value:  value,
		Domain: backendDomain,
		Path:   "/",
		Secure: true,
	}})
}

// backendCookies snapshots the jar's cookies for the backend origin.
func (c *Client) backendCookies() []*http.Cookie {
	u, err := url.Parse(c.pageBase)
	if err != nil {
		return nil
	}
	return c.jar.Cookies(u)
}

// mergeCookies folds harvested cookies back into the jar, keeping only those
// scoped to the backend's domain.
func (c *Client) mergeCookies(cookies []*http.Cookie) {
	u, err := url.Parse(c.pageBase)
	if err != nil {
		return
	}
	kept := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		domain := strings.TrimPrefix(ck.Domain, ".")
		if domain == "" {
			domain = backendDomain
		}
		if !strings.HasSuffix(domain, backendDomain) {
			continue
		}
		copied := *ck
		copied.Domain = domain
		if copied.Path == "" {
			copied.Path = "/"
		}
		kept = append(kept, &copied)
	}
	if len(kept) > 0 {
		c.jar.SetCookies(u, kept)
	}
}

func copyHeaders(req *http.Request, h http.Header) {
	for key, values := range h {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
