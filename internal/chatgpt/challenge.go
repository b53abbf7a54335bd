package chatgpt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
)

// challengeMarkers are the body fingerprints of an interactive edge-network
// challenge page. Matching is case-insensitive.
var challengeMarkers = []string{"just a moment", "__cf_chl_", "cloudflare"}

// mitigatedHeader is set by the edge when a request was intercepted.
const mitigatedHeader = "cf-mitigated"

// errEscalationDisabled distinguishes config problems from genuine blocks.
var errEscalationDisabled = errors.New("interactive challenge encountered, but browser escalation is disabled (configure a browser engine to enable it)")

// browserEscalator is the browser-automation capability the gate needs:
// clear a challenge interactively, or render a page headless. Implemented by
// the rod-backed solver; tests substitute fakes.
type browserEscalator interface {
	Solve(ctx context.Context, rawURL string, cookies []*http.Cookie, fallbackDomain string, stillBlocked func(html string) bool) ([]*http.Cookie, error)
	Render(ctx context.Context, rawURL string, cookies []*http.Cookie, fallbackDomain string) (string, []*http.Cookie, error)
}

// challengeGate performs page-style fetches and escalates to a browser when
// the edge network blocks them.
type challengeGate struct {
	client    *Client
	escalator browserEscalator
}

func newChallengeGate(client *Client, escalator browserEscalator) *challengeGate {
	return &challengeGate{client: client, escalator: escalator}
}

// looksLikeChallenge reports whether a response is an interactive challenge:
// a blocking status or mitigation header combined with a challenge-page body.
func looksLikeChallenge(resp *http.Response, body string) bool {
	if resp == nil {
		return false
	}
	blocked := resp.StatusCode == http.StatusForbidden ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.Header.Get(mitigatedHeader) != ""
	if !blocked {
		return false
	}
	lowered := strings.ToLower(body)
	for _, marker := range challengeMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// pageHeaders mimics a top-level browser navigation; page-style fetches are
// scored differently from API calls by the edge.
func (g *challengeGate) pageHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Cache-Control", "no-cache")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	return h
}

func (g *challengeGate) fetch(ctx context.Context, rawURL string) (*http.Response, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	copyHeaders(req, g.pageHeaders())

	resp, err := g.client.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return resp, string(body), nil
}

// escalate launches the configured browser on rawURL, blocks until the
// challenge clears, and merges the harvested backend-domain cookies into the
// session jar.
func (g *challengeGate) escalate(ctx context.Context, rawURL string) error {
	if g.escalator == nil {
		return errEscalationDisabled
	}
	g.client.log.WithField("url", rawURL).Warn("edge challenge encountered, escalating to browser")

	cookies, err := g.escalator.Solve(ctx, rawURL, g.client.backendCookies(), backendDomain, func(html string) bool {
		lowered := strings.ToLower(html)
		for _, marker := range challengeMarkers {
			if strings.Contains(lowered, marker) {
				return true
			}
		}
		return false
	})
	if err != nil {
		return err
	}
	g.client.mergeCookies(cookies)
	return nil
}

// getWithFallback fetches a page, escalating to the browser exactly once if
// the edge challenges the request. A challenge surviving the retry is fatal.
func (g *challengeGate) getWithFallback(ctx context.Context, rawURL string) (*http.Response, string, error) {
	resp, body, err := g.fetch(ctx, rawURL)
	if err != nil {
		return nil, "", err
	}

	if looksLikeChallenge(resp, body) {
		if err := g.escalate(ctx, rawURL); err != nil {
			return nil, "", unexpectedResponse(err, body)
		}
		resp, body, err = g.fetch(ctx, rawURL)
		if err != nil {
			return nil, "", err
		}
	}

	if looksLikeChallenge(resp, body) {
		return nil, "", unexpectedResponsef(body, "edge network still blocking %s after browser escalation", rawURL)
	}
	return resp, body, nil
}

// render loads rawURL in a headless browser and returns the settled DOM,
// merging any harvested cookies. Used when the static HTML lacks links that
// are injected client-side.
func (g *challengeGate) render(ctx context.Context, rawURL string) (string, error) {
	if g.escalator == nil {
		return "", errEscalationDisabled
	}
	html, cookies, err := g.escalator.Render(ctx, rawURL, g.client.backendCookies(), backendDomain)
	if err != nil {
		return "", err
	}
	g.client.mergeCookies(cookies)
	return html, nil
}
