// Package browser drives a real browser engine through go-rod for the two
// jobs a plain HTTP client cannot do: clearing interactive edge-network
// challenges and rendering pages whose links are injected client-side.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// DefaultEngine is used when no engine is configured explicitly.
const DefaultEngine = "chrome"

// engineBins maps supported engines to the binary names probed on PATH.
var engineBins = map[string][]string{
	"chrome":   {"google-chrome", "google-chrome-stable", "chrome"},
	"chromium": {"chromium", "chromium-browser"},
	"edge":     {"microsoft-edge", "msedge"},
}

const (
	navigationTimeout = 60 * time.Second
	solvePollInterval = 2 * time.Second
	solveTimeout      = 3 * time.Minute
)

// Solver launches one browser per call; nothing is kept running between
// escalations.
type Solver struct {
	engine    string
	userAgent string
}

// NewSolver returns a solver for the given engine name. The engine is
// validated lazily at launch so a misconfigured name surfaces as a
// descriptive error instead of a construction failure.
func NewSolver(engine, userAgent string) *Solver {
	if engine == "" {
		engine = DefaultEngine
	}
	return &Solver{engine: engine, userAgent: userAgent}
}

func (s *Solver) findBinary() (string, error) {
	names, ok := engineBins[s.engine]
	if !ok {
		return "", fmt.Errorf("unsupported browser engine %q (supported: chrome, chromium, edge)", s.engine)
	}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if s.engine == "chrome" {
		if path, found := launcher.LookPath(); found {
			return path, nil
		}
	}
	return "", fmt.Errorf("no %s binary installed; install it or set a different browser engine", s.engine)
}

// open launches the engine and connects a rod browser to it.
func (s *Solver) open(ctx context.Context, headless bool) (*rod.Browser, func(), error) {
	bin, err := s.findBinary()
	if err != nil {
		return nil, nil, err
	}

	l := launcher.New().Bin(bin).Headless(headless).Leakless(true)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("launch %s: %w", s.engine, err)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, nil, fmt.Errorf("connect to %s: %w", s.engine, err)
	}

	cleanup := func() {
		_ = b.Close()
		l.Cleanup()
	}
	return b, cleanup, nil
}

// seedCookies plants the session's current cookies before navigation so the
// challenge is solved against the same identity the HTTP client presents.
func seedCookies(b *rod.Browser, cookies []*http.Cookie, fallbackDomain string) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, ck := range cookies {
		domain := ck.Domain
		if domain == "" {
			domain = fallbackDomain
		}
		params = append(params, &proto.NetworkCookieParam{
			Name:   ck.Name,
			Value:  ck.Value,
			Domain: domain,
			Path:   "/",
			Secure: true,
		})
	}
	return b.SetCookies(params)
}

// harvestCookies converts the browser's cookie set back to net/http cookies.
func harvestCookies(b *rod.Browser) ([]*http.Cookie, error) {
	raw, err := b.GetCookies()
	if err != nil {
		return nil, err
	}
	out := make([]*http.Cookie, 0, len(raw))
	for _, ck := range raw {
		out = append(out, &http.Cookie{
			Name:   ck.Name,
			Value:  ck.Value,
			Domain: ck.Domain,
			Path:   ck.Path,
			Secure: ck.Secure,
		})
	}
	return out, nil
}

func (s *Solver) newPage(b *rod.Browser, rawURL string) (*rod.Page, error) {
	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	if s.userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.userAgent}); err != nil {
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}
	if err := page.Timeout(navigationTimeout).Navigate(rawURL); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return page, nil
}

// Solve opens a visible browser on rawURL seeded with cookies and blocks
// until stillBlocked reports the page content no longer looks like a
// challenge (the human, or the browser itself, clears it). It returns the
// harvested cookie set.
func (s *Solver) Solve(ctx context.Context, rawURL string, cookies []*http.Cookie, fallbackDomain string, stillBlocked func(html string) bool) ([]*http.Cookie, error) {
	b, cleanup, err := s.open(ctx, false)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := seedCookies(b, cookies, fallbackDomain); err != nil {
		return nil, fmt.Errorf("seed cookies: %w", err)
	}

	page, err := s.newPage(b, rawURL)
	if err != nil {
		return nil, err
	}
	_ = page.Timeout(navigationTimeout).WaitLoad()

	deadline := time.Now().Add(solveTimeout)
	for {
		html, err := page.HTML()
		if err == nil && !stillBlocked(html) {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("challenge on %s was not cleared within %s", rawURL, solveTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(solvePollInterval):
		}
	}

	return harvestCookies(b)
}

// Render loads rawURL headless, waits for the page to settle and returns the
// final DOM plus the harvested cookies.
func (s *Solver) Render(ctx context.Context, rawURL string, cookies []*http.Cookie, fallbackDomain string) (string, []*http.Cookie, error) {
	b, cleanup, err := s.open(ctx, true)
	if err != nil {
		return "", nil, err
	}
	defer cleanup()

	if err := seedCookies(b, cookies, fallbackDomain); err != nil {
		return "", nil, fmt.Errorf("seed cookies: %w", err)
	}

	page, err := s.newPage(b, rawURL)
	if err != nil {
		return "", nil, err
	}
	if err := page.Timeout(navigationTimeout).WaitLoad(); err != nil {
		return "", nil, fmt.Errorf("wait for %s: %w", rawURL, err)
	}
	// Client-side injected links need a beat after load.
	_ = page.WaitIdle(10 * time.Second)

	html, err := page.HTML()
	if err != nil {
		return "", nil, fmt.Errorf("read page html: %w", err)
	}

	harvested, err := harvestCookies(b)
	if err != nil {
		return "", nil, err
	}
	return html, harvested, nil
}
