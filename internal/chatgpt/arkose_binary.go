//go:build unix

package chatgpt

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ebitengine/purego"
	"github.com/tidwall/gjson"
)

// arkoseManifestURL lists releases of the prebuilt captcha binaries; the
// release body carries "<OS>=<md5>" lines used to detect stale local copies.
const arkoseManifestURL = "https://api.github.com/repos/Zai-Kun/reverse-engineered-chatgpt/releases"

// arkoseBinary wraps the loaded shared library and its token entry point.
// It is safe to call from the owning session's goroutine only.
type arkoseBinary struct {
	handle uintptr
	fn     func() string
	path   string
}

// getToken calls into the shared library. The library is third-party native
// code, so a crash surfaces as a recovered error instead of taking the
// process down.
func (b *arkoseBinary) getToken() (tok string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("captcha library call panicked: %v", r)
		}
	}()
	tok = b.fn()
	if tok == "" {
		err = fmt.Errorf("captcha library returned an empty token")
	}
	return tok, err
}

func (b *arkoseBinary) close() {
	if b.handle != 0 {
		_ = purego.Dlclose(b.handle)
		b.handle = 0
	}
}

func arkoseBinaryName() (file string, manifestKey string, ok bool) {
	switch runtime.GOOS {
	case "linux":
		return "linux_arkose.so", "Linux", true
	default:
		return "", "", false
	}
}

// ensureArkoseBinary downloads (or refreshes) the platform binary into dir
// and loads it. Errors here only disable the native tier.
func ensureArkoseBinary(ctx context.Context, client *Client, dir string) (*arkoseBinary, error) {
	file, manifestKey, ok := arkoseBinaryName()
	if !ok {
		return nil, fmt.Errorf("no captcha binary published for %s", runtime.GOOS)
	}
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(cache, "regpt", "funcaptcha_bin")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, file)

	manifest, manifestErr := fetchArkoseManifest(ctx, client)

	if _, statErr := os.Stat(path); statErr == nil {
		// Local copy exists; refresh only when the manifest disagrees.
		if manifestErr == nil {
			local, err := fileMD5(path)
			if err == nil && manifest.hashes[manifestKey] != "" && !strings.EqualFold(local, manifest.hashes[manifestKey]) {
				if err := downloadArkoseBinary(ctx, client, manifest.assetURL(file), path); err != nil {
					client.log.WithError(err).Debug("captcha binary refresh failed, keeping local copy")
				}
			}
		}
	} else {
		if manifestErr != nil {
			return nil, manifestErr
		}
		url := manifest.assetURL(file)
		if url == "" {
			return nil, fmt.Errorf("captcha manifest has no asset named %s", file)
		}
		if err := downloadArkoseBinary(ctx, client, url, path); err != nil {
			return nil, err
		}
	}

	return loadArkoseBinary(path)
}

func loadArkoseBinary(path string) (*arkoseBinary, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	bin := &arkoseBinary{handle: handle, path: path}
	purego.RegisterLibFunc(&bin.fn, handle, "GetToken")
	return bin, nil
}

type arkoseManifest struct {
	hashes map[string]string // manifest key -> expected md5
	assets map[string]string // asset file name -> download url
}

func (m *arkoseManifest) assetURL(file string) string {
	if m == nil {
		return ""
	}
	return m.assets[file]
}

func fetchArkoseManifest(ctx context.Context, client *Client) (*arkoseManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, arkoseManifestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("captcha manifest fetch returned %d", resp.StatusCode)
	}

	manifest := &arkoseManifest{hashes: map[string]string{}, assets: map[string]string{}}
	for _, release := range gjson.ParseBytes(body).Array() {
		if !strings.HasPrefix(release.Get("tag_name").String(), "funcaptcha_bin") {
			continue
		}
		for _, line := range strings.Split(release.Get("body").String(), "\n") {
			key, value, found := strings.Cut(strings.TrimSpace(line), "=")
			if found && key != "" {
				manifest.hashes[key] = strings.TrimSpace(value)
			}
		}
		for _, asset := range release.Get("assets").Array() {
			manifest.assets[asset.Get("name").String()] = asset.Get("browser_download_url").String()
		}
		return manifest, nil
	}
	return nil, fmt.Errorf("no funcaptcha_bin release in manifest")
}

func downloadArkoseBinary(ctx context.Context, client *Client, url, path string) error {
	if url == "" {
		return fmt.Errorf("empty captcha binary url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := client.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("captcha binary download returned %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".arkose-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
