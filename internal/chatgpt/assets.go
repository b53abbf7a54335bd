package chatgpt

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Asset pointer schemes the resolver recognizes. The backend emits both, with
// inconsistent id formatting between subsystems, hence the variant dance
// below.
const (
	primaryAssetScheme  = "file-service"
	sedimentAssetScheme = "sediment"
)

// downloadURLKeys are the field names, in preference order, under which the
// metadata endpoints have been observed to return the signed URL.
var downloadURLKeys = []string{"download_url", "url", "signed_url", "downloadUrl", "content_url"}

// backendContentURLPattern matches signed backend content URLs embedded in a
// rendered conversation page.
var backendContentURLPattern = regexp.MustCompile(`https://chatgpt\.com/backend-api/[^\s"'>]+`)

// AssetDownload is a fetched asset payload. ContentType is whatever the
// storage backend reported, empty when it reported nothing.
type AssetDownload struct {
	Content     []byte
	ContentType string
}

// assetResolution carries one resolve call's working state through the
// strategy cascade: the candidate pointer spellings and the diagnostics of
// every failed step.
type assetResolution struct {
	pointer        string
	conversationID string
	candidates     []string
	diags          []string
}

func (r *assetResolution) addDiag(format string, args ...any) {
	r.diags = append(r.diags, fmt.Sprintf(format, args...))
}

// ResolveAssetPointer converts a scheme-prefixed asset reference into a
// signed download URL. Strategies are tried in order and the first URL wins;
// when all of them fail the joined diagnostics explain what each one saw.
func (c *Client) ResolveAssetPointer(ctx context.Context, pointer, conversationID string) (string, error) {
	pointer = strings.TrimSpace(pointer)
	if pointer == "" {
		return "", fmt.Errorf("asset pointer must be provided")
	}
	if strings.HasPrefix(pointer, "http://") || strings.HasPrefix(pointer, "https://") {
		return pointer, nil
	}

	r := &assetResolution{
		pointer:        pointer,
		conversationID: conversationID,
		candidates:     assetPointerCandidates(pointer),
	}

	strategies := []func(context.Context, *assetResolution) string{
		c.resolveViaAssetAPI,
		c.resolveViaFilesAPI,
		c.resolveViaConversationPage,
	}
	for _, strategy := range strategies {
		if url := strategy(ctx, r); url != "" {
			return url, nil
		}
	}

	return "", unexpectedResponsef(strings.Join(r.diags, "; "),
		"asset pointer %s did not resolve to a download URL", pointer)
}

// DownloadAsset resolves a pointer and fetches its bytes. The signed URL is
// self-authorizing, so the fetch carries no session credential.
func (c *Client) DownloadAsset(ctx context.Context, pointer, conversationID string) (*AssetDownload, error) {
	downloadURL, err := c.ResolveAssetPointer(ctx, pointer, conversationID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedResponsef(string(body), "asset download for %s returned %d", pointer, resp.StatusCode)
	}
	return &AssetDownload{Content: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

// assetPointerCandidates expands a pointer into the ordered spellings worth
// trying: the literal pointer, its primary-scheme normalization, and the
// file_/file- prefix swap the sediment subsystem needs.
func assetPointerCandidates(pointer string) []string {
	var candidates []string
	add := func(value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		for _, existing := range candidates {
			if existing == value {
				return
			}
		}
		candidates = append(candidates, value)
	}

	add(pointer)

	scheme, remainder := "", pointer
	if idx := strings.Index(pointer, "://"); idx >= 0 {
		scheme = strings.ToLower(strings.TrimSpace(pointer[:idx]))
		remainder = strings.TrimSpace(pointer[idx+3:])
	}
	if remainder == "" {
		return candidates
	}

	switch scheme {
	case "", "file", "fileservice", primaryAssetScheme:
		add(primaryAssetScheme + "://" + remainder)
	case sedimentAssetScheme:
		add(primaryAssetScheme + "://" + remainder)
		if strings.HasPrefix(remainder, "file_") {
			add(primaryAssetScheme + "://" + strings.Replace(remainder, "file_", "file-", 1))
		}
	}
	return candidates
}

// assetFileIDs strips the scheme from a candidate and expands the bare id
// into its prefix variants.
func assetFileIDs(candidate string) []string {
	raw := candidate
	if idx := strings.Index(candidate, "://"); idx >= 0 {
		raw = candidate[idx+3:]
	}
	raw = strings.Trim(strings.TrimSpace(raw), "/")
	if raw == "" {
		return nil
	}

	var ids []string
	add := func(value string) {
		for _, existing := range ids {
			if existing == value {
				return
			}
		}
		ids = append(ids, value)
	}
	add(raw)
	if strings.HasPrefix(raw, "file_") {
		add(strings.Replace(raw, "file_", "file-", 1))
	}
	if strings.HasPrefix(raw, "file-") {
		add(strings.Replace(raw, "file-", "file_", 1))
	}
	return ids
}

// resolveViaAssetAPI posts each candidate pointer to the asset metadata
// endpoint.
func (c *Client) resolveViaAssetAPI(ctx context.Context, r *assetResolution) string {
	for _, candidate := range r.candidates {
		body, err := c.postJSON(ctx, c.apiURL("asset/get"), map[string]string{"asset_pointer": candidate})
		if err != nil {
			r.addDiag("%s -> %v", candidate, err)
			continue
		}
		if url := extractDownloadURL(body); url != "" {
			return url
		}
		r.addDiag("%s -> missing download URL", candidate)
	}
	return ""
}

// resolveViaFilesAPI tries the per-file download endpoint with every id
// variant of every candidate.
func (c *Client) resolveViaFilesAPI(ctx context.Context, r *assetResolution) string {
	for _, candidate := range r.candidates {
		for _, fileID := range assetFileIDs(candidate) {
			endpoint := c.apiURL("files/" + fileID + "/download")
			body, err := c.getJSON(ctx, endpoint)
			if err != nil {
				r.addDiag("%s -> %v", endpoint, err)
				continue
			}
			if url := extractDownloadURL(body); url != "" {
				return url
			}
			r.addDiag("%s -> missing download URL", endpoint)
		}
	}
	return ""
}

// resolveViaConversationPage scans the owning conversation's rendered page
// for a backend content URL carrying one of the candidate ids, forcing a
// headless render when the static HTML comes up empty.
func (c *Client) resolveViaConversationPage(ctx context.Context, r *assetResolution) string {
	if r.conversationID == "" {
		return ""
	}

	var identifiers []string
	for _, candidate := range r.candidates {
		for _, id := range assetFileIDs(candidate) {
			dup := false
			for _, existing := range identifiers {
				if existing == id {
					dup = true
					break
				}
			}
			if !dup {
				identifiers = append(identifiers, id)
			}
		}
	}
	if len(identifiers) == 0 {
		return ""
	}

	page, err := c.conversationPage(ctx, r.conversationID)
	if err != nil {
		r.addDiag("conversation page %s -> %v", r.conversationID, err)
		return ""
	}
	if url := scanForContentURL(page, identifiers); url != "" {
		return url
	}

	rendered, err := c.gate.render(ctx, c.pageBase+"/c/"+r.conversationID)
	if err != nil {
		r.addDiag("rendered conversation page %s -> %v", r.conversationID, err)
		return ""
	}
	c.cacheConversationPage(r.conversationID, rendered)
	return scanForContentURL(rendered, identifiers)
}

// scanForContentURL finds the first backend content URL in html that embeds
// one of the identifiers.
func scanForContentURL(page string, identifiers []string) string {
	decoded := html.UnescapeString(page)
	for _, match := range backendContentURLPattern.FindAllString(decoded, -1) {
		for _, id := range identifiers {
			if strings.Contains(match, id) {
				return match
			}
		}
	}
	return ""
}

func extractDownloadURL(body []byte) string {
	for _, key := range downloadURLKeys {
		if url := gjson.GetBytes(body, key).String(); url != "" {
			return url
		}
	}
	return ""
}

// conversationPage returns the conversation's page HTML, fetching through the
// challenge gate on first use and caching per process afterwards.
func (c *Client) conversationPage(ctx context.Context, conversationID string) (string, error) {
	c.pageCacheMu.Lock()
	cached, ok := c.pageCache[conversationID]
	c.pageCacheMu.Unlock()
	if ok {
		return cached, nil
	}

	page, err := c.FetchConversationPage(ctx, conversationID)
	if err != nil {
		return "", err
	}
	c.cacheConversationPage(conversationID, page)
	return page, nil
}

func (c *Client) cacheConversationPage(conversationID, page string) {
	c.pageCacheMu.Lock()
	c.pageCache[conversationID] = page
	c.pageCacheMu.Unlock()
}

// FetchConversationPage retrieves the frontend page for a conversation,
// escalating through the challenge gate if the edge blocks it.
func (c *Client) FetchConversationPage(ctx context.Context, conversationID string) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("conversation id must be provided")
	}
	_, body, err := c.gate.getWithFallback(ctx, c.pageBase+"/c/"+conversationID)
	if err != nil {
		return "", err
	}
	return body, nil
}

// FetchShareHTML returns the rendered page HTML for this conversation.
func (conv *Conversation) FetchShareHTML(ctx context.Context) (string, error) {
	if conv.ID == "" {
		return "", fmt.Errorf("conversation has no id yet")
	}
	return conv.client.FetchConversationPage(ctx, conv.ID)
}
