package chatgpt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// defaultConversationPageSize matches the page size the web frontend uses.
const defaultConversationPageSize = 28

// ConversationSummary is one row of the account's conversation listing.
type ConversationSummary struct {
	ID          string
	Title       string
	LastUpdated string
}

// DeleteConversation hides a conversation. The backend models deletion as a
// visibility flip, not a destructive remove.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id must be provided")
	}
	_, err := c.patchJSON(ctx, c.apiURL("conversation/"+conversationID), map[string]bool{"is_visible": false})
	return err
}

// Delete removes the thread and resets the local identifiers so the next turn
// starts fresh.
func (conv *Conversation) Delete(ctx context.Context) error {
	if conv.ID == "" {
		return nil
	}
	if err := conv.client.DeleteConversation(ctx, conv.ID); err != nil {
		return err
	}
	conv.ID = ""
	conv.ParentID = ""
	return nil
}

// SetCustomInstructions updates the account's system-message preferences.
func (c *Client) SetCustomInstructions(ctx context.Context, aboutUser, aboutModel string, enableForNewChats bool) error {
	payload := map[string]any{
		"about_user_message":  aboutUser,
		"about_model_message": aboutModel,
		"enabled":             enableForNewChats,
	}
	_, err := c.postJSON(ctx, c.apiURL("user_system_messages"), payload)
	return err
}

// ListConversationsPage retrieves one page of the account's conversations,
// most recently updated first.
func (c *Client) ListConversationsPage(ctx context.Context, offset, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = defaultConversationPageSize
	}
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))
	query.Set("order", "updated")

	body, err := c.getJSON(ctx, c.apiURL("conversations")+"?"+query.Encode())
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// ListAllConversations pages through the whole listing and returns the
// summaries.
func (c *Client) ListAllConversations(ctx context.Context, limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = defaultConversationPageSize
	}

	var all []ConversationSummary
	for offset := 0; ; offset += limit {
		page, err := c.ListConversationsPage(ctx, offset, limit)
		if err != nil {
			return nil, err
		}
		items := gjson.GetBytes(page, "items").Array()
		for _, item := range items {
			all = append(all, ConversationSummary{
				ID:          item.Get("id").String(),
				Title:       item.Get("title").String(),
				LastUpdated: item.Get("update_time").String(),
			})
		}
		if len(items) < limit {
			return all, nil
		}
	}
}

// patchJSON performs an authenticated PATCH with a JSON body and returns the
// response body on 2xx.
func (c *Client) patchJSON(ctx context.Context, rawURL string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, rawURL, strings.NewReader(string(data)))
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
		return nil, unexpectedResponsef(string(body), "PATCH %s returned %d", rawURL, resp.StatusCode)
	}
	return body, nil
}
