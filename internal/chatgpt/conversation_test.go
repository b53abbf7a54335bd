package chatgpt

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func streamResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	c, err := NewClient(Options{
		AccessToken: "test-token",
		Logger:      log,
		HTTPClient:  &http.Client{Transport: rt},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.opened = true
	return c
}

func assistantRecordLine(conversationID, messageID, text, finish string) string {
	rec := map[string]any{
		"conversation_id": conversationID,
		"message": map[string]any{
			"id":     messageID,
			"author": map[string]string{"role": "assistant"},
			"content": map[string]any{
				"content_type": "text",
				"parts":        []string{text},
			},
			"metadata": map[string]any{
				"finish_details": map[string]string{"type": finish},
				"model_slug":     "text-davinci-002-render-sha",
			},
		},
	}
	data, _ := json.Marshal(rec)
	return "data: " + string(data) + "\n\n"
}

func collectDeltas(t *testing.T, stream *ChatStream) (string, []string, error) {
	t.Helper()
	var deltas []string
	var full strings.Builder
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			return full.String(), deltas, nil
		}
		if err != nil {
			return full.String(), deltas, err
		}
		deltas = append(deltas, delta.Content)
		full.WriteString(delta.Content)
	}
}

func TestChatStreamsIncrementalDeltas(t *testing.T) {
	body := assistantRecordLine("conv-1", "msg-1", "Hi", "") +
		assistantRecordLine("conv-1", "msg-1", "Hi there", "stop") +
		"data: [DONE]\n\n"

	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/backend-api/sentinel/chat-requirements":
			return jsonResponse(200, `{"token":"sentinel-1"}`), nil
		case "/backend-api/conversation":
			if got := req.Header.Get(sentinelHeader); got != "sentinel-1" {
				t.Errorf("sentinel header = %q, want sentinel-1", got)
			}
			return streamResponse(body), nil
		default:
			t.Errorf("unexpected request to %s", req.URL.Path)
			return jsonResponse(404, `{}`), nil
		}
	})

	conv, err := client.NewConversation("gpt-3.5")
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	stream, err := conv.Chat(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	defer stream.Close()

	full, deltas, err := collectDeltas(t, stream)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(deltas) != 2 || deltas[0] != "Hi" || deltas[1] != " there" {
		t.Errorf("deltas = %q, want [Hi,  there]", deltas)
	}
	if full != "Hi there" {
		t.Errorf("assembled text = %q, want %q", full, "Hi there")
	}
	if conv.ID != "conv-1" {
		t.Errorf("conversation id = %q, want conv-1", conv.ID)
	}
	if conv.ParentID != "msg-1" {
		t.Errorf("parent id = %q, want msg-1", conv.ParentID)
	}
}

func TestChatContinuesTruncatedReply(t *testing.T) {
	var mu sync.Mutex
	var payloads []conversationPayload

	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/backend-api/sentinel/chat-requirements":
			return jsonResponse(200, `{"token":"s"}`), nil
		case "/backend-api/conversation":
			data, _ := io.ReadAll(req.Body)
			var payload conversationPayload
			if err := json.Unmarshal(data, &payload); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			mu.Lock()
			payloads = append(payloads, payload)
			n := len(payloads)
			mu.Unlock()

			if n == 1 {
				return streamResponse(
					assistantRecordLine("conv-9", "msg-1", "part one", "max_tokens") +
						"data: [DONE]\n\n"), nil
			}
			return streamResponse(
				assistantRecordLine("conv-9", "msg-2", "part one and two", "stop") +
					"data: [DONE]\n\n"), nil
		default:
			return jsonResponse(404, `{}`), nil
		}
	})

	conv, err := client.NewConversation("gpt-3.5")
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	stream, err := conv.Chat(context.Background(), "long story please")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	defer stream.Close()

	full, deltas, err := collectDeltas(t, stream)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if full != "part one and two" {
		t.Errorf("assembled text = %q", full)
	}
	if len(deltas) != 2 || deltas[0] != "part one" || deltas[1] != " and two" {
		t.Errorf("deltas = %q", deltas)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(payloads))
	}
	first, second := payloads[0], payloads[1]
	if first.Action != "next" || len(first.Messages) != 1 {
		t.Errorf("first payload: action=%q messages=%d", first.Action, len(first.Messages))
	}
	if second.Action != "continue" {
		t.Errorf("continuation action = %q, want continue", second.Action)
	}
	if second.Messages != nil {
		t.Errorf("continuation carried %d messages, want none", len(second.Messages))
	}
	if second.ParentMessageID != "msg-1" {
		t.Errorf("continuation parent = %q, want the truncated message id msg-1", second.ParentMessageID)
	}
	if second.ConversationID == nil || *second.ConversationID != "conv-9" {
		t.Errorf("continuation conversation id = %v, want conv-9", second.ConversationID)
	}
	if conv.ParentID != "msg-2" {
		t.Errorf("final parent id = %q, want msg-2", conv.ParentID)
	}
}

func TestChatFailsWithoutAssistantRecord(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/backend-api/sentinel/chat-requirements":
			return jsonResponse(200, `{}`), nil
		case "/backend-api/conversation":
			return streamResponse("data: {\"message\":{\"author\":{\"role\":\"system\"}}}\n\ndata: [DONE]\n\n"), nil
		default:
			return jsonResponse(404, `{}`), nil
		}
	})

	conv, _ := client.NewConversation("")
	stream, err := conv.Chat(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	defer stream.Close()

	_, _, err = collectDeltas(t, stream)
	if err == nil {
		t.Fatal("expected an error for a stream with no assistant records")
	}
	if _, ok := err.(*UnexpectedResponseError); !ok {
		t.Fatalf("error type = %T, want *UnexpectedResponseError", err)
	}
}

func TestChatRefreshesExpiredTokenOnce(t *testing.T) {
	var mu sync.Mutex
	conversationCalls := 0
	authCalls := 0

	rt := func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/backend-api/sentinel/chat-requirements":
			return jsonResponse(200, `{}`), nil
		case "/api/auth/session":
			mu.Lock()
			authCalls++
			mu.Unlock()
			return jsonResponse(200, `{"accessToken":"fresh-token"}`), nil
		case "/backend-api/conversation":
			mu.Lock()
			conversationCalls++
			n := conversationCalls
			mu.Unlock()
			if n == 1 {
				return jsonResponse(401, `{"detail":{"message":"token_expired"}}`), nil
			}
			if got := req.Header.Get("Authorization"); got != "Bearer fresh-token" {
				t.Errorf("retry Authorization = %q, want the refreshed token", got)
			}
			return streamResponse(assistantRecordLine("c", "m", "ok", "stop")), nil
		default:
			return jsonResponse(404, `{}`), nil
		}
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	client, err := NewClient(Options{
		SessionToken: "session-cookie",
		AccessToken:  "stale-token",
		Logger:       log,
		HTTPClient:   &http.Client{Transport: roundTripFunc(rt)},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.opened = true

	conv, _ := client.NewConversation("gpt-3.5")
	stream, err := conv.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	defer stream.Close()

	full, _, err := collectDeltas(t, stream)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if full != "ok" {
		t.Errorf("assembled text = %q, want ok", full)
	}
	if authCalls != 1 {
		t.Errorf("auth refresh calls = %d, want 1", authCalls)
	}
	if conversationCalls != 2 {
		t.Errorf("conversation calls = %d, want 2", conversationCalls)
	}
	if client.AccessToken() != "fresh-token" {
		t.Errorf("access token = %q, want fresh-token", client.AccessToken())
	}
}

func TestChatRejectsUnknownModel(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(404, `{}`), nil
	})
	if _, err := client.NewConversation("gpt-99"); err == nil {
		t.Fatal("expected InvalidModelNameError")
	} else if _, ok := err.(*InvalidModelNameError); !ok {
		t.Fatalf("error type = %T, want *InvalidModelNameError", err)
	}
}

func TestFetchChatHydratesConversation(t *testing.T) {
	chat := map[string]any{
		"title": "Trip planning",
		"mapping": map[string]any{
			"root": map[string]any{},
			"msg-user": map[string]any{
				"message": map[string]any{
					"author": map[string]string{"role": "user"},
				},
			},
			"msg-assistant": map[string]any{
				"message": map[string]any{
					"author":   map[string]string{"role": "assistant"},
					"metadata": map[string]string{"model_slug": "gpt-4"},
				},
			},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(chat); err != nil {
		t.Fatal(err)
	}

	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/backend-api/conversation/conv-7" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		return jsonResponse(200, buf.String()), nil
	})

	conv := client.GetConversation("conv-7")
	raw, err := conv.FetchChat(context.Background())
	if err != nil {
		t.Fatalf("FetchChat: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected raw chat payload")
	}
	if conv.ParentID == "" {
		t.Error("parent id not hydrated from mapping")
	}
	if conv.Model != "gpt-4" {
		t.Errorf("model = %q, want gpt-4 (reversed from slug)", conv.Model)
	}
	if conv.Title != "Trip planning" {
		t.Errorf("title = %q", conv.Title)
	}
}

func TestStreamSplitsRecordsAcrossChunks(t *testing.T) {
	// One record delivered in two chunks, split mid-JSON.
	line := assistantRecordLine("c", "m", "chunked", "stop")
	cut := len(line) / 2

	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/backend-api/sentinel/chat-requirements":
			return jsonResponse(200, `{}`), nil
		case "/backend-api/conversation":
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{},
				Body:       io.NopCloser(io.MultiReader(strings.NewReader(line[:cut]), strings.NewReader(line[cut:]))),
			}, nil
		default:
			return jsonResponse(404, `{}`), nil
		}
	})

	conv, _ := client.NewConversation("")
	stream, err := conv.Chat(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	defer stream.Close()

	full, _, err := collectDeltas(t, stream)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if full != "chunked" {
		t.Errorf("assembled text = %q, want chunked", full)
	}
}

func TestChatRejectsEmptyPrompt(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(404, `{}`), nil
	})
	conv, _ := client.NewConversation("")
	if _, err := conv.Chat(context.Background(), "   "); err == nil {
		t.Fatal("expected an error for a blank prompt")
	}
}
