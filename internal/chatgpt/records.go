package chatgpt

import (
	"encoding/json"
	"strings"
)

// dataPrefix marks the streaming lines that carry a JSON record; everything
// else on the wire (keep-alives, the [DONE] marker) is skipped.
const dataPrefix = "data: "

// assistantRole identifies the records that advance the conversation state
// machine.
const assistantRole = "assistant"

// finishMaxTokens is the finish reason signalling a truncated reply that must
// be continued with an action=continue request.
const finishMaxTokens = "max_tokens"

// conversationPayload is the request body for one chat request, either the
// initial "next" action or a follow-up "continue".
type conversationPayload struct {
	ConversationMode   conversationMode `json:"conversation_mode"`
	ConversationID     *string          `json:"conversation_id"`
	Action             string           `json:"action"`
	ArkoseToken        *string          `json:"arkose_token"`
	ForceParagen       bool             `json:"force_paragen"`
	HistoryDisabled    bool             `json:"history_and_training_disabled"`
	Messages           []turnMessage    `json:"messages,omitempty"`
	Model              string           `json:"model"`
	ParentMessageID    string           `json:"parent_message_id"`
	TimezoneOffsetMin  *int             `json:"timezone_offset_min,omitempty"`
	WebsocketRequestID *string          `json:"websocket_request_id,omitempty"`
}

type conversationMode struct {
	Inner conversationModeKind `json:"conversation_mode"`
}

type conversationModeKind struct {
	Kind string `json:"kind"`
}

func primaryAssistantMode() conversationMode {
	return conversationMode{Inner: conversationModeKind{Kind: "primary_assistant"}}
}

type turnMessage struct {
	Author   messageAuthor  `json:"author"`
	Content  messageContent `json:"content"`
	ID       string         `json:"id"`
	Metadata struct{}       `json:"metadata"`
}

type messageAuthor struct {
	Role string `json:"role"`
}

type messageContent struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts"`
}

// serverRecord is one JSON record from the streaming response. Unknown fields
// are ignored; missing required fields surface as empty values the state
// machine treats as non-advancing.
type serverRecord struct {
	ConversationID string        `json:"conversation_id"`
	Message        recordMessage `json:"message"`
}

type recordMessage struct {
	ID       string         `json:"id"`
	Author   messageAuthor  `json:"author"`
	Content  recordContent  `json:"content"`
	Metadata recordMetadata `json:"metadata"`
}

type recordContent struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts"`
}

type recordMetadata struct {
	FinishDetails finishDetails `json:"finish_details"`
	ModelSlug     string        `json:"model_slug"`
}

type finishDetails struct {
	Type string `json:"type"`
}

// text returns the assistant text accumulated so far in this record.
func (r *serverRecord) text() string {
	if len(r.Message.Content.Parts) == 0 {
		return ""
	}
	return r.Message.Content.Parts[0]
}

func (r *serverRecord) isAssistant() bool {
	return r.Message.Author.Role == assistantRole
}

// decodeRecord parses the payload following the data prefix. A nil record
// with nil error means the line was valid-but-uninteresting (e.g. the
// "[DONE]" marker or a non-object payload).
func decodeRecord(raw string) (*serverRecord, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "{") {
		return nil, nil
	}
	var rec serverRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// Interstitial records (moderation, metadata pings) occasionally
		// carry shapes we do not model; skip rather than abort the stream.
		return nil, nil
	}
	return &rec, nil
}

// socketFrame is the envelope of one inbound duplex-socket frame.
type socketFrame struct {
	Body               string `json:"body"`
	WebsocketRequestID string `json:"websocket_request_id"`
}

// Delta is one incremental piece of assistant output yielded to the caller.
type Delta struct {
	Content string
}
