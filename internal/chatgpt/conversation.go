package chatgpt

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Conversation is one chat thread. The zero ID means the backend will mint a
// new thread on the first turn; ID and ParentID advance as replies stream in.
type Conversation struct {
	client *Client

	ID       string
	ParentID string
	Model    string
	Title    string
}

// NewConversation starts an empty thread on the given model. An empty model
// picks the session default.
func (c *Client) NewConversation(model string) (*Conversation, error) {
	if model == "" {
		model = c.opts.Model
	}
	if model == "" {
		model = DefaultModel
	}
	if _, err := lookupModel(model); err != nil {
		return nil, err
	}
	return &Conversation{client: c, Model: model}, nil
}

// GetConversation wraps an existing thread by id. Parent pointer and model are
// hydrated from the backend on the first turn.
func (c *Client) GetConversation(id string) *Conversation {
	return &Conversation{client: c, ID: id}
}

// chatEvent is one item on a stream's internal channel: a delta or a terminal
// error, never both.
type chatEvent struct {
	delta Delta
	err   error
}

// ChatStream delivers one turn's assistant output incrementally. Recv returns
// io.EOF once the reply (including any automatic continuations) is complete.
type ChatStream struct {
	events chan chatEvent
	cancel context.CancelFunc
	once   sync.Once
}

// Recv blocks for the next delta. It returns io.EOF when the turn is done and
// the terminal error if the turn failed; errors are never interleaved with
// later deltas.
func (s *ChatStream) Recv() (Delta, error) {
	ev, ok := <-s.events
	if !ok {
		return Delta{}, io.EOF
	}
	if ev.err != nil {
		return Delta{}, ev.err
	}
	return ev.delta, nil
}

// Close abandons the turn. Safe to call at any point and more than once.
func (s *ChatStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		go func() {
			for range s.events {
			}
		}()
	})
	return nil
}

// Chat sends one user prompt and returns the reply stream. Truncated replies
// are continued transparently; the stream only ends once the backend reports
// a natural stop or a continuation fails.
func (conv *Conversation) Chat(ctx context.Context, prompt string) (*ChatStream, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, unexpectedResponsef("", "empty prompt")
	}
	if err := conv.hydrate(ctx); err != nil {
		return nil, err
	}
	if _, err := lookupModel(conv.Model); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &ChatStream{events: make(chan chatEvent, 16), cancel: cancel}
	go conv.run(ctx, prompt, s.events)
	return s, nil
}

// hydrate fills in the parent pointer and model for threads adopted by id.
func (conv *Conversation) hydrate(ctx context.Context) error {
	if conv.Model == "" {
		conv.Model = conv.client.opts.Model
	}
	if conv.ID != "" && conv.ParentID == "" {
		if _, err := conv.FetchChat(ctx); err != nil {
			return err
		}
	}
	if conv.Model == "" {
		conv.Model = DefaultModel
	}
	return nil
}

// run drives the request/continuation loop. Thread identifiers are only
// advanced after a request has been fully drained, so an abandoned stream
// never leaves the conversation pointing at a half-delivered reply.
func (conv *Conversation) run(ctx context.Context, prompt string, out chan<- chatEvent) {
	defer close(out)

	payload, err := conv.nextPayload(ctx, prompt)
	if err != nil {
		out <- chatEvent{err: err}
		return
	}

	prevText := ""
	retried := false
	for {
		last, err := conv.streamRequest(ctx, payload, &prevText, out, &retried)
		if err != nil {
			out <- chatEvent{err: err}
			return
		}

		if last.ConversationID != "" {
			conv.ID = last.ConversationID
		}
		conv.ParentID = last.Message.ID
		if slug := last.Message.Metadata.ModelSlug; slug != "" {
			conv.Model = modelNameForSlug(slug)
		}

		if last.Message.Metadata.FinishDetails.Type != finishMaxTokens {
			return
		}
		conv.client.log.WithField("conversation_id", conv.ID).
			Debug("reply truncated at token limit, continuing")
		payload, err = conv.continuePayload(ctx)
		if err != nil {
			out <- chatEvent{err: err}
			return
		}
	}
}

// streamRequest sends one request and yields its deltas, returning the last
// assistant record. A token-expiry failure triggers a single refresh-and-retry
// for the whole turn.
func (conv *Conversation) streamRequest(ctx context.Context, payload *conversationPayload, prevText *string, out chan<- chatEvent, retried *bool) (*serverRecord, error) {
	c := conv.client

	if c.duplex && c.mux != nil {
		id := uuid.NewString()
		payload.WebsocketRequestID = &id
	}

	sentinel := c.chatRequirementsToken(ctx)
	transport := c.streamer()
	chunks, err := transport.send(ctx, payload, sentinel)
	if err != nil && !*retried {
		if ok, refreshErr := c.EnsureFresh(ctx, err); refreshErr == nil && ok {
			*retried = true
			sentinel = c.chatRequirementsToken(ctx)
			chunks, err = transport.send(ctx, payload, sentinel)
		}
	}
	if err != nil {
		return nil, err
	}

	var serverText strings.Builder
	var last *serverRecord

	handleLine := func(line string) {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, dataPrefix) {
			return
		}
		rec, _ := decodeRecord(strings.TrimPrefix(line, dataPrefix))
		if rec == nil || !rec.isAssistant() {
			return
		}
		text := rec.text()
		if len(text) >= len(*prevText) {
			if delta := text[len(*prevText):]; delta != "" {
				out <- chatEvent{delta: Delta{Content: delta}}
			}
			*prevText = text
		}
		recCopy := *rec
		last = &recCopy
	}

	var pending string
	var streamErr error
	for chunk := range chunks {
		if chunk.err != nil {
			// Keep draining so the transport goroutine can exit.
			streamErr = chunk.err
			continue
		}
		serverText.WriteString(chunk.text)
		pending += chunk.text
		for {
			idx := strings.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			handleLine(pending[:idx])
			pending = pending[idx+1:]
		}
	}
	if streamErr != nil {
		return nil, unexpectedResponse(streamErr, serverText.String())
	}
	handleLine(pending)

	if last == nil {
		return nil, unexpectedResponsef(serverText.String(), "no assistant message in response stream")
	}
	return last, nil
}

// nextPayload builds the action=next request for a fresh user prompt.
func (conv *Conversation) nextPayload(ctx context.Context, prompt string) (*conversationPayload, error) {
	model, err := lookupModel(conv.Model)
	if err != nil {
		return nil, err
	}

	arkose, err := conv.arkoseFor(ctx, model)
	if err != nil {
		return nil, err
	}

	parent := conv.ParentID
	if parent == "" {
		parent = uuid.NewString()
	}
	var conversationID *string
	if conv.ID != "" {
		id := conv.ID
		conversationID = &id
	}

	return &conversationPayload{
		ConversationMode: primaryAssistantMode(),
		ConversationID:   conversationID,
		Action:           "next",
		ArkoseToken:      arkose,
		Messages: []turnMessage{{
			Author:  messageAuthor{Role: "user"},
			Content: messageContent{ContentType: "text", Parts: []string{prompt}},
			ID:      uuid.NewString(),
		}},
		Model:           model.Slug,
		ParentMessageID: parent,
	}, nil
}

// continuePayload builds the action=continue follow-up for a truncated reply.
// It carries no messages; the parent pointer names the truncated record.
func (conv *Conversation) continuePayload(ctx context.Context) (*conversationPayload, error) {
	c := conv.client
	model, err := lookupModel(conv.Model)
	if err != nil {
		return nil, err
	}

	arkose, err := conv.arkoseFor(ctx, model)
	if err != nil {
		return nil, err
	}

	id := conv.ID
	tz := c.opts.TimezoneOffsetMin
	return &conversationPayload{
		ConversationMode:  primaryAssistantMode(),
		ConversationID:    &id,
		Action:            "continue",
		ArkoseToken:       arkose,
		Model:             model.Slug,
		ParentMessageID:   conv.ParentID,
		TimezoneOffsetMin: &tz,
	}, nil
}

// arkoseFor returns the evasion token pointer for a request: nil (serialized
// as JSON null) when the model does not require one and arkose is not forced.
func (conv *Conversation) arkoseFor(ctx context.Context, model Model) (*string, error) {
	c := conv.client
	if !model.NeedsArkose && !c.opts.ForceArkose {
		return nil, nil
	}
	tok, err := c.arkose.token(ctx)
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// streamer picks the transport for the session's mode.
func (c *Client) streamer() streamTransport {
	if c.duplex && c.mux != nil {
		return &duplexTransport{client: c, mux: c.mux}
	}
	return &httpTransport{client: c}
}

// FetchChat retrieves the full thread payload from the backend and updates
// the conversation's parent pointer, model and title from it.
func (conv *Conversation) FetchChat(ctx context.Context) (json.RawMessage, error) {
	if conv.ID == "" {
		return json.RawMessage("{}"), nil
	}
	body, err := conv.client.getJSON(ctx, conv.client.apiURL("conversation/"+conv.ID))
	if err != nil {
		return nil, err
	}

	var lastKey string
	var slug string
	gjson.GetBytes(body, "mapping").ForEach(func(key, value gjson.Result) bool {
		lastKey = key.String()
		if value.Get("message.author.role").String() == assistantRole {
			if s := value.Get("message.metadata.model_slug").String(); s != "" {
				slug = s
			}
		}
		return true
	})
	if lastKey != "" {
		conv.ParentID = lastKey
	}
	if slug == "" {
		slug = gjson.GetBytes(body, "default_model_slug").String()
	}
	if slug != "" {
		conv.Model = modelNameForSlug(slug)
	}
	if title := gjson.GetBytes(body, "title").String(); title != "" {
		conv.Title = title
	}
	return json.RawMessage(body), nil
}
