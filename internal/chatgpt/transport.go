package chatgpt

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// streamChunk is one piece of raw streamed response text. A non-nil err is
// terminal; the channel is closed after the stream ends either way.
type streamChunk struct {
	text string
	err  error
}

// streamTransport delivers one chat request and streams its raw response
// text. HTTP and duplex modes are interchangeable behind this interface.
type streamTransport interface {
	send(ctx context.Context, payload *conversationPayload, sentinelToken string) (<-chan streamChunk, error)
}

// httpTransport POSTs the request and pumps the chunked response body into a
// channel from a short-lived goroutine, so the caller can consume the stream
// pull-style.
type httpTransport struct {
	client *Client
}

func (t *httpTransport) send(ctx context.Context, payload *conversationPayload, sentinelToken string) (<-chan streamChunk, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.client.apiURL("conversation"), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	copyHeaders(req, t.client.buildRequestHeaders())
	if sentinelToken != "" {
		req.Header.Set(sentinelHeader, sentinelToken)
	}

	resp, err := t.client.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, unexpectedResponsef(string(body), "conversation endpoint returned %d", resp.StatusCode)
	}

	out := make(chan streamChunk, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		buf := make([]byte, 8192)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				out <- streamChunk{text: string(buf[:n])}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				out <- streamChunk{err: err}
				return
			}
		}
	}()
	return out, nil
}

// duplexTransport POSTs the request without streaming the HTTP body; the
// reply arrives as frames on the session's shared websocket, matched by the
// correlation id the POST response returns.
type duplexTransport struct {
	client *Client
	mux    *socketMultiplexer
}

func (t *duplexTransport) send(ctx context.Context, payload *conversationPayload, sentinelToken string) (<-chan streamChunk, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.client.apiURL("conversation"), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	copyHeaders(req, t.client.buildRequestHeaders())
	if sentinelToken != "" {
		req.Header.Set(sentinelHeader, sentinelToken)
	}

	resp, err := t.client.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedResponsef(string(body), "conversation endpoint returned %d", resp.StatusCode)
	}

	requestID := gjson.GetBytes(body, "websocket_request_id").String()
	if requestID == "" {
		return nil, unexpectedResponsef(string(body), "websocket_request_id missing in conversation response")
	}

	// Register before consuming so frames racing the registration are not
	// lost on our side of the map.
	return t.mux.register(requestID), nil
}
