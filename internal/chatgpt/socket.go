package chatgpt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// socketReadPoll is how often the listener wakes up to check the stop flag
// while waiting on the connection.
const socketReadPoll = time.Second

// socketMultiplexer owns the session's shared websocket: one listener
// goroutine reads frames and routes each to the chat request it belongs to,
// keyed by correlation id.
type socketMultiplexer struct {
	client *Client
	conn   *websocket.Conn

	mu       sync.Mutex
	channels map[string]chan streamChunk

	stopped atomic.Bool
	done    chan struct{}

	// dropped counts frames whose correlation id had no listener. Late
	// frames from finished requests land here; a steadily climbing count
	// means routing is broken.
	dropped atomic.Int64
}

// newSocketMultiplexer registers a websocket with the backend, dials it and
// starts the listener.
func newSocketMultiplexer(ctx context.Context, c *Client) (*socketMultiplexer, error) {
	body, err := c.postJSON(ctx, c.apiURL("register-websocket"), struct{}{})
	if err != nil {
		return nil, err
	}
	wssURL := gjson.GetBytes(body, "wss_url").String()
	if wssURL == "" {
		return nil, unexpectedResponsef(string(body), "wss_url missing in websocket registration response")
	}

	header := http.Header{}
	header.Set("User-Agent", UserAgent)
	header.Set("Origin", c.pageBase)
	if bearer := socketBearer(wssURL, c.accessToken); bearer != "" {
		header.Set("Authorization", "Bearer "+bearer)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		Jar:              c.jar,
	}
	conn, resp, err := dialer.DialContext(ctx, wssURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	m := &socketMultiplexer{
		client:   c,
		conn:     conn,
		channels: make(map[string]chan streamChunk),
		done:     make(chan struct{}),
	}
	go m.listen()
	return m, nil
}

// socketBearer extracts the credential embedded in the websocket URL's query
// string, falling back to the session's access token.
func socketBearer(wssURL, fallback string) string {
	u, err := url.Parse(wssURL)
	if err != nil {
		return fallback
	}
	if tok := u.Query().Get("access_token"); tok != "" {
		return tok
	}
	return fallback
}

// register creates the delivery channel for one chat request. The channel is
// closed by the listener once the terminal marker for that id arrives.
func (m *socketMultiplexer) register(requestID string) <-chan streamChunk {
	ch := make(chan streamChunk, 512)
	m.mu.Lock()
	m.channels[requestID] = ch
	m.mu.Unlock()
	return ch
}

func (m *socketMultiplexer) deregister(requestID string) (chan streamChunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[requestID]
	if ok {
		delete(m.channels, requestID)
	}
	return ch, ok
}

// stop asks the listener to shut down and waits for it to exit.
func (m *socketMultiplexer) stop() {
	m.stopped.Store(true)
	<-m.done
}

// droppedFrames reports how many frames arrived without a matching listener.
func (m *socketMultiplexer) droppedFrames() int64 {
	return m.dropped.Load()
}

// listen reads frames until stopped or the connection dies, waking up every
// read-poll interval to honor the stop flag.
func (m *socketMultiplexer) listen() {
	defer close(m.done)
	defer m.conn.Close()

	for {
		if m.stopped.Load() {
			m.failAll(nil)
			return
		}
		_ = m.conn.SetReadDeadline(time.Now().Add(socketReadPoll))
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !m.stopped.Load() {
				m.client.log.WithError(err).Warn("duplex socket read failed")
				m.failAll(err)
			} else {
				m.failAll(nil)
			}
			return
		}
		m.dispatch(data)
	}
}

// dispatch decodes one frame and routes its body to the registered request,
// closing the channel when the stream's terminal marker arrives.
func (m *socketMultiplexer) dispatch(data []byte) {
	var frame socketFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.client.log.WithError(err).Debug("unparseable duplex frame dropped")
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(frame.Body)
	if err != nil {
		m.client.log.WithError(err).Debug("undecodable duplex frame body dropped")
		return
	}
	text := string(decoded)

	m.mu.Lock()
	ch, ok := m.channels[frame.WebsocketRequestID]
	m.mu.Unlock()
	if !ok {
		m.dropped.Add(1)
		m.client.log.WithField("websocket_request_id", frame.WebsocketRequestID).
			Debug("duplex frame for unknown request dropped")
		return
	}

	select {
	case ch <- streamChunk{text: text}:
	default:
		m.dropped.Add(1)
		m.client.log.Warn("duplex delivery channel full, frame dropped")
	}

	if strings.Contains(text, "[DONE]") || strings.Contains(text, "[ERROR]") {
		if ch, ok := m.deregister(frame.WebsocketRequestID); ok {
			close(ch)
		}
	}
}

// failAll terminates every in-flight request, with an error when the socket
// died underneath them.
func (m *socketMultiplexer) failAll(err error) {
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[string]chan streamChunk)
	m.mu.Unlock()

	for _, ch := range channels {
		if err != nil {
			select {
			case ch <- streamChunk{err: err}:
			default:
			}
		}
		close(ch)
	}
}
