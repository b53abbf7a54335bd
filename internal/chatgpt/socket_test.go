package chatgpt

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
)

func newTestMux(t *testing.T) *socketMultiplexer {
	t.Helper()
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(404, `{}`), nil
	})
	return &socketMultiplexer{
		client:   client,
		channels: make(map[string]chan streamChunk),
		done:     make(chan struct{}),
	}
}

func frameBytes(t *testing.T, requestID, text string) []byte {
	t.Helper()
	data, err := json.Marshal(socketFrame{
		Body:               base64.StdEncoding.EncodeToString([]byte(text)),
		WebsocketRequestID: requestID,
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestDispatchRoutesFramesByCorrelationID(t *testing.T) {
	m := newTestMux(t)
	ch := m.register("req-1")

	m.dispatch(frameBytes(t, "req-1", "data: {\"x\":1}\n"))

	select {
	case chunk := <-ch:
		if chunk.text != "data: {\"x\":1}\n" {
			t.Errorf("chunk text = %q", chunk.text)
		}
	default:
		t.Fatal("frame not delivered")
	}
}

func TestDispatchDropsUnknownCorrelationID(t *testing.T) {
	m := newTestMux(t)
	m.register("req-1")

	// Must not panic, must count.
	m.dispatch(frameBytes(t, "req-unknown", "data: stray\n"))

	if got := m.droppedFrames(); got != 1 {
		t.Errorf("droppedFrames = %d, want 1", got)
	}
}

func TestDispatchClosesChannelOnTerminalMarker(t *testing.T) {
	m := newTestMux(t)
	ch := m.register("req-1")

	m.dispatch(frameBytes(t, "req-1", "data: [DONE]\n"))

	// The terminal chunk is delivered, then the channel closes.
	chunk, ok := <-ch
	if !ok {
		t.Fatal("terminal chunk not delivered before close")
	}
	if chunk.text != "data: [DONE]\n" {
		t.Errorf("chunk text = %q", chunk.text)
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after terminal marker")
	}

	// Deregistered: a late frame for the same id is dropped.
	m.dispatch(frameBytes(t, "req-1", "data: late\n"))
	if got := m.droppedFrames(); got != 1 {
		t.Errorf("droppedFrames = %d, want 1", got)
	}
}

func TestDispatchIgnoresMalformedFrames(t *testing.T) {
	m := newTestMux(t)
	m.register("req-1")

	m.dispatch([]byte("not json"))
	m.dispatch([]byte(`{"body":"%%%not-base64%%%","websocket_request_id":"req-1"}`))

	if got := m.droppedFrames(); got != 0 {
		t.Errorf("malformed frames should not count as routing drops, got %d", got)
	}
}

func TestFailAllClosesEveryChannel(t *testing.T) {
	m := newTestMux(t)
	ch1 := m.register("a")
	ch2 := m.register("b")

	m.failAll(nil)

	for _, ch := range []<-chan streamChunk{ch1, ch2} {
		if _, ok := <-ch; ok {
			t.Error("channel left open after failAll")
		}
	}
	if len(m.channels) != 0 {
		t.Errorf("correlation map not emptied, %d entries left", len(m.channels))
	}
}

func TestSocketBearerPrefersURLCredential(t *testing.T) {
	got := socketBearer("wss://ws.example/connect?access_token=url-token", "fallback")
	if got != "url-token" {
		t.Errorf("bearer = %q, want url-token", got)
	}
	got = socketBearer("wss://ws.example/connect", "fallback")
	if got != "fallback" {
		t.Errorf("bearer = %q, want fallback", got)
	}
}
