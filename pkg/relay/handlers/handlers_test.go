package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/voxprep/voxprep/pkg/relay/card"
	"github.com/voxprep/voxprep/pkg/relay/session"
	"github.com/voxprep/voxprep/pkg/relay/sse"
	"github.com/voxprep/voxprep/pkg/relay/upstream"
)

func testRegistry(t *testing.T) *session.Registry {
	t.Helper()
	r := session.NewRegistry(slog.Default(), 5*time.Minute, time.Minute, 0)
	t.Cleanup(r.Close)
	return r
}

func postAction(t *testing.T, h *ActionHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/practice", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInitCreatesSession(t *testing.T) {
	reg := testRegistry(t)
	h := &ActionHandler{Registry: reg, Logger: slog.Default()}

	rec := postAction(t, h, `{"action":"init","script":"photosynthesis notes","knowledgeCards":[{"title":"T","content":"C","tags":["fact"]}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success   bool   `json:"success"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if !resp.Success || resp.SessionID == "" {
		t.Fatalf("resp=%+v", resp)
	}

	sess := reg.Get(resp.SessionID)
	if sess == nil {
		t.Fatalf("session not registered")
	}
	if sess.Script != "photosynthesis notes" || len(sess.Cards) != 1 {
		t.Fatalf("session state: script=%q cards=%d", sess.Script, len(sess.Cards))
	}
}

func TestInitRequiresScript(t *testing.T) {
	h := &ActionHandler{Registry: testRegistry(t), Logger: slog.Default()}
	rec := postAction(t, h, `{"action":"init"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "script") {
		t.Fatalf("error should name the missing param: %s", rec.Body.String())
	}
}

func TestInitHonorsClientSessionID(t *testing.T) {
	reg := testRegistry(t)
	h := &ActionHandler{Registry: reg, Logger: slog.Default()}

	rec := postAction(t, h, `{"action":"init","sessionId":"mine","script":"s"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if reg.Get("mine") == nil {
		t.Fatalf("client-chosen id not used")
	}

	// Re-init with the same id silently replaces the session.
	rec = postAction(t, h, `{"action":"init","sessionId":"mine","script":"other"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("re-init status=%d, want 200", rec.Code)
	}
	if got := reg.Get("mine").Script; got != "other" {
		t.Fatalf("script=%q after re-init, want other", got)
	}
}

func TestSendUnknownSession(t *testing.T) {
	h := &ActionHandler{Registry: testRegistry(t), Logger: slog.Default()}
	rec := postAction(t, h, `{"action":"send","sessionId":"ghost","audioData":"QUJD"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestSendRequiresAudioData(t *testing.T) {
	reg := testRegistry(t)
	reg.Create("s1", "script", nil)
	h := &ActionHandler{Registry: reg, Logger: slog.Default()}
	rec := postAction(t, h, `{"action":"send","sessionId":"s1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestSendQueuesBeforeStream(t *testing.T) {
	reg := testRegistry(t)
	reg.Create("s1", "script", nil)
	h := &ActionHandler{Registry: reg, Logger: slog.Default()}

	rec := postAction(t, h, `{"action":"send","sessionId":"s1","audioData":"QUJD"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var resp struct {
		Success bool `json:"success"`
		Queued  bool `json:"queued"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if !resp.Success || !resp.Queued {
		t.Fatalf("resp=%+v, want success and queued", resp)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	reg := testRegistry(t)
	reg.Create("s1", "script", nil)
	h := &ActionHandler{Registry: reg, Logger: slog.Default()}

	for i := 0; i < 2; i++ {
		rec := postAction(t, h, `{"action":"disconnect","sessionId":"s1"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("round %d: status=%d, want 200", i, rec.Code)
		}
	}
	if reg.Get("s1") != nil {
		t.Fatalf("session still present after disconnect")
	}
}

func TestUnknownAction(t *testing.T) {
	h := &ActionHandler{Registry: testRegistry(t), Logger: slog.Default()}
	rec := postAction(t, h, `{"action":"dance"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	h := &ActionHandler{Registry: testRegistry(t), Logger: slog.Default()}
	rec := postAction(t, h, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestStreamUnknownSession(t *testing.T) {
	h := &StreamHandler{Registry: testRegistry(t), Logger: slog.Default()}
	r := chi.NewRouter()
	r.Get("/api/practice/{sessionID}/stream", h.ServeHTTP)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/practice/ghost/stream", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type sseEvent struct {
	Name string
	Data string
}

// readSSE collects events until the response body ends.
func readSSE(t *testing.T, body *bufio.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			return events
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.Name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
}

// TestStreamEndToEnd exercises the whole attach path: queued audio is flushed
// to a fake realtime endpoint, whose frames come back out as SSE events.
func TestStreamEndToEnd(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if _, _, err := ws.ReadMessage(); err != nil { // setup
			return
		}
		ws.WriteJSON(map[string]any{"setupComplete": map[string]any{}})

		// Wait for the queued audio chunk to be flushed.
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var in upstream.RealtimeInputMessage
		if err := json.Unmarshal(raw, &in); err != nil || len(in.RealtimeInput.MediaChunks) != 1 {
			t.Errorf("unexpected first frame: %s", raw)
			return
		}

		ws.WriteJSON(upstream.ServerMessage{ServerContent: &upstream.ServerContent{
			ModelTurn: &upstream.Content{Parts: []upstream.Part{
				{InlineData: &upstream.InlineData{MimeType: "audio/pcm;rate=24000", Data: "UENN"}},
				{Text: "[CARD_START]{\"title\":\"T\",\"content\":\"C\",\"tags\":[\"fact\"]}[CARD_END]"},
			}},
		}})
		ws.WriteJSON(upstream.ServerMessage{ServerContent: &upstream.ServerContent{
			OutputTranscription: &upstream.Transcription{Text: "hello there"},
		}})

		// Wait for the SSE side to have a chance to relay, then end the
		// conversation.
		time.Sleep(200 * time.Millisecond)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}))
	defer upstreamSrv.Close()

	reg := testRegistry(t)
	sess := reg.Create("s1", "the script", []card.Card{{Title: "P", Content: "prep", Tags: []string{"fact"}}})
	if queued, err := sess.SendOrQueueAudio("QUJD"); err != nil || !queued {
		t.Fatalf("seed audio: queued=%v err=%v", queued, err)
	}

	h := &StreamHandler{
		Registry: reg,
		Logger:   slog.Default(),
		Upstream: upstream.Config{
			URL:            "ws" + strings.TrimPrefix(upstreamSrv.URL, "http"),
			Models:         []string{"test-model"},
			Voice:          "Puck",
			ConnectTimeout: 5 * time.Second,
		},
		PingInterval: time.Minute,
	}
	r := chi.NewRouter()
	r.Get("/api/practice/{sessionID}/stream", h.ServeHTTP)
	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/practice/s1/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type=%q, want text/event-stream", ct)
	}

	events := readSSE(t, bufio.NewReader(resp.Body))
	if len(events) == 0 {
		t.Fatalf("no SSE events received")
	}
	if events[0].Name != "connected" {
		t.Fatalf("first event=%q, want connected", events[0].Name)
	}
	if !strings.Contains(events[0].Data, "test-model") {
		t.Fatalf("connected event missing model: %s", events[0].Data)
	}

	byName := map[string][]string{}
	for _, ev := range events {
		byName[ev.Name] = append(byName[ev.Name], ev.Data)
	}
	if got := byName["audio"]; len(got) != 1 || !strings.Contains(got[0], "UENN") {
		t.Fatalf("audio events=%v", got)
	}
	if got := byName["knowledgeCard"]; len(got) != 1 || !strings.Contains(got[0], "\"title\":\"T\"") {
		t.Fatalf("knowledgeCard events=%v", got)
	}
	if got := byName["transcription"]; len(got) != 1 || !strings.Contains(got[0], "hello there") {
		t.Fatalf("transcription events=%v", got)
	}
}

// TestStreamToolCall checks that a function call becomes a card event and is
// acknowledged upstream.
func TestStreamToolCall(t *testing.T) {
	gotAck := make(chan upstream.ToolResponseMessage, 1)
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		ws.WriteJSON(map[string]any{"setupComplete": map[string]any{}})

		// Give the stream goroutine time to subscribe before emitting frames.
		time.Sleep(100 * time.Millisecond)

		ws.WriteJSON(upstream.ServerMessage{ToolCall: &upstream.ToolCall{
			FunctionCalls: []upstream.FunctionCall{{
				ID:   "call-7",
				Name: upstream.CardToolName,
				Args: map[string]any{"content": "mitochondria make ATP", "category": "fact"},
			}},
		}})

		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var ack upstream.ToolResponseMessage
		if err := json.Unmarshal(raw, &ack); err == nil {
			gotAck <- ack
		}
		time.Sleep(100 * time.Millisecond)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}))
	defer upstreamSrv.Close()

	reg := testRegistry(t)
	reg.Create("s1", "the script", nil)

	h := &StreamHandler{
		Registry: reg,
		Logger:   slog.Default(),
		Upstream: upstream.Config{
			URL:            "ws" + strings.TrimPrefix(upstreamSrv.URL, "http"),
			Models:         []string{"test-model"},
			Voice:          "Puck",
			ConnectTimeout: 5 * time.Second,
		},
		PingInterval: time.Minute,
	}
	r := chi.NewRouter()
	r.Get("/api/practice/{sessionID}/stream", h.ServeHTTP)
	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/practice/s1/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	events := readSSE(t, bufio.NewReader(resp.Body))
	var cardData string
	for _, ev := range events {
		if ev.Name == "knowledgeCard" {
			cardData = ev.Data
		}
	}
	if !strings.Contains(cardData, "mitochondria make ATP") {
		t.Fatalf("card event=%q", cardData)
	}
	if !strings.Contains(cardData, "noted during live practice") {
		t.Fatalf("card missing live annotation: %q", cardData)
	}

	select {
	case ack := <-gotAck:
		fr := ack.ToolResponse.FunctionResponses
		if len(fr) != 1 || fr[0].ID != "call-7" {
			t.Fatalf("ack=%+v", fr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tool response never reached upstream")
	}
}

// TestConcurrentAttachSharesOneSocket checks that two streams attaching to
// the same session result in a single upstream dial.
func TestConcurrentAttachSharesOneSocket(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		ws.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer upstreamSrv.Close()

	reg := testRegistry(t)
	sess := reg.Create("s1", "the script", nil)

	var dials int32
	h := &StreamHandler{
		Registry: reg,
		Logger:   slog.Default(),
		Connect: func(ctx context.Context, cfg upstream.Config) (*upstream.Conn, error) {
			atomic.AddInt32(&dials, 1)
			time.Sleep(50 * time.Millisecond)
			cfg.URL = "ws" + strings.TrimPrefix(upstreamSrv.URL, "http")
			cfg.Models = []string{"test-model"}
			cfg.ConnectTimeout = 5 * time.Second
			return upstream.Connect(ctx, cfg)
		},
	}

	conns := make(chan *upstream.Conn, 2)
	for i := 0; i < 2; i++ {
		go func() {
			conn, err := h.ensureConn(context.Background(), sess)
			if err != nil {
				t.Errorf("ensureConn: %v", err)
			}
			conns <- conn
		}()
	}

	first := <-conns
	second := <-conns
	if first == nil || first != second {
		t.Fatalf("concurrent attaches got different sockets")
	}
	defer first.Close()
	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Fatalf("dials=%d, want 1", n)
	}
}

// deadStream satisfies the SSE writer but fails every write, standing in for
// a client that vanished mid-stream.
type deadStream struct {
	header http.Header
}

func (d *deadStream) Header() http.Header { return d.header }

func (d *deadStream) Write([]byte) (int, error) { return 0, errors.New("client gone") }

func (d *deadStream) WriteHeader(statusCode int) {}

func (d *deadStream) Flush() {}

// TestToolCallAckedWhenDownstreamDead checks that the upstream tool call is
// answered even when the card can no longer be delivered to the client.
func TestToolCallAckedWhenDownstreamDead(t *testing.T) {
	gotAck := make(chan upstream.ToolResponseMessage, 1)
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		ws.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var ack upstream.ToolResponseMessage
		if err := json.Unmarshal(raw, &ack); err == nil {
			gotAck <- ack
		}
	}))
	defer upstreamSrv.Close()

	reg := testRegistry(t)
	sess := reg.Create("s1", "the script", nil)

	conn, err := upstream.Connect(context.Background(), upstream.Config{
		URL:            "ws" + strings.TrimPrefix(upstreamSrv.URL, "http"),
		Models:         []string{"test-model"},
		Voice:          "Puck",
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	sw, err := sse.New(&deadStream{header: http.Header{}})
	if err != nil {
		t.Fatalf("sse.New: %v", err)
	}

	h := &StreamHandler{Registry: reg, Logger: slog.Default()}
	done := h.relayMessage(sw, slog.Default(), sess, conn, upstream.ServerMessage{
		ToolCall: &upstream.ToolCall{FunctionCalls: []upstream.FunctionCall{{
			ID:   "call-9",
			Name: upstream.CardToolName,
			Args: map[string]any{"content": "note", "category": "fact"},
		}}},
	})
	if !done {
		t.Fatalf("relay should end after a dead downstream write")
	}

	select {
	case ack := <-gotAck:
		fr := ack.ToolResponse.FunctionResponses
		if len(fr) != 1 || fr[0].ID != "call-9" {
			t.Fatalf("ack=%+v", fr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tool call left unanswered after downstream death")
	}
}

func TestBuildSystemInstruction(t *testing.T) {
	got := buildSystemInstruction("my script", []card.Card{{Title: "T", Content: "C"}})
	if !strings.Contains(got, "my script") {
		t.Fatalf("script missing from instruction")
	}
	if !strings.Contains(got, "- T: C") {
		t.Fatalf("prepared card missing from instruction")
	}
	if !strings.Contains(got, card.StartMarker) || !strings.Contains(got, card.EndMarker) {
		t.Fatalf("card marker rules missing from instruction")
	}
}
