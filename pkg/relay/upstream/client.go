package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing frames rather than blocking the read
// loop.
const subscriberBuffer = 256

// Dialer dials one websocket attempt. Overridable in tests.
type Dialer func(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)

// Config describes one connection attempt sequence.
type Config struct {
	URL               string
	APIKey            string
	Models            []string // ordered candidates, primary first
	Voice             string
	SystemInstruction string
	DeclareCardTool   bool
	ConnectTimeout    time.Duration

	Dialer Dialer
	Logger *slog.Logger
}

// CardToolName is the function the model may call to emit a structured note
// instead of embedding it in spoken text.
const CardToolName = "print_knowledge_note"

func cardTool() Tool {
	return Tool{FunctionDeclarations: []FunctionDeclaration{{
		Name:        CardToolName,
		Description: "Record a short study note worth keeping. Use for formulas, definitions, key facts, or summaries that come up while practicing.",
		Parameters: &Schema{
			Type: "object",
			Properties: map[string]*Schema{
				"content": {
					Type:        "string",
					Description: "The note text, one or two sentences.",
				},
				"category": {
					Type: "string",
					Enum: []string{"formula", "definition", "fact", "summary"},
				},
			},
			Required: []string{"content", "category"},
		},
	}}}
}

// Connect tries each model candidate in order over a fresh socket until one
// completes the setup handshake. Every failure, model-related or not, moves on
// to the next candidate; the accumulated error is returned only once the list
// is exhausted.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("upstream: no model candidates configured")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := cfg.Dialer
	if dial == nil {
		dial = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
			d := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
			return d.DialContext(ctx, url, header)
		}
	}

	url := cfg.URL
	if cfg.APIKey != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "key=" + cfg.APIKey
	}

	var errs []error
	for _, model := range cfg.Models {
		conn, err := connectOne(ctx, dial, url, model, cfg)
		if err == nil {
			logger.Info("upstream connected", "model", model)
			return conn, nil
		}
		if isModelRejection(err) {
			logger.Warn("model rejected by upstream, trying next candidate", "model", model, "error", err)
		} else {
			logger.Warn("upstream connect failed, trying next candidate", "model", model, "error", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", model, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("upstream: all model candidates failed: %v", errs)
}

func connectOne(ctx context.Context, dial Dialer, url, model string, cfg Config) (*Conn, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, resp, err := dial(dialCtx, url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	setup := SetupMessage{Setup: Setup{
		Model: "models/" + model,
		GenerationConfig: GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &SpeechConfig{VoiceConfig: VoiceConfig{
				PrebuiltVoiceConfig: PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			}},
		},
	}}
	if cfg.SystemInstruction != "" {
		setup.Setup.SystemInstruction = &Content{Parts: []Part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.DeclareCardTool {
		setup.Setup.Tools = []Tool{cardTool()}
	}

	if err := ws.WriteJSON(setup); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}

	// The handshake is done when the server acknowledges setup. Anything else
	// first, or silence past the deadline, fails this candidate.
	ws.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return nil, fmt.Errorf("await setup ack: %w", err)
		}
		var msg ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.SetupComplete != nil {
			break
		}
	}
	ws.SetReadDeadline(time.Time{})

	c := &Conn{
		ws:     ws,
		model:  model,
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	go c.readLoop()
	return c, nil
}

// isModelRejection reports whether a connect failure looks like the upstream
// refusing the model name itself, as opposed to a transient fault. Both kinds
// advance the fallback search; they differ only in how they are logged.
func isModelRejection(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseProtocolError,
			websocket.CloseUnsupportedData,
			websocket.CloseInvalidFramePayloadData,
			websocket.ClosePolicyViolation:
			return true
		}
		return strings.Contains(strings.ToLower(ce.Text), "model")
	}
	return false
}

// Conn is one live upstream socket. At most one subscriber receives server
// frames at a time: Subscribe swaps in a fresh channel and closes the
// previous one, so a newly attached consumer structurally displaces any stale
// reader instead of racing it.
type Conn struct {
	ws     *websocket.Conn
	model  string
	logger *slog.Logger

	writeMu sync.Mutex

	subMu sync.Mutex
	sub   chan ServerMessage

	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Model returns the candidate that completed setup.
func (c *Conn) Model() string { return c.model }

// Subscribe returns a fresh receive channel and closes any previous one. The
// channel is closed when the connection dies or a later subscriber displaces
// it.
func (c *Conn) Subscribe() <-chan ServerMessage {
	ch := make(chan ServerMessage, subscriberBuffer)
	c.subMu.Lock()
	old := c.sub
	c.sub = ch
	c.subMu.Unlock()
	if old != nil {
		close(old)
	}
	select {
	case <-c.done:
		// Connection already dead; hand back a closed channel.
		c.subMu.Lock()
		if c.sub == ch {
			c.sub = nil
		}
		c.subMu.Unlock()
		close(ch)
	default:
	}
	return ch
}

// Unsubscribe closes ch if it is still the active subscriber. A channel
// already displaced by a later Subscribe is left alone.
func (c *Conn) Unsubscribe(ch <-chan ServerMessage) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.sub != nil && ch == (<-chan ServerMessage)(c.sub) {
		close(c.sub)
		c.sub = nil
	}
}

func (c *Conn) readLoop() {
	defer func() {
		c.closeOnce.Do(func() { close(c.done) })
		c.ws.Close()
		c.subMu.Lock()
		if c.sub != nil {
			close(c.sub)
			c.sub = nil
		}
		c.subMu.Unlock()
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			return
		}
		var msg ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("dropping unparseable upstream frame", "model", c.model, "error", err)
			continue
		}

		c.subMu.Lock()
		sub := c.sub
		if sub != nil {
			select {
			case sub <- msg:
			default:
				c.logger.Warn("subscriber lagging, dropping upstream frame", "model", c.model)
			}
		}
		c.subMu.Unlock()
	}
}

// SendAudioChunk forwards one base64 audio payload upstream.
func (c *Conn) SendAudioChunk(mimeType, data string) error {
	msg := RealtimeInputMessage{RealtimeInput: RealtimeInput{
		MediaChunks: []MediaChunk{{MimeType: mimeType, Data: data}},
	}}
	return c.writeJSON(msg)
}

// SendToolResponse acknowledges a function call by id so the model's turn can
// proceed.
func (c *Conn) SendToolResponse(id, name string, response map[string]any) error {
	msg := ToolResponseMessage{ToolResponse: ToolResponse{
		FunctionResponses: []FunctionResponse{{ID: id, Name: name, Response: response}},
	}}
	return c.writeJSON(msg)
}

func (c *Conn) writeJSON(v any) error {
	select {
	case <-c.done:
		return fmt.Errorf("upstream: connection closed")
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Close tears the socket down. Safe to call more than once and concurrently
// with the read loop.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.ws.Close()
}

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the read-loop error, if any, after Done is closed.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}
