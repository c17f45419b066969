package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voxprep/voxprep/pkg/relay/apierror"
	"github.com/voxprep/voxprep/pkg/relay/card"
	"github.com/voxprep/voxprep/pkg/relay/mw"
	"github.com/voxprep/voxprep/pkg/relay/session"
	"github.com/voxprep/voxprep/pkg/relay/sse"
	"github.com/voxprep/voxprep/pkg/relay/upstream"
)

// ConnectFunc dials the upstream realtime service. Overridable in tests.
type ConnectFunc func(ctx context.Context, cfg upstream.Config) (*upstream.Conn, error)

// StreamHandler serves GET /api/practice/{sessionID}/stream. Attaching the
// stream lazily establishes the session's upstream socket, flushes queued
// audio, and relays server frames as SSE events until the client goes away
// or the socket dies.
type StreamHandler struct {
	Registry     *session.Registry
	Logger       *slog.Logger
	Upstream     upstream.Config
	PingInterval time.Duration

	// Connect defaults to upstream.Connect.
	Connect ConnectFunc
}

type connectedEvent struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

type audioEvent struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type transcriptionEvent struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

type cardEvent struct {
	Type string    `json:"type"`
	Card card.Card `json:"card"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pingEvent struct {
	Type string `json:"type"`
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	sess := h.Registry.Get(sessionID)
	if sess == nil {
		apierror.WriteJSON(w, reqID, apierror.NewNotFoundError("unknown session"))
		return
	}

	sw, err := sse.New(w)
	if err != nil {
		apierror.WriteJSON(w, reqID, apierror.NewAPIError("streaming unsupported"))
		return
	}

	logger := h.Logger.With("request_id", reqID, "session_id", sessionID)

	sess.Activate()
	defer sess.Deactivate()

	conn, err := h.ensureConn(r.Context(), sess)
	if err != nil {
		logger.Error("upstream connect failed", "error", err)
		_ = sw.Send("error", errorEvent{Type: "error", Message: "failed to reach speech service"})
		return
	}

	// The stream just attached, so it displaces any stale subscriber left by
	// a previous attachment of the same session.
	events := conn.Subscribe()
	defer conn.Unsubscribe(events)

	if err := sw.Send("connected", connectedEvent{Type: "connected", Model: conn.Model()}); err != nil {
		logger.Debug("client went away before connected event", "error", err)
		return
	}

	if sent, err := sess.DrainQueue(conn); err != nil {
		logger.Warn("queued audio flush failed", "sent", sent, "error", err)
	} else if sent > 0 {
		logger.Info("flushed queued audio", "chunks", sent)
	}

	pingInterval := h.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Info("client disconnected")
			return

		case <-ticker.C:
			if err := sw.Send("ping", pingEvent{Type: "ping"}); err != nil {
				logger.Debug("ping write failed", "error", err)
				return
			}

		case msg, ok := <-events:
			if !ok {
				if err := conn.Err(); err != nil {
					logger.Warn("upstream connection lost", "error", err)
					_ = sw.Send("error", errorEvent{Type: "error", Message: "speech service connection lost"})
				}
				return
			}
			if done := h.relayMessage(sw, logger, sess, conn, msg); done {
				return
			}
		}
	}
}

// ensureConn returns the session's live socket, dialing one if none is
// attached or the previous one has died. The session serializes dialing, so
// concurrent attaches end up sharing a single socket.
func (h *StreamHandler) ensureConn(ctx context.Context, sess *session.Session) (*upstream.Conn, error) {
	connect := h.Connect
	if connect == nil {
		connect = upstream.Connect
	}

	return sess.EnsureConn(ctx, func(ctx context.Context) (*upstream.Conn, error) {
		cfg := h.Upstream
		cfg.SystemInstruction = buildSystemInstruction(sess.Script, sess.Cards)
		return connect(ctx, cfg)
	})
}

// relayMessage translates one upstream frame into SSE events. It returns true
// when the stream should end.
func (h *StreamHandler) relayMessage(sw *sse.Writer, logger *slog.Logger, sess *session.Session, conn *upstream.Conn, msg upstream.ServerMessage) bool {
	switch {
	case msg.ServerContent != nil:
		sc := msg.ServerContent
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil {
					ev := audioEvent{Type: "audio", Data: part.InlineData.Data, MimeType: part.InlineData.MimeType}
					if err := sw.Send("audio", ev); err != nil {
						logger.Debug("audio write failed", "error", err)
						return true
					}
				}
				if part.Text != "" {
					cards, dropped := sess.Extractor().Feed(part.Text)
					if dropped {
						logger.Warn("abandoned oversized card payload")
					}
					for _, c := range cards {
						if err := sw.Send("knowledgeCard", cardEvent{Type: "knowledgeCard", Card: c}); err != nil {
							logger.Debug("card write failed", "error", err)
							return true
						}
					}
				}
			}
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			ev := transcriptionEvent{Type: "transcription", Source: "input", Text: sc.InputTranscription.Text}
			if err := sw.Send("transcription", ev); err != nil {
				return true
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			ev := transcriptionEvent{Type: "transcription", Source: "output", Text: sc.OutputTranscription.Text}
			if err := sw.Send("transcription", ev); err != nil {
				return true
			}
		}
		return false

	case msg.ToolCall != nil:
		var downstreamDead bool
		for _, call := range msg.ToolCall.FunctionCalls {
			if call.Name != upstream.CardToolName {
				logger.Warn("dropping unknown tool call", "name", call.Name)
				continue
			}
			content, _ := call.Args["content"].(string)
			category, _ := call.Args["category"].(string)
			c := card.FromNote(content, card.ParseCategory(category))

			// The model's turn stalls until the call is answered, so every
			// ack goes upstream even when the downstream channel is dead.
			if err := conn.SendToolResponse(call.ID, call.Name, map[string]any{"success": true}); err != nil {
				logger.Warn("tool response failed", "error", err)
				return true
			}
			if downstreamDead {
				continue
			}
			if err := sw.Send("knowledgeCard", cardEvent{Type: "knowledgeCard", Card: c}); err != nil {
				logger.Debug("card write failed", "error", err)
				downstreamDead = true
			}
		}
		return downstreamDead

	case msg.GoAway != nil:
		logger.Info("upstream going away", "time_left", msg.GoAway.TimeLeft)
		_ = sw.Send("error", errorEvent{Type: "error", Message: "speech service is closing the connection"})
		return true
	}

	return false
}

// buildSystemInstruction renders the persona prompt the model speaks from:
// the user's script, their prepared cards, and the rules for emitting new
// cards inline.
func buildSystemInstruction(script string, cards []card.Card) string {
	var b strings.Builder
	b.WriteString("You are a patient study partner helping the user rehearse material out loud. ")
	b.WriteString("Quiz them on the script below, correct mistakes gently, and keep answers short and spoken-friendly.\n\n")
	b.WriteString("Script:\n")
	b.WriteString(script)

	if len(cards) > 0 {
		b.WriteString("\n\nPrepared study cards:\n")
		for _, c := range cards {
			fmt.Fprintf(&b, "- %s: %s\n", c.Title, c.Content)
		}
	}

	b.WriteString("\n\nWhen a fact, formula, definition, or summary worth keeping comes up, emit it as a card: ")
	b.WriteString("write " + card.StartMarker + ", then a JSON object with fields title, content, and tags (an array of strings), then " + card.EndMarker + ". ")
	b.WriteString("Do not read the markers or the JSON aloud.")
	return b.String()
}
