package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxprep/voxprep/pkg/relay/card"
	"github.com/voxprep/voxprep/pkg/relay/upstream"
)

// InputMimeType is the encoding clients POST and the upstream expects for
// realtime speech input.
const InputMimeType = "audio/pcm;rate=16000"

// AudioChunk is one queued base64 audio payload awaiting an upstream socket.
type AudioChunk struct {
	Data       string
	EnqueuedAt time.Time
}

// Session holds the server-side state for one practice conversation: the
// script and cards captured at init, the upstream socket once a stream
// attaches, and audio queued in between.
type Session struct {
	ID     string
	Script string
	Cards  []card.Card

	// dialMu serializes upstream dialing so concurrent stream attaches
	// share one socket instead of racing SetConn.
	dialMu sync.Mutex

	mu          sync.Mutex
	conn        *upstream.Conn
	queue       []AudioChunk
	draining    bool
	attached    int
	createdAt   time.Time
	lastAudioAt time.Time

	extractor *card.Extractor
}

func newSession(id, script string, cards []card.Card, bufferLimit int) *Session {
	return &Session{
		ID:        id,
		Script:    script,
		Cards:     cards,
		createdAt: time.Now(),
		extractor: card.NewExtractor(bufferLimit),
	}
}

// SendOrQueueAudio forwards the chunk on the live socket when one is
// attached, otherwise queues it in arrival order. queued reports which path
// was taken.
//
// A chunk is only sent directly when the queue is empty and no drain is in
// flight; otherwise it joins the queue so earlier chunks always reach the
// upstream first.
func (s *Session) SendOrQueueAudio(data string) (queued bool, err error) {
	s.mu.Lock()
	s.lastAudioAt = time.Now()
	conn := s.conn
	if conn == nil || len(s.queue) > 0 || s.draining {
		s.queue = append(s.queue, AudioChunk{Data: data, EnqueuedAt: time.Now()})
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	if err := conn.SendAudioChunk(InputMimeType, data); err != nil {
		return false, err
	}
	return false, nil
}

// DrainQueue flushes queued audio to the given connection in FIFO order. It
// pops one chunk at a time and re-checks the queue, so audio that arrives
// mid-drain is flushed in the same pass. A send failure puts the chunk back
// at the front and stops.
func (s *Session) DrainQueue(conn *upstream.Conn) (sent int, err error) {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return sent, nil
		}
		chunk := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := conn.SendAudioChunk(InputMimeType, chunk.Data); err != nil {
			s.mu.Lock()
			s.queue = append([]AudioChunk{chunk}, s.queue...)
			s.mu.Unlock()
			return sent, err
		}
		sent++
	}
}

// QueueLen returns the number of chunks awaiting an upstream socket.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Activate marks a downstream stream as attached, shielding the session from
// idle eviction while it is being consumed. Attachment is counted: during a
// fast reconnect the new stream's Activate overlaps the old stream's
// Deactivate, and the session must stay attached through the handover.
func (s *Session) Activate() {
	s.mu.Lock()
	s.attached++
	s.mu.Unlock()
}

// Deactivate releases one attachment. Only the last detach discards the
// partial card payload, which would otherwise bleed into the next
// attachment; an overlapped detach from a displaced stream leaves the
// successor's buffer alone.
func (s *Session) Deactivate() {
	s.mu.Lock()
	if s.attached > 0 {
		s.attached--
	}
	if s.attached == 0 {
		s.extractor.Reset()
	}
	s.mu.Unlock()
}

// EnsureConn returns the session's live socket, dialing one via connect when
// none is attached or the previous one has died. Dialing is exclusive per
// session: a concurrent attach waits and reuses the first dial's socket, so
// the session never holds more than one live upstream connection.
func (s *Session) EnsureConn(ctx context.Context, connect func(ctx context.Context) (*upstream.Conn, error)) (*upstream.Conn, error) {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	if conn := s.Conn(); conn != nil {
		select {
		case <-conn.Done():
		default:
			return conn, nil
		}
	}

	conn, err := connect(ctx)
	if err != nil {
		return nil, err
	}
	s.SetConn(conn)
	return conn, nil
}

// SetConn installs the upstream socket, closing any previous one.
func (s *Session) SetConn(conn *upstream.Conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	if old != nil && old != conn {
		old.Close()
	}
}

// Conn returns the attached upstream socket, or nil.
func (s *Session) Conn() *upstream.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Extractor returns the session's card extractor. Only the single attached
// stream goroutine may feed it.
func (s *Session) Extractor() *card.Extractor {
	return s.extractor
}

func (s *Session) closeUpstream() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// idleSince returns the reference instant for eviction: the last time audio
// was queued or sent, falling back to creation for sessions that never saw
// audio.
func (s *Session) idleSince() (t time.Time, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastAudioAt.IsZero() {
		return s.createdAt, s.attached > 0
	}
	return s.lastAudioAt, s.attached > 0
}

// Registry tracks live sessions and evicts the ones nobody has fed for
// longer than the TTL.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	logger        *slog.Logger
	ttl           time.Duration
	sweepInterval time.Duration
	bufferLimit   int

	done      chan struct{}
	closeOnce sync.Once
}

// NewRegistry starts the idle sweep goroutine. Close stops it.
func NewRegistry(logger *slog.Logger, ttl, sweepInterval time.Duration, cardBufferLimit int) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sessions:      make(map[string]*Session),
		logger:        logger,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		bufferLimit:   cardBufferLimit,
		done:          make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Create registers a session under id. An existing session with the same id
// is silently replaced; its upstream socket is closed first.
func (r *Registry) Create(id, script string, cards []card.Card) *Session {
	s := newSession(id, script, cards, r.bufferLimit)
	r.mu.Lock()
	old := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()
	if old != nil {
		r.logger.Info("session replaced", "session_id", id)
		old.closeUpstream()
	}
	return s
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Remove closes the session's upstream socket and deletes it. Removing an
// unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if s != nil {
		s.closeUpstream()
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops the sweeper and tears down every session.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.closeUpstream()
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep evicts sessions idle past the TTL. Sessions with an attached stream
// are never evicted regardless of audio timing.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		since, active := s.idleSince()
		if active {
			continue
		}
		if now.Sub(since) > r.ttl {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.logger.Info("evicting idle session", "session_id", s.ID)
		s.closeUpstream()
	}
}
