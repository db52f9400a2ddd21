package delivery

import (
	"sync"

	"chatrelay/pkg/models"
)

// Session is one client's push channel: a live connection plus the
// per-conversation subscriptions it owns. Subscriptions are session
// objects, never process-wide state, so multiple sessions — even for
// the same user — proceed independently.
type Session struct {
	conn *Connection

	mu   sync.Mutex
	subs map[string]*subscription // conversation key -> subscription
}

// subscription tracks one conversation's delivery state: the watermark
// is the sequence number of the last message this session has been
// sent. All sends for a subscription are serialized by its mutex to
// preserve log order on the wire.
type subscription struct {
	conv models.Conversation

	mu        sync.Mutex
	watermark uint64
}

// User returns the email the session is authenticated as.
func (s *Session) User() string { return s.conn.UserEmail }

// ConnID returns the underlying connection id.
func (s *Session) ConnID() string { return s.conn.ID }

func (s *Session) subscriptionFor(convKey string) *subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[convKey]
}

// Hub indexes live sessions by connection and by subscribed
// conversation for efficient fan-out. It holds no delivery logic; the
// Coordinator decides what each subscription receives.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // conn ID -> session
	byConv   map[string]map[string]*Session // conversation key -> conn ID -> session
}

// NewHub constructs an initialized Hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		byConv:   make(map[string]map[string]*Session),
	}
}

// Attach registers a connection, starts its write loop and returns its
// session.
func (h *Hub) Attach(conn *Connection) *Session {
	sess := &Session{conn: conn, subs: make(map[string]*subscription)}
	h.mu.Lock()
	h.sessions[conn.ID] = sess
	h.mu.Unlock()
	conn.Start()
	return sess
}

// Detach removes a session and all its subscriptions, closing the
// connection.
func (h *Hub) Detach(sess *Session) {
	h.mu.Lock()
	delete(h.sessions, sess.conn.ID)
	sess.mu.Lock()
	for convKey := range sess.subs {
		h.dropConvLocked(convKey, sess.conn.ID)
	}
	sess.subs = make(map[string]*subscription)
	sess.mu.Unlock()
	h.mu.Unlock()
	sess.conn.Close(1000, "session detached")
}

// subscribe registers (or replaces) the session's subscription for a
// conversation and returns it.
func (h *Hub) subscribe(sess *Session, conv models.Conversation, watermark uint64) *subscription {
	sub := &subscription{conv: conv, watermark: watermark}
	convKey := conv.Key()

	h.mu.Lock()
	room := h.byConv[convKey]
	if room == nil {
		room = make(map[string]*Session)
		h.byConv[convKey] = room
	}
	room[sess.conn.ID] = sess
	h.mu.Unlock()

	sess.mu.Lock()
	sess.subs[convKey] = sub
	sess.mu.Unlock()
	return sub
}

// unsubscribe drops the session's subscription for a conversation.
func (h *Hub) unsubscribe(sess *Session, convKey string) {
	h.mu.Lock()
	h.dropConvLocked(convKey, sess.conn.ID)
	h.mu.Unlock()

	sess.mu.Lock()
	delete(sess.subs, convKey)
	sess.mu.Unlock()
}

// subscribers snapshots the sessions subscribed to a conversation.
func (h *Hub) subscribers(convKey string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.byConv[convKey]
	if len(room) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(room))
	for _, sess := range room {
		out = append(out, sess)
	}
	return out
}

// allSessions snapshots every live session.
func (h *Hub) allSessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		out = append(out, sess)
	}
	return out
}

func (h *Hub) dropConvLocked(convKey, connID string) {
	room := h.byConv[convKey]
	if room == nil {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.byConv, convKey)
	}
}
