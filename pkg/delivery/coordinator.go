// Package delivery bridges the message log to clients through two
// interchangeable transports: event push over a websocket session and
// periodic pull over HTTP. Both paths route through the same
// read-since-watermark primitive, so transport choice never changes
// observable ordering, and the push stream is never treated as a source
// of truth on its own.
package delivery

import (
	"encoding/json"

	"chatrelay/pkg/directory"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/msglog"
	"chatrelay/pkg/serrors"
	"chatrelay/pkg/telemetry"
)

// Frame types pushed to clients.
const (
	FrameMessage    = "message"
	FrameDirectory  = "directory"
	FrameSubscribed = "subscribed"
	FrameError      = "error"
)

// Frame is the wire envelope for every push to a client. Message frames
// are identified by (conversation, seq); clients reconcile optimistic
// local echoes by that key alone, never by content.
type Frame struct {
	Type         string                  `json:"type"`
	Conversation *models.Conversation    `json:"conversation,omitempty"`
	Message      *models.Message         `json:"message,omitempty"`
	Change       *models.DirectoryChange `json:"change,omitempty"`
	Watermark    uint64                  `json:"watermark,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

// Coordinator owns push delivery. Mutations commit to the log before
// any delivery attempt; the coordinator only ever forwards messages in
// log order, filling gaps with catch-up reads against the same log the
// pull path serves.
type Coordinator struct {
	log *msglog.Log
	dir *directory.Directory
	hub *Hub
}

// NewCoordinator constructs a Coordinator over the given log and
// directory.
func NewCoordinator(log *msglog.Log, dir *directory.Directory) *Coordinator {
	return &Coordinator{log: log, dir: dir, hub: NewHub()}
}

// Attach registers a live connection and returns its session.
func (c *Coordinator) Attach(conn *Connection) *Session {
	logger.Info("session_attached", "conn", conn.ID, "user", conn.UserEmail)
	return c.hub.Attach(conn)
}

// Detach drops a session and its subscriptions.
func (c *Coordinator) Detach(sess *Session) {
	logger.Info("session_detached", "conn", sess.ConnID(), "user", sess.User())
	c.hub.Detach(sess)
}

// Subscribe registers the session for a conversation and replays the
// backlog past the client's watermark before live delivery starts. The
// client supplies the sequence number of the last message it durably
// applied; everything after it is re-read from the log, so a
// reconnecting client can never miss or double-apply a message.
func (c *Coordinator) Subscribe(sess *Session, conv models.Conversation, watermark uint64) error {
	if !conv.Valid() {
		return serrors.InvalidArgumentf("invalid conversation address")
	}
	if err := c.authorize(sess.User(), conv); err != nil {
		return err
	}

	sub := c.hub.subscribe(sess, conv, watermark)
	c.sendFrame(sess, Frame{Type: FrameSubscribed, Conversation: &conv, Watermark: watermark})

	// Catch-up read under the subscription lock: a concurrent live
	// publish waits and then sees the advanced watermark, keeping the
	// stream gapless and duplicate-free.
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return c.catchUpLocked(sess, sub)
}

// Unsubscribe stops delivery for a conversation on this session.
func (c *Coordinator) Unsubscribe(sess *Session, conv models.Conversation) {
	c.hub.unsubscribe(sess, conv.Key())
}

// PublishMessage fans a freshly appended message out to every
// subscribed session. Sessions that are exactly one behind receive the
// message directly; sessions further behind are brought forward with a
// catch-up read so order is preserved. Sessions at or past the message
// sequence skip it (duplicate suppression by sequence).
func (c *Coordinator) PublishMessage(conv models.Conversation, msg models.Message) {
	convKey := conv.Key()
	for _, sess := range c.hub.subscribers(convKey) {
		sub := sess.subscriptionFor(convKey)
		if sub == nil {
			continue
		}
		sub.mu.Lock()
		switch {
		case msg.Seq <= sub.watermark:
			// already delivered
		case msg.Seq == sub.watermark+1:
			c.sendFrame(sess, Frame{Type: FrameMessage, Conversation: &sub.conv, Message: &msg})
			sub.watermark = msg.Seq
		default:
			if err := c.catchUpLocked(sess, sub); err != nil {
				logger.Warn("push_catch_up_failed", "conversation", convKey, "user", sess.User(), "error", err)
			}
		}
		sub.mu.Unlock()
	}
}

// PublishDirectory fans a directory change out to every live session.
// Clients that miss one reconstruct state via the full directory
// listings; the feed is an optimization, never the sole source of
// truth.
func (c *Coordinator) PublishDirectory(change models.DirectoryChange) {
	for _, sess := range c.hub.allSessions() {
		c.sendFrame(sess, Frame{Type: FrameDirectory, Change: &change})
	}
}

// catchUpLocked replays everything past the subscription watermark from
// the log. Caller holds sub.mu.
func (c *Coordinator) catchUpLocked(sess *Session, sub *subscription) error {
	msgs, err := c.log.ReadSince(sub.conv, sub.watermark, 0)
	if err != nil {
		return err
	}
	for i := range msgs {
		c.sendFrame(sess, Frame{Type: FrameMessage, Conversation: &sub.conv, Message: &msgs[i]})
		sub.watermark = msgs[i].Seq
	}
	return nil
}

// authorize checks the session user may observe the conversation: room
// subscriptions require membership, private subscriptions require the
// user to be one of the pair.
func (c *Coordinator) authorize(user string, conv models.Conversation) error {
	switch conv.Kind {
	case models.ConvRoom:
		room, err := c.dir.GetRoom(conv.ID)
		if err != nil {
			return err
		}
		if !room.IsMember(user) {
			return serrors.Forbiddenf("%s is not a member of %s", user, conv.ID)
		}
	case models.ConvPrivate:
		if conv.ID != user && conv.Peer != user {
			return serrors.Forbiddenf("%s is not a participant", user)
		}
		other := conv.ID
		if other == user {
			other = conv.Peer
		}
		if _, err := c.dir.GetUser(other); err != nil {
			return err
		}
	}
	return nil
}

// SendError pushes an error frame to a session.
func (c *Coordinator) SendError(sess *Session, conv *models.Conversation, err error) {
	c.sendFrame(sess, Frame{Type: FrameError, Conversation: conv, Error: err.Error()})
}

func (c *Coordinator) sendFrame(sess *Session, f Frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		logger.Error("frame_marshal_failed", "type", f.Type, "error", err)
		return
	}
	if err := sess.conn.Send(payload); err != nil {
		logger.Debug("frame_send_failed", "conn", sess.ConnID(), "error", err)
		return
	}
	telemetry.FramesPushed.WithLabelValues(f.Type).Inc()
}
