// Package msglog is the append-only, per-conversation ordered message
// record — the single source of truth for what was said, in what order.
// It exclusively owns sequence-number assignment: numbers are strictly
// increasing and gapless per conversation, starting at 1.
package msglog

import (
	"chatrelay/pkg/directory"
	"chatrelay/pkg/models"
	"chatrelay/pkg/serrors"
	"chatrelay/pkg/store"
)

// Log appends and reads conversation messages on top of the store,
// validating conversation addressing and room membership against the
// directory.
type Log struct {
	st  *store.Store
	dir *directory.Directory
}

// New constructs a Log.
func New(st *store.Store, dir *directory.Directory) *Log {
	return &Log{st: st, dir: dir}
}

// Append validates, sequences and durably appends one message. For a
// room conversation the sender must be a current member at write time;
// private conversations only require both users to be registered. The
// returned message carries the assigned sequence number and the
// log-stamped timestamp — client-supplied timestamps are ignored.
func (l *Log) Append(conv models.Conversation, sender, text, fileRef string) (models.Message, error) {
	if !conv.Valid() {
		return models.Message{}, serrors.InvalidArgumentf("invalid conversation address")
	}
	if text == "" && fileRef == "" {
		return models.Message{}, serrors.InvalidArgumentf("message needs text or a file")
	}
	u, err := l.dir.GetUser(sender)
	if err != nil {
		return models.Message{}, err
	}

	// Validation runs inside the append closure, under the conversation
	// lock, so membership is checked atomically with sequence assignment
	// and cannot race room deletion.
	return l.st.AppendMessage(conv.Key(), func(seq uint64, ts int64) (models.Message, error) {
		switch conv.Kind {
		case models.ConvRoom:
			room, err := l.dir.GetRoom(conv.ID)
			if err != nil {
				return models.Message{}, err
			}
			if !room.IsMember(sender) {
				return models.Message{}, serrors.Forbiddenf("%s is not a member of %s", sender, conv.ID)
			}
		case models.ConvPrivate:
			other := conv.Peer
			if other == sender {
				other = conv.ID
			}
			if _, err := l.dir.GetUser(other); err != nil {
				return models.Message{}, err
			}
		}
		return models.Message{
			Sender:     sender,
			SenderName: u.Name,
			Text:       text,
			File:       fileRef,
		}, nil
	})
}

// ReadSince returns the conversation's messages with sequence number
// greater than after, oldest first, up to limit (0 = unbounded). No new
// data yields an empty slice, never an error. Reading a deleted or
// unknown room fails with NotFound.
func (l *Log) ReadSince(conv models.Conversation, after uint64, limit int) ([]models.Message, error) {
	if !conv.Valid() {
		return nil, serrors.InvalidArgumentf("invalid conversation address")
	}
	if conv.Kind == models.ConvRoom {
		if _, err := l.dir.GetRoom(conv.ID); err != nil {
			return nil, err
		}
	}
	return l.st.ListMessagesSince(conv.Key(), after, limit)
}
