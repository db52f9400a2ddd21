package models

import (
	"fmt"
	"strings"
)

// Conversation kinds.
const (
	ConvPrivate = "private"
	ConvRoom    = "room"
)

// Conversation addresses a logical channel: a private pair of users or a
// room. It is derived from its key and never stored on its own.
type Conversation struct {
	Kind string `json:"type"`
	// ID is the other user's email (private) or the room name (room).
	// For private conversations the storage key is order-independent;
	// see Key.
	ID string `json:"id"`
	// Peer is the second participant of a private conversation. Unused
	// for rooms.
	Peer string `json:"peer,omitempty"`
}

// PrivateConversation builds the conversation for an unordered user pair.
func PrivateConversation(a, b string) Conversation {
	return Conversation{Kind: ConvPrivate, ID: a, Peer: b}
}

// RoomConversation builds the conversation for a room.
func RoomConversation(name string) Conversation {
	return Conversation{Kind: ConvRoom, ID: name}
}

// Key returns the canonical storage key for the conversation. Private
// pairs are sorted so both participants derive the same key.
func (c Conversation) Key() string {
	switch c.Kind {
	case ConvPrivate:
		a, b := c.ID, c.Peer
		if b < a {
			a, b = b, a
		}
		return "dm:" + a + "|" + b
	case ConvRoom:
		return "room:" + c.ID
	default:
		return "invalid:" + c.ID
	}
}

// Valid reports whether the conversation is well-formed.
func (c Conversation) Valid() bool {
	switch c.Kind {
	case ConvPrivate:
		return c.ID != "" && c.Peer != "" && c.ID != c.Peer &&
			!strings.Contains(c.ID, "|") && !strings.Contains(c.Peer, "|")
	case ConvRoom:
		return c.ID != ""
	}
	return false
}

func (c Conversation) String() string {
	if c.Kind == ConvPrivate {
		return fmt.Sprintf("private(%s,%s)", c.ID, c.Peer)
	}
	return fmt.Sprintf("room(%s)", c.ID)
}
