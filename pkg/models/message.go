package models

// Message is one immutable entry of a conversation's log. Seq is assigned
// by the log at durable append, strictly increasing and gapless per
// conversation, starting at 1. (Conversation, Seq) is the only identity
// for delivery and client-side deduplication.
type Message struct {
	Conversation string `json:"conversation"`
	Seq          uint64 `json:"seq"`
	Sender       string `json:"senderEmail"`
	// SenderName is denormalized for display; clients render it without
	// a directory lookup.
	SenderName string `json:"senderName,omitempty"`
	// TS is stamped at append (ns); client-supplied timestamps are not
	// authoritative.
	TS   int64  `json:"ts"`
	Text string `json:"text,omitempty"`
	// File is a file-store reference (path), never blob bytes.
	File string `json:"file,omitempty"`
}
