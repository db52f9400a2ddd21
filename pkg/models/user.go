package models

// User is a registered account. Email is the unique identity key and is
// treated as opaque; the engine never parses or normalizes it.
type User struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	// Avatar is a file-store reference (path), never blob bytes.
	Avatar string `json:"avatar,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
}
