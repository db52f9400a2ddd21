package models

// Directory change kinds.
const (
	ChangeUserRegistered = "user_registered"
	ChangeUserUpdated    = "user_updated"
	ChangeRoomCreated    = "room_created"
	ChangeRoomUpdated    = "room_updated"
	ChangeRoomDeleted    = "room_deleted"
)

// DirectoryChange is one entry of the global directory change feed. Seq
// is monotonic across all change kinds. The feed is an optimization:
// clients can always rebuild state from full user/room listings.
type DirectoryChange struct {
	Seq  uint64 `json:"seq"`
	Kind string `json:"kind"`
	TS   int64  `json:"ts"`
	User *User  `json:"user,omitempty"`
	Room *Room  `json:"room,omitempty"`
	// RoomName is set for room_deleted, where no snapshot survives.
	RoomName string `json:"room_name,omitempty"`
}
