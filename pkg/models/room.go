package models

// Room is a membership-gated group conversation. Name is the unique,
// case-sensitive identity key. Members always contains the creator.
// Members and Pending are disjoint; both live in one record so the two
// sets are only ever updated together.
type Room struct {
	Name    string `json:"name"`
	Creator string `json:"creator"`
	// Member user emails, creator included. Order is irrelevant.
	Members []string `json:"members"`
	// Pending join-request emails, disjoint from Members.
	Pending []string `json:"joinRequests"`
	// PendingTS records when each pending request was filed (ns),
	// keyed by email. Used by the sweeper to expire stale requests.
	PendingTS map[string]int64 `json:"pending_ts,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
}

// IsMember reports whether email is a current member.
func (r *Room) IsMember(email string) bool {
	for _, m := range r.Members {
		if m == email {
			return true
		}
	}
	return false
}

// IsPending reports whether email has an outstanding join request.
func (r *Room) IsPending(email string) bool {
	for _, p := range r.Pending {
		if p == email {
			return true
		}
	}
	return false
}
