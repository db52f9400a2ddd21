package handlers

import (
	"net/http"
	"strconv"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/models"
	"chatrelay/pkg/serrors"

	"github.com/gorilla/mux"
)

// afterLimit parses the ?after= and ?limit= query parameters shared by
// the catch-up style list endpoints. after defaults to 0 (everything),
// limit defaults to 0 (no cap).
func afterLimit(r *http.Request) (uint64, int, error) {
	var after uint64
	var limit int
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, 0, serrors.InvalidArgumentf("invalid after %q", v)
		}
		after = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, serrors.InvalidArgumentf("invalid limit %q", v)
		}
		limit = n
	}
	return after, limit, nil
}

// conversationFromRequest derives the conversation addressed by the
// {type}/{id} path segments, anchored on the calling user. For private
// conversations id is the peer's email; the caller is always the other
// participant.
func conversationFromRequest(r *http.Request, user string) (models.Conversation, error) {
	vars := mux.Vars(r)
	kind := vars["type"]
	id := vars["id"]
	switch kind {
	case models.ConvPrivate:
		conv := models.PrivateConversation(user, id)
		if !conv.Valid() {
			return models.Conversation{}, serrors.InvalidArgumentf("invalid private conversation with %q", id)
		}
		return conv, nil
	case models.ConvRoom:
		conv := models.RoomConversation(id)
		if !conv.Valid() {
			return models.Conversation{}, serrors.InvalidArgumentf("invalid room conversation %q", id)
		}
		return conv, nil
	default:
		return models.Conversation{}, serrors.InvalidArgumentf("unknown conversation type %q", kind)
	}
}

// requestUser resolves the acting user for a request, preferring the
// signature-verified identity.
func requestUser(r *http.Request, bodySender string) (string, int, string) {
	return auth.ResolveSenderFromRequest(r, bodySender)
}
