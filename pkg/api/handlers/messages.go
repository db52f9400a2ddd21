package handlers

import (
	"encoding/json"
	"net/http"

	"chatrelay/pkg/models"
	"chatrelay/pkg/telemetry"
	"chatrelay/pkg/utils"
	"chatrelay/pkg/validation"

	"github.com/gorilla/mux"
)

// RegisterMessages registers conversation message routes to the
// provided router. Conversations are addressed as {type}/{id} where
// type is "private" (id = peer email) or "room" (id = room name).
func RegisterMessages(r *mux.Router) {
	r.HandleFunc("/conversations/{type}/{id}/messages", appendMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{type}/{id}/messages", listMessages).Methods(http.MethodGet)
}

// appendMessage handles POST /conversations/{type}/{id}/messages. The
// message commits to the log first; push delivery happens after the
// append is durable, so the returned seq is authoritative.
func appendMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	telemetry.SetRequestOp(r.Context(), "append_message")

	var body struct {
		Sender string `json:"senderEmail"`
		Text   string `json:"text"`
		File   string `json:"file"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	user, status, msg := requestUser(r, body.Sender)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	conv, err := conversationFromRequest(r, user)
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}

	if err := validation.ValidateMessage(models.Message{
		Conversation: conv.Key(),
		Sender:       user,
		Text:         body.Text,
		File:         body.File,
	}); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	span := telemetry.StartSpan(r.Context(), "msglog.append")
	m, err := deps.Msgs.Append(conv, user, body.Text, body.File)
	span()
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	telemetry.MessagesAppended.Inc()

	// fan out after the durable append
	deps.Coord.PublishMessage(conv, m)

	_ = utils.JSONWrite(w, http.StatusCreated, m)
}

// listMessages handles GET /conversations/{type}/{id}/messages with
// ?after=<watermark>&limit=<n>. This is the pull transport: clients
// poll with the seq of the last message they applied and receive
// everything later, in order.
func listMessages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	user, status, msg := requestUser(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	conv, err := conversationFromRequest(r, user)
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	// room history is member-only; private conversations are anchored on
	// the caller so no further check is needed
	if conv.Kind == models.ConvRoom {
		room, err := deps.Dir.GetRoom(conv.ID)
		if err != nil {
			utils.JSONServiceError(w, err)
			return
		}
		if !room.IsMember(user) {
			utils.JSONError(w, http.StatusForbidden, "not a member of "+conv.ID)
			return
		}
	}
	after, limit, err := afterLimit(r)
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}

	msgs, err := deps.Msgs.ReadSince(conv, after, limit)
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		Conversation string      `json:"conversation"`
		After        uint64      `json:"after"`
		Messages     interface{} `json:"messages"`
	}{Conversation: conv.Key(), After: after, Messages: msgs})
}
