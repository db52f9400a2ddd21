package handlers

import (
	"encoding/json"
	"net/http"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterRooms registers room and membership routes to the provided router.
func RegisterRooms(r *mux.Router) {
	r.HandleFunc("/rooms", createRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms", listRooms).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{name}", getRoom).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{name}", deleteRoom).Methods(http.MethodDelete)

	// membership state transitions
	r.HandleFunc("/rooms/{name}/join", requestJoin).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{name}/approve", approveJoin).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{name}/deny", denyJoin).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{name}/members/{email}", removeMember).Methods(http.MethodDelete)
}

// createRoom handles POST /rooms. The caller becomes the room's creator
// and sole initial member.
func createRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	user, status, msg := requestUser(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	room, err := deps.Dir.CreateRoom(body.Name, user)
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	logger.Info("room_created", "room", room.Name, "creator", user)
	_ = utils.JSONWrite(w, http.StatusCreated, room)
}

// listRooms handles GET /rooms and returns every room with its member
// and pending sets.
func listRooms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	rooms, err := deps.Dir.ListRooms()
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		Rooms interface{} `json:"rooms"`
	}{Rooms: rooms})
}

// getRoom handles GET /rooms/{name}.
func getRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	room, err := deps.Dir.GetRoom(mux.Vars(r)["name"])
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(room)
}

// deleteRoom handles DELETE /rooms/{name}. Only the creator may delete;
// the room's message log is removed in the same operation.
func deleteRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	name := mux.Vars(r)["name"]
	user, status, msg := requestUser(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	if err := deps.Dir.DeleteRoom(name, user); err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	logger.Info("room_deleted", "room", name, "by", user)
	w.WriteHeader(http.StatusNoContent)
}

// requestJoin handles POST /rooms/{name}/join for the calling user.
// Repeat requests and requests from current members succeed without
// effect.
func requestJoin(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	name := mux.Vars(r)["name"]
	user, status, msg := requestUser(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	room, err := deps.Dir.RequestJoin(name, user)
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	logger.Info("join_requested", "room", name, "user", user)
	_ = json.NewEncoder(w).Encode(room)
}

// approveJoin handles POST /rooms/{name}/approve with body {"email":...}.
// Only the room creator may approve.
func approveJoin(w http.ResponseWriter, r *http.Request) {
	membershipDecision(w, r, "approve")
}

// denyJoin handles POST /rooms/{name}/deny with body {"email":...}.
// Only the room creator may deny; denying an already approved member is
// a no-op so a lost race against approval is not an error.
func denyJoin(w http.ResponseWriter, r *http.Request) {
	membershipDecision(w, r, "deny")
}

func membershipDecision(w http.ResponseWriter, r *http.Request, verb string) {
	w.Header().Set("Content-Type", "application/json")

	name := mux.Vars(r)["name"]
	user, status, msg := requestUser(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
		utils.JSONError(w, http.StatusBadRequest, "email required")
		return
	}
	var room interface{}
	var err error
	switch verb {
	case "approve":
		room, err = deps.Dir.ApproveJoin(name, user, body.Email)
	default:
		room, err = deps.Dir.DenyJoin(name, user, body.Email)
	}
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	logger.Info("join_"+verb+"d", "room", name, "by", user, "subject", body.Email)
	_ = json.NewEncoder(w).Encode(room)
}

// removeMember handles DELETE /rooms/{name}/members/{email}. Only the
// creator may remove members, and never themselves.
func removeMember(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	vars := mux.Vars(r)
	user, status, msg := requestUser(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	room, err := deps.Dir.RemoveMember(vars["name"], user, vars["email"])
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	logger.Info("member_removed", "room", vars["name"], "by", user, "subject", vars["email"])
	_ = json.NewEncoder(w).Encode(room)
}
