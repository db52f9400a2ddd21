package handlers

import (
	"encoding/json"
	"net/http"

	"chatrelay/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterDirectory registers the directory change feed route.
func RegisterDirectory(r *mux.Router) {
	r.HandleFunc("/directory/changes", listChanges).Methods(http.MethodGet)
}

// listChanges handles GET /directory/changes?after=<seq>&limit=<n>.
// The feed is ordered by a global sequence; clients that fall too far
// behind rebuild from the full /users and /rooms listings instead.
func listChanges(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	after, limit, err := afterLimit(r)
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	changes, err := deps.Dir.Changes(after, limit)
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		After   uint64      `json:"after"`
		Changes interface{} `json:"changes"`
	}{After: after, Changes: changes})
}
