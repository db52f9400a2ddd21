// Package api exposes the HTTP surface: the directory and membership
// endpoints, the conversation message log, the directory change feed,
// the websocket push transport and file uploads.
package api

import (
	"net/http"

	"chatrelay/pkg/api/handlers"
	"chatrelay/pkg/auth"

	"github.com/gorilla/mux"
)

// Handler builds the /v1 router over the wired services. The signature
// middleware only guards routes that act as a user; registration, login
// and the signing endpoint stay reachable with an API key alone.
func Handler(d handlers.Deps) http.Handler {
	handlers.Setup(d)

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	// open routes: API key is enough
	open := v1.NewRoute().Subrouter()
	handlers.RegisterUsers(open)
	handlers.RegisterDirectory(open)
	handlers.RegisterSigning(open)

	// user-scoped routes: verified identity required for non-backend roles
	signed := v1.NewRoute().Subrouter()
	signed.Use(auth.RequireSignedUser)
	handlers.RegisterProfile(signed)
	handlers.RegisterRooms(signed)
	handlers.RegisterMessages(signed)
	handlers.RegisterWS(signed)
	handlers.RegisterFiles(signed)

	return r
}
