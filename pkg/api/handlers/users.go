package handlers

import (
	"encoding/json"
	"net/http"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterUsers registers user and login routes to the provided router.
func RegisterUsers(r *mux.Router) {
	r.HandleFunc("/users", registerUser).Methods(http.MethodPost)
	r.HandleFunc("/users", listUsers).Methods(http.MethodGet)
	r.HandleFunc("/users/{email}", getUser).Methods(http.MethodGet)
	r.HandleFunc("/login", login).Methods(http.MethodPost)
}

// RegisterProfile registers the self-service profile routes. These act
// as a user and belong behind the signature middleware.
func RegisterProfile(r *mux.Router) {
	r.HandleFunc("/users/{email}/avatar", setAvatar).Methods(http.MethodPut)
}

// registerUser handles POST /users. The body carries email, name,
// optional avatar and a password. Email is the unique user key;
// registering an existing email is a conflict.
func registerUser(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var body struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Avatar   string `json:"avatar"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	u, err := deps.Dir.RegisterUser(body.Email, body.Name, body.Avatar, body.Password)
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	logger.Info("user_registered", "email", u.Email)
	_ = utils.JSONWrite(w, http.StatusCreated, u)
}

// listUsers handles GET /users and returns every registered user.
func listUsers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	users, err := deps.Dir.ListUsers()
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		Users interface{} `json:"users"`
	}{Users: users})
}

// getUser handles GET /users/{email}.
func getUser(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	u, err := deps.Dir.GetUser(mux.Vars(r)["email"])
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(u)
}

// setAvatar handles PUT /users/{email}/avatar. Only the user themselves
// may change their avatar.
func setAvatar(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	email := mux.Vars(r)["email"]
	user, status, msg := requestUser(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	if user != email {
		utils.JSONError(w, http.StatusForbidden, "avatar may only be changed by its owner")
		return
	}
	var body struct {
		Avatar string `json:"avatar"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	u, err := deps.Dir.SetAvatar(email, body.Avatar)
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(u)
}

// login handles POST /login and verifies email/password credentials.
// Failures are uniform 403s so callers cannot probe which emails exist.
func login(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	u, err := deps.Dir.Authenticate(body.Email, body.Password)
	if err != nil {
		utils.JSONServiceError(w, err)
		return
	}
	logger.Info("user_logged_in", "email", u.Email)
	_ = json.NewEncoder(w).Encode(u)
}
