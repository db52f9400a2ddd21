package handlers

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/state"
	"chatrelay/pkg/utils"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const maxUploadBytes = 16 << 20

// RegisterFiles registers upload and download routes. Uploaded files
// are stored on disk and referenced from messages by name only; message
// bodies never carry blob bytes.
func RegisterFiles(r *mux.Router) {
	r.HandleFunc("/files", uploadFile).Methods(http.MethodPost)
	r.HandleFunc("/files/{name}", downloadFile).Methods(http.MethodGet)
}

// uploadFile handles POST /files with a multipart "file" field. The
// stored name is a uuid plus an extension sniffed from content, so
// client-supplied names never touch the filesystem.
func uploadFile(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if _, status, msg := requestUser(r, ""); status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "read failed")
		return
	}
	mt := mimetype.Detect(data)
	name := uuid.NewString() + mt.Extension()

	dir := state.PathsVar.Uploads
	if dir == "" {
		dir = "uploads"
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		logger.Error("upload_write_failed", "name", name, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "store failed")
		return
	}
	logger.Info("file_uploaded", "name", name, "size", len(data), "mime", mt.String(), "original", hdr.Filename)
	_ = utils.JSONWrite(w, http.StatusCreated, map[string]string{
		"file": name,
		"mime": mt.String(),
	})
}

// downloadFile handles GET /files/{name}. Names are validated against
// path traversal before hitting the filesystem.
func downloadFile(w http.ResponseWriter, r *http.Request) {
	if _, status, msg := requestUser(r, ""); status != 0 {
		w.Header().Set("Content-Type", "application/json")
		utils.JSONError(w, status, msg)
		return
	}
	name := mux.Vars(r)["name"]
	if name == "" || name != filepath.Base(name) {
		w.Header().Set("Content-Type", "application/json")
		utils.JSONError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	dir := state.PathsVar.Uploads
	if dir == "" {
		dir = "uploads"
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		w.Header().Set("Content-Type", "application/json")
		utils.JSONError(w, http.StatusNotFound, "not found")
		return
	}
	http.ServeFile(w, r, path)
}
