package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/pkg/api/handlers"
	"chatrelay/pkg/config"
	"chatrelay/pkg/delivery"
	"chatrelay/pkg/directory"
	"chatrelay/pkg/models"
	"chatrelay/pkg/msglog"
	"chatrelay/pkg/state"
	"chatrelay/pkg/store"
)

const signingKey = "test-backend-key"

type testServer struct {
	srv *httptest.Server
	dir *directory.Directory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dir := directory.New(st)
	msgs := msglog.New(st, dir)
	coord := delivery.NewCoordinator(msgs, dir)
	dir.SetChangeListener(coord.PublishDirectory)

	config.SetRuntime(&config.RuntimeConfig{
		BackendKeys: map[string]struct{}{signingKey: {}},
		SigningKeys: map[string]struct{}{signingKey: {}},
	})
	t.Cleanup(func() { config.SetRuntime(nil) })

	state.PathsVar.Uploads = t.TempDir()

	srv := httptest.NewServer(Handler(handlers.Deps{Dir: dir, Msgs: msgs, Coord: coord}))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, dir: dir}
}

// do issues a request acting as user via the trusted backend role.
func (ts *testServer) do(t *testing.T, method, path, user string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("X-Role-Name", "backend")
	if user != "" {
		req.Header.Set("X-User-Email", user)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (ts *testServer) register(t *testing.T, email, name string) {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/v1/users", "", map[string]string{
		"email": email, "name": name, "password": "secret123",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func signEmail(email string) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(email))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestUserRegistrationAndLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice@example.com", "Alice")

	resp := ts.do(t, http.MethodPost, "/v1/users", "", map[string]string{
		"email": "alice@example.com", "name": "Alice", "password": "x",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	ts.register(t, "bob@example.com", "Bob")
	var list struct {
		Users []models.User `json:"users"`
	}
	resp = ts.do(t, http.MethodGet, "/v1/users", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &list)
	assert.Len(t, list.Users, 2)

	var u models.User
	resp = ts.do(t, http.MethodGet, "/v1/users/alice@example.com", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &u)
	assert.Equal(t, "Alice", u.Name)

	resp = ts.do(t, http.MethodGet, "/v1/users/ghost@example.com", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"email": "alice@example.com", "password": "secret123",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"email": "alice@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestMembershipFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice@example.com", "Alice")
	ts.register(t, "bob@example.com", "Bob")

	resp := ts.do(t, http.MethodPost, "/v1/rooms", "alice@example.com", map[string]string{"name": "general"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var room models.Room
	decode(t, resp, &room)
	assert.Equal(t, "alice@example.com", room.Creator)

	// a non-member cannot post
	resp = ts.do(t, http.MethodPost, "/v1/conversations/room/general/messages", "bob@example.com", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/rooms/general/join", "bob@example.com", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &room)
	assert.True(t, room.IsPending("bob@example.com"))

	// only the creator can approve
	resp = ts.do(t, http.MethodPost, "/v1/rooms/general/approve", "bob@example.com", map[string]string{"email": "bob@example.com"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/rooms/general/approve", "alice@example.com", map[string]string{"email": "bob@example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &room)
	assert.True(t, room.IsMember("bob@example.com"))
	assert.Empty(t, room.Pending)

	resp = ts.do(t, http.MethodPost, "/v1/conversations/room/general/messages", "bob@example.com", map[string]string{"text": "first"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var m models.Message
	decode(t, resp, &m)
	assert.Equal(t, uint64(1), m.Seq)
	assert.Equal(t, "Bob", m.SenderName)

	// removal closes access again
	resp = ts.do(t, http.MethodDelete, "/v1/rooms/general/members/bob@example.com", "alice@example.com", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = ts.do(t, http.MethodGet, "/v1/conversations/room/general/messages", "bob@example.com", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestMessagePullWatermarks(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice@example.com", "Alice")
	ts.register(t, "bob@example.com", "Bob")

	for i := 1; i <= 3; i++ {
		resp := ts.do(t, http.MethodPost, "/v1/conversations/private/bob@example.com/messages", "alice@example.com",
			map[string]string{"text": fmt.Sprintf("m%d", i)})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	// bob addresses the same conversation from his side
	var out struct {
		Conversation string           `json:"conversation"`
		Messages     []models.Message `json:"messages"`
	}
	resp := ts.do(t, http.MethodGet, "/v1/conversations/private/alice@example.com/messages?after=1", "bob@example.com", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, uint64(2), out.Messages[0].Seq)
	assert.Equal(t, "dm:alice@example.com|bob@example.com", out.Conversation)

	resp = ts.do(t, http.MethodGet, "/v1/conversations/private/alice@example.com/messages?after=3", "bob@example.com", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	assert.Empty(t, out.Messages)

	resp = ts.do(t, http.MethodGet, "/v1/conversations/private/alice@example.com/messages?after=oops", "bob@example.com", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRoomDeleteCascades(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice@example.com", "Alice")
	ts.register(t, "bob@example.com", "Bob")

	resp := ts.do(t, http.MethodPost, "/v1/rooms", "alice@example.com", map[string]string{"name": "general"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	resp = ts.do(t, http.MethodPost, "/v1/conversations/room/general/messages", "alice@example.com", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodDelete, "/v1/rooms/general", "bob@example.com", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodDelete, "/v1/rooms/general", "alice@example.com", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v1/conversations/room/general/messages", "alice@example.com", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDirectoryChangeFeed(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice@example.com", "Alice")
	ts.register(t, "bob@example.com", "Bob")
	resp := ts.do(t, http.MethodPost, "/v1/rooms", "alice@example.com", map[string]string{"name": "general"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	var out struct {
		Changes []models.DirectoryChange `json:"changes"`
	}
	resp = ts.do(t, http.MethodGet, "/v1/directory/changes", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	require.Len(t, out.Changes, 3)
	assert.Equal(t, models.ChangeUserRegistered, out.Changes[0].Kind)
	assert.Equal(t, models.ChangeRoomCreated, out.Changes[2].Kind)

	resp = ts.do(t, http.MethodGet, "/v1/directory/changes?after=2&limit=1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	require.Len(t, out.Changes, 1)
	assert.Equal(t, uint64(3), out.Changes[0].Seq)
}

func TestSignedUserIdentity(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice@example.com", "Alice")
	ts.register(t, "bob@example.com", "Bob")

	put := func(email, sig, target string) *http.Response {
		body, _ := json.Marshal(map[string]string{"avatar": "files/new.png"})
		req, err := http.NewRequest(http.MethodPut, ts.srv.URL+"/v1/users/"+target+"/avatar", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-User-Email", email)
		req.Header.Set("X-User-Signature", sig)
		resp, err := ts.srv.Client().Do(req)
		require.NoError(t, err)
		return resp
	}

	// no signature headers at all
	req, _ := http.NewRequest(http.MethodPut, ts.srv.URL+"/v1/users/alice@example.com/avatar", strings.NewReader("{}"))
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = put("alice@example.com", "bogus", "alice@example.com")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = put("alice@example.com", signEmail("alice@example.com"), "alice@example.com")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// a valid signature for bob cannot touch alice's profile
	resp = put("bob@example.com", signEmail("bob@example.com"), "alice@example.com")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestSignEndpoint(t *testing.T) {
	ts := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"email": "alice@example.com"})
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/v1/_sign", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Role-Name", "backend")
	req.Header.Set("Authorization", "Bearer "+signingKey)
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	decode(t, resp, &out)
	assert.Equal(t, signEmail("alice@example.com"), out["signature"])

	// frontend roles may not mint signatures
	req, _ = http.NewRequest(http.MethodPost, ts.srv.URL+"/v1/_sign", bytes.NewReader(body))
	req.Header.Set("X-Role-Name", "frontend")
	resp, err = ts.srv.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestFileUploadDownload(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice@example.com", "Alice")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "pic.png")
	require.NoError(t, err)
	// minimal png header so detection lands on image/png
	_, err = fw.Write([]byte("\x89PNG\r\n\x1a\nrest-of-image"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/v1/files", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Role-Name", "backend")
	req.Header.Set("X-User-Email", "alice@example.com")
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out map[string]string
	decode(t, resp, &out)
	require.NotEmpty(t, out["file"])
	assert.Equal(t, "image/png", out["mime"])

	resp = ts.do(t, http.MethodGet, "/v1/files/"+out["file"], "alice@example.com", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

	resp = ts.do(t, http.MethodGet, "/v1/files/nope.png", "alice@example.com", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestWebsocketPush(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice@example.com", "Alice")
	ts.register(t, "bob@example.com", "Bob")

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/v1/ws"
	hdr := http.Header{}
	hdr.Set("X-Role-Name", "backend")
	hdr.Set("X-User-Email", "bob@example.com")
	ws, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	defer ws.Close()

	sub := map[string]interface{}{
		"action": "subscribe",
		"conversation": map[string]string{
			"type": "private",
			"id":   "bob@example.com",
			"peer": "alice@example.com",
		},
		"watermark": 0,
	}
	require.NoError(t, ws.WriteJSON(sub))

	var f delivery.Frame
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, delivery.FrameSubscribed, f.Type)

	resp := ts.do(t, http.MethodPost, "/v1/conversations/private/bob@example.com/messages", "alice@example.com",
		map[string]string{"text": "over the wire"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&f))
	require.Equal(t, delivery.FrameMessage, f.Type)
	require.NotNil(t, f.Message)
	assert.Equal(t, uint64(1), f.Message.Seq)
	assert.Equal(t, "over the wire", f.Message.Text)

	// unknown actions produce an error frame, not a disconnect
	require.NoError(t, ws.WriteJSON(map[string]string{"action": "dance"}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, delivery.FrameError, f.Type)
}
