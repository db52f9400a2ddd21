package delivery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/pkg/directory"
	"chatrelay/pkg/models"
	"chatrelay/pkg/msglog"
	"chatrelay/pkg/serrors"
	"chatrelay/pkg/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *msglog.Log, *directory.Directory) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	dir := directory.New(st)
	for _, u := range [][2]string{
		{"alice@example.com", "Alice"},
		{"bob@example.com", "Bob"},
	} {
		_, err := dir.RegisterUser(u[0], u[1], "", "secret123")
		require.NoError(t, err)
	}
	log := msglog.New(st, dir)
	return NewCoordinator(log, dir), log, dir
}

// socketPair upgrades a loopback HTTP connection and returns the server
// side (wrapped by Connection) and the client side (used to observe
// pushed frames).
func socketPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientWS, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientWS.Close() })
	return <-serverSide, clientWS
}

func attachSession(t *testing.T, c *Coordinator, user string) (*Session, *websocket.Conn) {
	t.Helper()
	serverWS, clientWS := socketPair(t)
	conn := NewConnection(user, serverWS)
	sess := c.Attach(conn)
	t.Cleanup(func() { c.Detach(sess) })
	return sess, clientWS
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := ws.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(payload, &f))
	return f
}

func assertNoFrame(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "expected no frame")
}

func TestSubscribeReplaysBacklog(t *testing.T) {
	c, log, _ := newTestCoordinator(t)
	conv := models.PrivateConversation("alice@example.com", "bob@example.com")
	for _, text := range []string{"one", "two", "three"} {
		_, err := log.Append(conv, "alice@example.com", text, "")
		require.NoError(t, err)
	}

	sess, clientWS := attachSession(t, c, "bob@example.com")
	require.NoError(t, c.Subscribe(sess, conv, 0))

	f := readFrame(t, clientWS)
	assert.Equal(t, FrameSubscribed, f.Type)
	assert.Equal(t, uint64(0), f.Watermark)

	for i, want := range []string{"one", "two", "three"} {
		f = readFrame(t, clientWS)
		require.Equal(t, FrameMessage, f.Type)
		require.NotNil(t, f.Message)
		assert.Equal(t, uint64(i+1), f.Message.Seq)
		assert.Equal(t, want, f.Message.Text)
	}
	assertNoFrame(t, clientWS)
}

func TestSubscribeWatermarkSkipsApplied(t *testing.T) {
	c, log, _ := newTestCoordinator(t)
	conv := models.PrivateConversation("alice@example.com", "bob@example.com")
	for i := 0; i < 3; i++ {
		_, err := log.Append(conv, "alice@example.com", "x", "")
		require.NoError(t, err)
	}

	sess, clientWS := attachSession(t, c, "bob@example.com")
	require.NoError(t, c.Subscribe(sess, conv, 2))

	f := readFrame(t, clientWS)
	assert.Equal(t, FrameSubscribed, f.Type)
	f = readFrame(t, clientWS)
	require.Equal(t, FrameMessage, f.Type)
	assert.Equal(t, uint64(3), f.Message.Seq)
	assertNoFrame(t, clientWS)
}

func TestPublishLiveAndDuplicateSuppression(t *testing.T) {
	c, log, _ := newTestCoordinator(t)
	conv := models.PrivateConversation("alice@example.com", "bob@example.com")

	sess, clientWS := attachSession(t, c, "bob@example.com")
	require.NoError(t, c.Subscribe(sess, conv, 0))
	_ = readFrame(t, clientWS) // subscribed

	m1, err := log.Append(conv, "alice@example.com", "live", "")
	require.NoError(t, err)
	c.PublishMessage(conv, m1)

	f := readFrame(t, clientWS)
	require.Equal(t, FrameMessage, f.Type)
	assert.Equal(t, uint64(1), f.Message.Seq)

	// re-publishing an already delivered seq pushes nothing
	c.PublishMessage(conv, m1)
	assertNoFrame(t, clientWS)
}

func TestPublishGapTriggersCatchUp(t *testing.T) {
	c, log, _ := newTestCoordinator(t)
	conv := models.PrivateConversation("alice@example.com", "bob@example.com")

	sess, clientWS := attachSession(t, c, "bob@example.com")
	require.NoError(t, c.Subscribe(sess, conv, 0))
	_ = readFrame(t, clientWS) // subscribed

	// two appends, but only the second is published: the fan-out must
	// close the gap from the log instead of skipping seq 1
	_, err := log.Append(conv, "alice@example.com", "first", "")
	require.NoError(t, err)
	m2, err := log.Append(conv, "alice@example.com", "second", "")
	require.NoError(t, err)
	c.PublishMessage(conv, m2)

	f := readFrame(t, clientWS)
	require.Equal(t, FrameMessage, f.Type)
	assert.Equal(t, uint64(1), f.Message.Seq)
	f = readFrame(t, clientWS)
	require.Equal(t, FrameMessage, f.Type)
	assert.Equal(t, uint64(2), f.Message.Seq)
	assertNoFrame(t, clientWS)
}

func TestSubscribeAuthorization(t *testing.T) {
	c, _, dir := newTestCoordinator(t)
	_, err := dir.CreateRoom("general", "alice@example.com")
	require.NoError(t, err)

	sess, _ := attachSession(t, c, "bob@example.com")

	err = c.Subscribe(sess, models.RoomConversation("general"), 0)
	assert.ErrorIs(t, err, serrors.ErrForbidden)

	err = c.Subscribe(sess, models.PrivateConversation("alice@example.com", "carol@example.com"), 0)
	assert.ErrorIs(t, err, serrors.ErrForbidden)

	err = c.Subscribe(sess, models.Conversation{Kind: "room"}, 0)
	assert.ErrorIs(t, err, serrors.ErrInvalidArgument)

	// a participant of the pair is allowed
	err = c.Subscribe(sess, models.PrivateConversation("bob@example.com", "alice@example.com"), 0)
	require.NoError(t, err)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c, log, _ := newTestCoordinator(t)
	conv := models.PrivateConversation("alice@example.com", "bob@example.com")

	sess, clientWS := attachSession(t, c, "bob@example.com")
	require.NoError(t, c.Subscribe(sess, conv, 0))
	_ = readFrame(t, clientWS) // subscribed

	c.Unsubscribe(sess, conv)
	m, err := log.Append(conv, "alice@example.com", "after", "")
	require.NoError(t, err)
	c.PublishMessage(conv, m)
	assertNoFrame(t, clientWS)
}

func TestPublishDirectory(t *testing.T) {
	c, _, dir := newTestCoordinator(t)
	_, clientWS := attachSession(t, c, "bob@example.com")

	dir.SetChangeListener(c.PublishDirectory)
	_, err := dir.CreateRoom("general", "alice@example.com")
	require.NoError(t, err)

	f := readFrame(t, clientWS)
	assert.Equal(t, FrameDirectory, f.Type)
	require.NotNil(t, f.Change)
	assert.Equal(t, models.ChangeRoomCreated, f.Change.Kind)
	require.NotNil(t, f.Change.Room)
	assert.Equal(t, "general", f.Change.Room.Name)
}

func TestPushMatchesPull(t *testing.T) {
	c, log, _ := newTestCoordinator(t)
	conv := models.PrivateConversation("alice@example.com", "bob@example.com")

	sess, clientWS := attachSession(t, c, "bob@example.com")
	require.NoError(t, c.Subscribe(sess, conv, 0))
	_ = readFrame(t, clientWS) // subscribed

	for _, text := range []string{"a", "b", "c"} {
		m, err := log.Append(conv, "alice@example.com", text, "")
		require.NoError(t, err)
		c.PublishMessage(conv, m)
	}

	var pushed []models.Message
	for i := 0; i < 3; i++ {
		f := readFrame(t, clientWS)
		require.Equal(t, FrameMessage, f.Type)
		pushed = append(pushed, *f.Message)
	}

	pulled, err := log.ReadSince(conv, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, pulled, pushed, "push and pull must agree on content and order")
}
