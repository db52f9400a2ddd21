package msglog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/pkg/directory"
	"chatrelay/pkg/models"
	"chatrelay/pkg/serrors"
	"chatrelay/pkg/store"
)

func newTestLog(t *testing.T) (*Log, *directory.Directory) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	dir := directory.New(st)
	for _, u := range [][2]string{
		{"alice@example.com", "Alice"},
		{"bob@example.com", "Bob"},
		{"carol@example.com", "Carol"},
	} {
		_, err := dir.RegisterUser(u[0], u[1], "", "secret123")
		require.NoError(t, err)
	}
	return New(st, dir), dir
}

func TestPrivateConversationOrdering(t *testing.T) {
	l, _ := newTestLog(t)

	convA := models.PrivateConversation("alice@example.com", "bob@example.com")
	convB := models.PrivateConversation("bob@example.com", "alice@example.com")

	m1, err := l.Append(convA, "alice@example.com", "hi bob", "")
	require.NoError(t, err)
	m2, err := l.Append(convB, "bob@example.com", "hi alice", "")
	require.NoError(t, err)

	// both directions address the same log
	assert.Equal(t, m1.Conversation, m2.Conversation)
	assert.Equal(t, uint64(1), m1.Seq)
	assert.Equal(t, uint64(2), m2.Seq)
	assert.Equal(t, "Alice", m1.SenderName)

	msgs, err := l.ReadSince(convB, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi bob", msgs[0].Text)

	msgs, err = l.ReadSince(convA, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(2), msgs[0].Seq)
}

func TestAppendRequiresContent(t *testing.T) {
	l, _ := newTestLog(t)
	conv := models.PrivateConversation("alice@example.com", "bob@example.com")

	_, err := l.Append(conv, "alice@example.com", "", "")
	assert.ErrorIs(t, err, serrors.ErrInvalidArgument)

	// a file reference alone is enough
	m, err := l.Append(conv, "alice@example.com", "", "files/pic.png")
	require.NoError(t, err)
	assert.Equal(t, "files/pic.png", m.File)
}

func TestAppendInvalidAddress(t *testing.T) {
	l, _ := newTestLog(t)

	_, err := l.Append(models.Conversation{Kind: "room"}, "alice@example.com", "x", "")
	assert.ErrorIs(t, err, serrors.ErrInvalidArgument)
	_, err = l.Append(models.PrivateConversation("alice@example.com", "alice@example.com"), "alice@example.com", "x", "")
	assert.ErrorIs(t, err, serrors.ErrInvalidArgument)
}

func TestUnknownParticipants(t *testing.T) {
	l, _ := newTestLog(t)

	conv := models.PrivateConversation("alice@example.com", "ghost@example.com")
	_, err := l.Append(conv, "alice@example.com", "hello?", "")
	assert.ErrorIs(t, err, serrors.ErrNotFound)

	conv = models.PrivateConversation("ghost@example.com", "bob@example.com")
	_, err = l.Append(conv, "ghost@example.com", "boo", "")
	assert.ErrorIs(t, err, serrors.ErrNotFound)
}

func TestRoomMembershipGate(t *testing.T) {
	l, dir := newTestLog(t)
	_, err := dir.CreateRoom("general", "alice@example.com")
	require.NoError(t, err)
	conv := models.RoomConversation("general")

	_, err = l.Append(conv, "alice@example.com", "welcome", "")
	require.NoError(t, err)

	// pending is not membership
	_, err = dir.RequestJoin("general", "bob@example.com")
	require.NoError(t, err)
	_, err = l.Append(conv, "bob@example.com", "let me in", "")
	assert.ErrorIs(t, err, serrors.ErrForbidden)

	_, err = dir.ApproveJoin("general", "alice@example.com", "bob@example.com")
	require.NoError(t, err)
	m, err := l.Append(conv, "bob@example.com", "thanks", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.Seq)

	// removal closes the gate again
	_, err = dir.RemoveMember("general", "alice@example.com", "bob@example.com")
	require.NoError(t, err)
	_, err = l.Append(conv, "bob@example.com", "still here?", "")
	assert.ErrorIs(t, err, serrors.ErrForbidden)
}

func TestUnknownRoom(t *testing.T) {
	l, _ := newTestLog(t)
	conv := models.RoomConversation("nowhere")

	_, err := l.Append(conv, "alice@example.com", "x", "")
	assert.ErrorIs(t, err, serrors.ErrNotFound)
	_, err = l.ReadSince(conv, 0, 0)
	assert.ErrorIs(t, err, serrors.ErrNotFound)
}

func TestReadAfterRoomDelete(t *testing.T) {
	l, dir := newTestLog(t)
	_, err := dir.CreateRoom("general", "alice@example.com")
	require.NoError(t, err)
	conv := models.RoomConversation("general")
	_, err = l.Append(conv, "alice@example.com", "x", "")
	require.NoError(t, err)

	require.NoError(t, dir.DeleteRoom("general", "alice@example.com"))
	_, err = l.ReadSince(conv, 0, 0)
	assert.ErrorIs(t, err, serrors.ErrNotFound)
	_, err = l.Append(conv, "alice@example.com", "anyone?", "")
	assert.ErrorIs(t, err, serrors.ErrNotFound)
}

func TestReadSinceIdempotent(t *testing.T) {
	l, _ := newTestLog(t)
	conv := models.PrivateConversation("alice@example.com", "bob@example.com")
	for i := 0; i < 3; i++ {
		_, err := l.Append(conv, "alice@example.com", "x", "")
		require.NoError(t, err)
	}

	a, err := l.ReadSince(conv, 1, 0)
	require.NoError(t, err)
	b, err := l.ReadSince(conv, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	empty, err := l.ReadSince(conv, 99, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
