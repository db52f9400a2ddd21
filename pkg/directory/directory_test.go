package directory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/pkg/models"
	"chatrelay/pkg/serrors"
	"chatrelay/pkg/store"
)

func newTestDirectory(t *testing.T) (*Directory, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func mustRegister(t *testing.T, d *Directory, email, name string) models.User {
	t.Helper()
	u, err := d.RegisterUser(email, name, "", "secret123")
	require.NoError(t, err)
	return u
}

func TestRegisterUserValidation(t *testing.T) {
	d, _ := newTestDirectory(t)

	_, err := d.RegisterUser("", "Alice", "", "pw")
	assert.ErrorIs(t, err, serrors.ErrInvalidArgument)
	_, err = d.RegisterUser("alice@example.com", "", "", "pw")
	assert.ErrorIs(t, err, serrors.ErrInvalidArgument)
	_, err = d.RegisterUser("alice@example.com", "Alice", "", "")
	assert.ErrorIs(t, err, serrors.ErrInvalidArgument)
	_, err = d.RegisterUser("al|ce@example.com", "Alice", "", "pw")
	assert.ErrorIs(t, err, serrors.ErrInvalidArgument)
	_, err = d.RegisterUser("al:ce@example.com", "Alice", "", "pw")
	assert.ErrorIs(t, err, serrors.ErrInvalidArgument)

	mustRegister(t, d, "alice@example.com", "Alice")
	_, err = d.RegisterUser("alice@example.com", "Alice Again", "", "pw")
	assert.ErrorIs(t, err, serrors.ErrConflict)
}

func TestCreateRoomRejectsKeySeparator(t *testing.T) {
	d, st := newTestDirectory(t)
	mustRegister(t, d, "alice@example.com", "Alice")

	_, err := d.CreateRoom("general", "alice@example.com")
	require.NoError(t, err)

	// a name extending into another room's message range must not exist
	_, err = d.CreateRoom("general:msg:00000000000000000001", "alice@example.com")
	assert.ErrorIs(t, err, serrors.ErrInvalidArgument)
	_, err = d.CreateRoom("a:b", "alice@example.com")
	assert.ErrorIs(t, err, serrors.ErrInvalidArgument)

	// general's log stays its own
	_, err = st.AppendMessage("room:general", func(seq uint64, ts int64) (models.Message, error) {
		return models.Message{Conversation: "room:general", Seq: seq, Sender: "alice@example.com", TS: ts, Text: "hello"}, nil
	})
	require.NoError(t, err)
	msgs, err := st.ListMessagesSince("room:general", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "room:general", msgs[0].Conversation)
}

func TestAuthenticate(t *testing.T) {
	d, _ := newTestDirectory(t)
	mustRegister(t, d, "alice@example.com", "Alice")

	u, err := d.Authenticate("alice@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Name)

	_, err = d.Authenticate("alice@example.com", "wrong")
	assert.ErrorIs(t, err, serrors.ErrForbidden)

	// unknown users fail the same way as wrong passwords
	_, err = d.Authenticate("nobody@example.com", "secret123")
	assert.ErrorIs(t, err, serrors.ErrForbidden)
}

func TestSetAvatar(t *testing.T) {
	d, _ := newTestDirectory(t)
	mustRegister(t, d, "alice@example.com", "Alice")

	u, err := d.SetAvatar("alice@example.com", "files/new.png")
	require.NoError(t, err)
	assert.Equal(t, "files/new.png", u.Avatar)

	_, err = d.SetAvatar("nobody@example.com", "x")
	assert.ErrorIs(t, err, serrors.ErrNotFound)
}

func TestMembershipStateMachine(t *testing.T) {
	d, _ := newTestDirectory(t)
	mustRegister(t, d, "alice@example.com", "Alice")
	mustRegister(t, d, "bob@example.com", "Bob")

	room, err := d.CreateRoom("general", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com"}, room.Members)
	assert.Empty(t, room.Pending)

	// unknown users cannot request to join
	_, err = d.RequestJoin("general", "ghost@example.com")
	assert.ErrorIs(t, err, serrors.ErrNotFound)

	room, err = d.RequestJoin("general", "bob@example.com")
	require.NoError(t, err)
	assert.True(t, room.IsPending("bob@example.com"))
	assert.False(t, room.IsMember("bob@example.com"))

	// repeat requests are idempotent
	room, err = d.RequestJoin("general", "bob@example.com")
	require.NoError(t, err)
	assert.Len(t, room.Pending, 1)

	// only the creator decides
	_, err = d.ApproveJoin("general", "bob@example.com", "bob@example.com")
	assert.ErrorIs(t, err, serrors.ErrForbidden)
	_, err = d.DenyJoin("general", "bob@example.com", "bob@example.com")
	assert.ErrorIs(t, err, serrors.ErrForbidden)

	room, err = d.ApproveJoin("general", "alice@example.com", "bob@example.com")
	require.NoError(t, err)
	assert.True(t, room.IsMember("bob@example.com"))
	assert.False(t, room.IsPending("bob@example.com"))

	// approval is terminal: re-approving and late denial are no-ops
	room, err = d.ApproveJoin("general", "alice@example.com", "bob@example.com")
	require.NoError(t, err)
	assert.True(t, room.IsMember("bob@example.com"))
	room, err = d.DenyJoin("general", "alice@example.com", "bob@example.com")
	require.NoError(t, err)
	assert.True(t, room.IsMember("bob@example.com"))

	// a member may request again without losing membership
	room, err = d.RequestJoin("general", "bob@example.com")
	require.NoError(t, err)
	assert.True(t, room.IsMember("bob@example.com"))
	assert.False(t, room.IsPending("bob@example.com"))
}

func TestApproveWithoutRequest(t *testing.T) {
	d, _ := newTestDirectory(t)
	mustRegister(t, d, "alice@example.com", "Alice")
	mustRegister(t, d, "bob@example.com", "Bob")
	_, err := d.CreateRoom("general", "alice@example.com")
	require.NoError(t, err)

	_, err = d.ApproveJoin("general", "alice@example.com", "bob@example.com")
	assert.ErrorIs(t, err, serrors.ErrNotFound)
}

func TestDenyReturnsToNone(t *testing.T) {
	d, _ := newTestDirectory(t)
	mustRegister(t, d, "alice@example.com", "Alice")
	mustRegister(t, d, "bob@example.com", "Bob")
	_, err := d.CreateRoom("general", "alice@example.com")
	require.NoError(t, err)

	_, err = d.RequestJoin("general", "bob@example.com")
	require.NoError(t, err)
	room, err := d.DenyJoin("general", "alice@example.com", "bob@example.com")
	require.NoError(t, err)
	assert.False(t, room.IsPending("bob@example.com"))
	assert.False(t, room.IsMember("bob@example.com"))

	// denial is not a ban: the user may ask again
	room, err = d.RequestJoin("general", "bob@example.com")
	require.NoError(t, err)
	assert.True(t, room.IsPending("bob@example.com"))
}

func TestRemoveMember(t *testing.T) {
	d, _ := newTestDirectory(t)
	mustRegister(t, d, "alice@example.com", "Alice")
	mustRegister(t, d, "bob@example.com", "Bob")
	_, err := d.CreateRoom("general", "alice@example.com")
	require.NoError(t, err)
	_, err = d.RequestJoin("general", "bob@example.com")
	require.NoError(t, err)
	_, err = d.ApproveJoin("general", "alice@example.com", "bob@example.com")
	require.NoError(t, err)

	_, err = d.RemoveMember("general", "bob@example.com", "alice@example.com")
	assert.ErrorIs(t, err, serrors.ErrForbidden)
	_, err = d.RemoveMember("general", "alice@example.com", "alice@example.com")
	assert.ErrorIs(t, err, serrors.ErrInvalidArgument)

	room, err := d.RemoveMember("general", "alice@example.com", "bob@example.com")
	require.NoError(t, err)
	assert.False(t, room.IsMember("bob@example.com"))

	// removing a non-member is a no-op
	_, err = d.RemoveMember("general", "alice@example.com", "bob@example.com")
	require.NoError(t, err)
}

func TestDeleteRoom(t *testing.T) {
	d, _ := newTestDirectory(t)
	mustRegister(t, d, "alice@example.com", "Alice")
	mustRegister(t, d, "bob@example.com", "Bob")
	_, err := d.CreateRoom("general", "alice@example.com")
	require.NoError(t, err)

	assert.ErrorIs(t, d.DeleteRoom("general", "bob@example.com"), serrors.ErrForbidden)
	require.NoError(t, d.DeleteRoom("general", "alice@example.com"))
	_, err = d.GetRoom("general")
	assert.ErrorIs(t, err, serrors.ErrNotFound)
}

func TestExpirePending(t *testing.T) {
	d, st := newTestDirectory(t)
	mustRegister(t, d, "alice@example.com", "Alice")
	mustRegister(t, d, "bob@example.com", "Bob")
	mustRegister(t, d, "carol@example.com", "Carol")
	_, err := d.CreateRoom("general", "alice@example.com")
	require.NoError(t, err)
	_, err = d.RequestJoin("general", "bob@example.com")
	require.NoError(t, err)
	_, err = d.RequestJoin("general", "carol@example.com")
	require.NoError(t, err)

	// age only bob's request past the cutoff
	_, err = st.UpdateRoom("general", func(r *models.Room) error {
		r.PendingTS["bob@example.com"] = time.Now().UTC().Add(-48 * time.Hour).UnixNano()
		return nil
	})
	require.NoError(t, err)

	n, err := d.ExpirePending(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	room, err := d.GetRoom("general")
	require.NoError(t, err)
	assert.False(t, room.IsPending("bob@example.com"))
	assert.True(t, room.IsPending("carol@example.com"))

	// an expired request may be refiled
	room, err = d.RequestJoin("general", "bob@example.com")
	require.NoError(t, err)
	assert.True(t, room.IsPending("bob@example.com"))
}

func TestChangeFeedEmission(t *testing.T) {
	d, _ := newTestDirectory(t)
	var seen []string
	d.SetChangeListener(func(c models.DirectoryChange) { seen = append(seen, c.Kind) })

	mustRegister(t, d, "alice@example.com", "Alice")
	mustRegister(t, d, "bob@example.com", "Bob")
	_, err := d.CreateRoom("general", "alice@example.com")
	require.NoError(t, err)
	_, err = d.RequestJoin("general", "bob@example.com")
	require.NoError(t, err)
	_, err = d.ApproveJoin("general", "alice@example.com", "bob@example.com")
	require.NoError(t, err)
	require.NoError(t, d.DeleteRoom("general", "alice@example.com"))

	assert.Equal(t, []string{
		models.ChangeUserRegistered,
		models.ChangeUserRegistered,
		models.ChangeRoomCreated,
		models.ChangeRoomUpdated,
		models.ChangeRoomUpdated,
		models.ChangeRoomDeleted,
	}, seen)

	changes, err := d.Changes(0, 0)
	require.NoError(t, err)
	require.Len(t, changes, 6)
	for i, c := range changes {
		assert.Equal(t, uint64(i+1), c.Seq)
	}

	// no-op transitions emit nothing
	before := len(seen)
	_, err = d.RequestJoin("general2", "bob@example.com")
	assert.Error(t, err)
	assert.Len(t, seen, before)
}
