// Package directory owns the registered-user set, the room records and
// the membership state machine. Per (room, user) pair the states are
// NONE -> PENDING -> MEMBER, with PENDING -> NONE on denial or expiry
// and MEMBER -> NONE on removal. A room's member and pending sets live
// in one record and are mutated under the room's lock, so no reader
// ever observes a user in both sets or in neither mid-transition.
package directory

import (
	"strings"
	"time"

	"github.com/samber/lo"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/serrors"
	"chatrelay/pkg/store"
)

// Directory is the authoritative source for users, rooms and membership.
type Directory struct {
	st *store.Store

	// onChange receives every committed directory change, after the
	// change is durably appended to the feed. Set once at wiring time.
	onChange func(models.DirectoryChange)
}

// New constructs a Directory over the given store.
func New(st *store.Store) *Directory {
	return &Directory{st: st}
}

// SetChangeListener installs the fan-out hook for committed changes.
// Must be called before the directory starts serving requests.
func (d *Directory) SetChangeListener(fn func(models.DirectoryChange)) {
	d.onChange = fn
}

// --- users ---

// RegisterUser creates a user and stores the password digest. The email
// is trusted as an opaque unique key.
func (d *Directory) RegisterUser(email, name, avatar, password string) (models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || name == "" || password == "" {
		return models.User{}, serrors.InvalidArgumentf("email, name and password are required")
	}
	// "|" separates private pair keys and ":" separates key segments;
	// an email carrying either would alias another record's key range.
	if strings.ContainsAny(email, "|:") {
		return models.User{}, serrors.InvalidArgumentf("invalid email %q", email)
	}
	u := models.User{
		Email:     email,
		Name:      name,
		Avatar:    avatar,
		CreatedTS: time.Now().UTC().UnixNano(),
	}
	if err := d.st.CreateUser(u); err != nil {
		return models.User{}, err
	}
	digest, err := hashPassword(password)
	if err != nil {
		return models.User{}, err
	}
	if err := d.st.SaveCredential(email, digest); err != nil {
		return models.User{}, err
	}
	d.emit(models.DirectoryChange{Kind: models.ChangeUserRegistered, User: &u})
	return u, nil
}

// Authenticate verifies email/password and returns the user. Failures
// are reported as Forbidden without distinguishing unknown users from
// wrong passwords.
func (d *Directory) Authenticate(email, password string) (models.User, error) {
	digest, err := d.st.GetCredential(email)
	if err != nil {
		return models.User{}, serrors.Forbiddenf("invalid credentials")
	}
	ok, err := comparePassword(password, string(digest))
	if err != nil || !ok {
		return models.User{}, serrors.Forbiddenf("invalid credentials")
	}
	return d.st.GetUser(email)
}

// SetAvatar updates a user's avatar reference, the only mutable user
// attribute.
func (d *Directory) SetAvatar(email, avatar string) (models.User, error) {
	u, err := d.st.UpdateUser(email, func(u *models.User) error {
		u.Avatar = avatar
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	d.emit(models.DirectoryChange{Kind: models.ChangeUserUpdated, User: &u})
	return u, nil
}

// GetUser returns a registered user.
func (d *Directory) GetUser(email string) (models.User, error) {
	return d.st.GetUser(email)
}

// ListUsers returns all registered users.
func (d *Directory) ListUsers() ([]models.User, error) {
	return d.st.ListUsers()
}

// --- rooms ---

// CreateRoom creates a room owned by creator, with members = {creator}.
func (d *Directory) CreateRoom(name, creator string) (models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Room{}, serrors.InvalidArgumentf("room name is required")
	}
	// ":" separates key segments; a name like "a:msg:<seq>" would land
	// inside another room's message range.
	if strings.Contains(name, ":") {
		return models.Room{}, serrors.InvalidArgumentf("invalid room name %q", name)
	}
	if _, err := d.st.GetUser(creator); err != nil {
		return models.Room{}, err
	}
	r := models.Room{
		Name:      name,
		Creator:   creator,
		Members:   []string{creator},
		Pending:   []string{},
		CreatedTS: time.Now().UTC().UnixNano(),
	}
	if err := d.st.CreateRoom(r); err != nil {
		return models.Room{}, err
	}
	d.emit(models.DirectoryChange{Kind: models.ChangeRoomCreated, Room: &r})
	return r, nil
}

// GetRoom returns a room record.
func (d *Directory) GetRoom(name string) (models.Room, error) {
	return d.st.GetRoom(name)
}

// ListRooms returns all rooms.
func (d *Directory) ListRooms() ([]models.Room, error) {
	return d.st.ListRooms()
}

// RequestJoin transitions (room, user) from NONE to PENDING. Already
// a member or already pending is a no-op success: approval is terminal,
// and repeated requests are idempotent.
func (d *Directory) RequestJoin(name, email string) (models.Room, error) {
	if _, err := d.st.GetUser(email); err != nil {
		return models.Room{}, err
	}
	changed := false
	r, err := d.st.UpdateRoom(name, func(r *models.Room) error {
		if r.IsMember(email) || r.IsPending(email) {
			return nil
		}
		r.Pending = append(r.Pending, email)
		if r.PendingTS == nil {
			r.PendingTS = map[string]int64{}
		}
		r.PendingTS[email] = time.Now().UTC().UnixNano()
		changed = true
		return nil
	})
	if err != nil {
		return models.Room{}, err
	}
	if changed {
		d.emit(models.DirectoryChange{Kind: models.ChangeRoomUpdated, Room: &r})
	}
	return r, nil
}

// ApproveJoin transitions (room, user) from PENDING to MEMBER. Only the
// room's creator may approve. The user leaves pending and joins members
// in a single record write. Approving a current member is a no-op;
// approving a user with no pending request is NotFound.
func (d *Directory) ApproveJoin(name, requester, email string) (models.Room, error) {
	changed := false
	r, err := d.st.UpdateRoom(name, func(r *models.Room) error {
		if r.Creator != requester {
			return serrors.Forbiddenf("only the creator of %s may approve joins", name)
		}
		if r.IsMember(email) {
			return nil
		}
		if !r.IsPending(email) {
			return serrors.NotFoundf("no pending request for %s in %s", email, name)
		}
		r.Pending = lo.Without(r.Pending, email)
		delete(r.PendingTS, email)
		r.Members = append(r.Members, email)
		changed = true
		return nil
	})
	if err != nil {
		return models.Room{}, err
	}
	if changed {
		d.emit(models.DirectoryChange{Kind: models.ChangeRoomUpdated, Room: &r})
	}
	return r, nil
}

// DenyJoin transitions (room, user) from PENDING back to NONE. Only the
// creator may deny. Denying a member or a user with no pending request
// is a no-op: a lost race against approval is not an error.
func (d *Directory) DenyJoin(name, requester, email string) (models.Room, error) {
	changed := false
	r, err := d.st.UpdateRoom(name, func(r *models.Room) error {
		if r.Creator != requester {
			return serrors.Forbiddenf("only the creator of %s may deny joins", name)
		}
		if !r.IsPending(email) {
			return nil
		}
		r.Pending = lo.Without(r.Pending, email)
		delete(r.PendingTS, email)
		changed = true
		return nil
	})
	if err != nil {
		return models.Room{}, err
	}
	if changed {
		d.emit(models.DirectoryChange{Kind: models.ChangeRoomUpdated, Room: &r})
	}
	return r, nil
}

// RemoveMember transitions (room, user) from MEMBER back to NONE. Only
// the creator may remove, and the creator cannot be removed. Removing
// a non-member is a no-op.
func (d *Directory) RemoveMember(name, requester, email string) (models.Room, error) {
	changed := false
	r, err := d.st.UpdateRoom(name, func(r *models.Room) error {
		if r.Creator != requester {
			return serrors.Forbiddenf("only the creator of %s may remove members", name)
		}
		if email == r.Creator {
			return serrors.InvalidArgumentf("creator cannot be removed from %s", name)
		}
		if !r.IsMember(email) {
			return nil
		}
		r.Members = lo.Without(r.Members, email)
		changed = true
		return nil
	})
	if err != nil {
		return models.Room{}, err
	}
	if changed {
		d.emit(models.DirectoryChange{Kind: models.ChangeRoomUpdated, Room: &r})
	}
	return r, nil
}

// DeleteRoom removes the room and cascades to its message log. Only the
// creator may delete. Subsequent reads of the room or its log fail with
// NotFound.
func (d *Directory) DeleteRoom(name, requester string) error {
	err := d.st.DeleteRoomCascade(name, func(r *models.Room) error {
		if r.Creator != requester {
			return serrors.Forbiddenf("only the creator of %s may delete it", name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.emit(models.DirectoryChange{Kind: models.ChangeRoomDeleted, RoomName: name})
	return nil
}

// ExpirePending sweeps join requests older than maxAge back to NONE
// across all rooms and returns the number of expired requests.
func (d *Directory) ExpirePending(maxAge time.Duration) (int, error) {
	rooms, err := d.st.ListRooms()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-maxAge).UnixNano()
	expired := 0
	for _, room := range rooms {
		stale := lo.Filter(room.Pending, func(email string, _ int) bool {
			ts, ok := room.PendingTS[email]
			return ok && ts < cutoff
		})
		if len(stale) == 0 {
			continue
		}
		changed := false
		r, err := d.st.UpdateRoom(room.Name, func(r *models.Room) error {
			for _, email := range stale {
				if !r.IsPending(email) {
					continue
				}
				ts, ok := r.PendingTS[email]
				if !ok || ts >= cutoff {
					continue
				}
				r.Pending = lo.Without(r.Pending, email)
				delete(r.PendingTS, email)
				expired++
				changed = true
			}
			return nil
		})
		if err != nil {
			// room deleted between list and update; skip
			continue
		}
		if changed {
			logger.Info("pending_requests_expired", "room", r.Name, "count", len(stale))
			d.emit(models.DirectoryChange{Kind: models.ChangeRoomUpdated, Room: &r})
		}
	}
	return expired, nil
}

// Changes returns directory feed entries with seq > after, ascending.
func (d *Directory) Changes(after uint64, limit int) ([]models.DirectoryChange, error) {
	return d.st.ListChangesSince(after, limit)
}

// emit appends a committed change to the feed and hands it to the
// listener. Feed append failures are logged, not surfaced: the feed is
// an optimization and full state remains readable via ListUsers and
// ListRooms.
func (d *Directory) emit(c models.DirectoryChange) {
	stored, err := d.st.AppendChange(func(seq uint64, ts int64) (models.DirectoryChange, error) {
		return c, nil
	})
	if err != nil {
		logger.Error("change_feed_append_failed", "kind", c.Kind, "error", err)
		return
	}
	if d.onChange != nil {
		d.onChange(stored)
	}
}
