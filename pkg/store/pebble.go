package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/serrors"
)

// Store is the pebble-backed directory and log storage. All mutating
// operations on a given conversation or room are serialized by per-key
// locks; the lock scope covers only the in-memory mutation and the
// durable write, never network I/O.
type Store struct {
	db    *pebble.DB
	path  string
	locks *keyLocks

	// lastSeq caches the highest assigned sequence number per log key
	// (conversation or directory feed). Entries are recovered from the
	// key space on first use. Guarded by seqMu; per-key locks already
	// exclude concurrent assignment for the same key.
	seqMu   sync.Mutex
	lastSeq map[string]uint64
}

// Open opens (or creates) a pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, serrors.Unavailablef("open pebble at %s: %v", path, err)
	}
	logger.Info("pebble_opened", "path", path)
	return &Store{
		db:      db,
		path:    path,
		locks:   newKeyLocks(),
		lastSeq: make(map[string]uint64),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("pebble_closed")
	return err
}

// Ready reports whether the store is opened and usable.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

// --- users ---

// CreateUser stores a new user record; Conflict if the email is taken.
func (s *Store) CreateUser(u models.User) error {
	unlock := s.locks.lock("user:" + u.Email)
	defer unlock()
	if _, err := s.get(userKey(u.Email)); err == nil {
		return serrors.Conflictf("user %s already registered", u.Email)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := s.db.Set(userKey(u.Email), data, pebble.Sync); err != nil {
		logger.Error("save_user_failed", "user", u.Email, "error", err)
		return serrors.Unavailablef("save user: %v", err)
	}
	logger.Info("user_saved", "user", u.Email)
	return nil
}

// UpdateUser applies fn to the stored user under the user's lock.
func (s *Store) UpdateUser(email string, fn func(*models.User) error) (models.User, error) {
	unlock := s.locks.lock("user:" + email)
	defer unlock()
	var u models.User
	data, err := s.get(userKey(email))
	if err != nil {
		return u, serrors.NotFoundf("user %s", email)
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("invalid stored user %s: %w", email, err)
	}
	if err := fn(&u); err != nil {
		return u, err
	}
	nb, err := json.Marshal(u)
	if err != nil {
		return u, fmt.Errorf("marshal user: %w", err)
	}
	if err := s.db.Set(userKey(email), nb, pebble.Sync); err != nil {
		return u, serrors.Unavailablef("save user: %v", err)
	}
	return u, nil
}

// GetUser returns the user for the given email.
func (s *Store) GetUser(email string) (models.User, error) {
	var u models.User
	data, err := s.get(userKey(email))
	if err != nil {
		return u, serrors.NotFoundf("user %s", email)
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("invalid stored user %s: %w", email, err)
	}
	return u, nil
}

// ListUsers returns all registered users.
func (s *Store) ListUsers() ([]models.User, error) {
	vals, err := s.scanPrefix([]byte("user:"), 0)
	if err != nil {
		return nil, err
	}
	out := make([]models.User, 0, len(vals))
	for _, v := range vals {
		var u models.User
		if err := json.Unmarshal(v, &u); err != nil {
			logger.Error("list_users_invalid_record", "error", err)
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// SaveCredential stores the password digest for a user.
func (s *Store) SaveCredential(email string, digest []byte) error {
	if err := s.db.Set(credKey(email), digest, pebble.Sync); err != nil {
		return serrors.Unavailablef("save credential: %v", err)
	}
	return nil
}

// GetCredential returns the stored password digest for a user.
func (s *Store) GetCredential(email string) ([]byte, error) {
	data, err := s.get(credKey(email))
	if err != nil {
		return nil, serrors.NotFoundf("credential for %s", email)
	}
	return data, nil
}

// --- rooms ---

// CreateRoom stores a new room record; Conflict if the name is taken.
func (s *Store) CreateRoom(r models.Room) error {
	unlock := s.locks.lock("room:" + r.Name)
	defer unlock()
	if _, err := s.get(roomKey(r.Name)); err == nil {
		return serrors.Conflictf("room %s already exists", r.Name)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	if err := s.db.Set(roomKey(r.Name), data, pebble.Sync); err != nil {
		logger.Error("save_room_failed", "room", r.Name, "error", err)
		return serrors.Unavailablef("save room: %v", err)
	}
	logger.Info("room_saved", "room", r.Name)
	return nil
}

// GetRoom returns the room record for the given name.
func (s *Store) GetRoom(name string) (models.Room, error) {
	var r models.Room
	data, err := s.get(roomKey(name))
	if err != nil {
		return r, serrors.NotFoundf("room %s", name)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("invalid stored room %s: %w", name, err)
	}
	return r, nil
}

// ListRooms returns all room records.
func (s *Store) ListRooms() ([]models.Room, error) {
	vals, err := s.scanPrefix([]byte("room:"), 0)
	if err != nil {
		return nil, err
	}
	out := make([]models.Room, 0, len(vals))
	for _, v := range vals {
		var r models.Room
		if err := json.Unmarshal(v, &r); err != nil {
			logger.Error("list_rooms_invalid_record", "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// UpdateRoom applies fn to the stored room under the room's lock and
// persists the result as a single write, so membership transitions are
// never partially visible. fn returning an error aborts the update.
func (s *Store) UpdateRoom(name string, fn func(*models.Room) error) (models.Room, error) {
	unlock := s.locks.lock("room:" + name)
	defer unlock()
	var r models.Room
	data, err := s.get(roomKey(name))
	if err != nil {
		return r, serrors.NotFoundf("room %s", name)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("invalid stored room %s: %w", name, err)
	}
	if err := fn(&r); err != nil {
		return r, err
	}
	nb, err := json.Marshal(r)
	if err != nil {
		return r, fmt.Errorf("marshal room: %w", err)
	}
	if err := s.db.Set(roomKey(name), nb, pebble.Sync); err != nil {
		logger.Error("save_room_failed", "room", name, "error", err)
		return r, serrors.Unavailablef("save room: %v", err)
	}
	return r, nil
}

// DeleteRoomCascade removes the room record and its conversation log in
// one batch. check runs under both the room and conversation locks; its
// error aborts the delete. No reader ever observes a room whose log is
// gone but whose record still exists, or vice versa.
func (s *Store) DeleteRoomCascade(name string, check func(*models.Room) error) error {
	convKey := models.RoomConversation(name).Key()

	unlockRoom := s.locks.lock("room:" + name)
	defer unlockRoom()
	unlockConv := s.locks.lock("conv:" + convKey)
	defer unlockConv()

	data, err := s.get(roomKey(name))
	if err != nil {
		return serrors.NotFoundf("room %s", name)
	}
	var r models.Room
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("invalid stored room %s: %w", name, err)
	}
	if check != nil {
		if err := check(&r); err != nil {
			return err
		}
	}

	prefix := []byte(convMsgPrefix(convKey))
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(roomKey(name), nil); err != nil {
		return serrors.Unavailablef("delete room: %v", err)
	}
	if err := b.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return serrors.Unavailablef("delete room log: %v", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("delete_room_failed", "room", name, "error", err)
		return serrors.Unavailablef("delete room: %v", err)
	}

	s.seqMu.Lock()
	delete(s.lastSeq, convKey)
	s.seqMu.Unlock()

	logger.Info("room_deleted", "room", name)
	return nil
}

// --- logs ---

// AppendMessage assigns the next sequence number for the conversation
// and durably appends the message built by fn. fn runs under the
// conversation lock, after sequence assignment but before the write, so
// validation inside fn is atomic with respect to concurrent appends and
// room deletion. fn returning an error aborts the append and the
// sequence number is not consumed.
func (s *Store) AppendMessage(convKey string, fn func(seq uint64, ts int64) (models.Message, error)) (models.Message, error) {
	unlock := s.locks.lock("conv:" + convKey)
	defer unlock()

	last, err := s.lastSeqLocked(convKey, convMsgPrefix(convKey))
	if err != nil {
		return models.Message{}, err
	}
	seq := last + 1
	ts := time.Now().UTC().UnixNano()

	m, err := fn(seq, ts)
	if err != nil {
		return models.Message{}, err
	}
	m.Conversation = convKey
	m.Seq = seq
	m.TS = ts

	data, err := json.Marshal(m)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal message: %w", err)
	}
	key := convMsgKey(convKey, seq)
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		logger.Error("save_message_failed", "conversation", convKey, "seq", seq, "error", err)
		return models.Message{}, serrors.Unavailablef("save message: %v", err)
	}

	s.seqMu.Lock()
	s.lastSeq[convKey] = seq
	s.seqMu.Unlock()

	logger.Info("message_saved", "conversation", convKey, "seq", seq, "sender", m.Sender)
	return m, nil
}

// ListMessagesSince returns messages of a conversation with sequence
// number greater than after, ascending, up to limit (0 = unbounded).
// Repeated calls with the same after value are idempotent given no new
// writes.
func (s *Store) ListMessagesSince(convKey string, after uint64, limit int) ([]models.Message, error) {
	prefix := []byte(convMsgPrefix(convKey))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: convMsgKey(convKey, after+1),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, serrors.Unavailablef("iterate messages: %v", err)
	}
	defer iter.Close()

	out := []models.Message{}
	for iter.First(); iter.Valid(); iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid stored message at %q: %w", iter.Key(), err)
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// AppendChange appends one entry to the global directory change feed,
// assigning the next feed sequence number. Same contract as
// AppendMessage.
func (s *Store) AppendChange(fn func(seq uint64, ts int64) (models.DirectoryChange, error)) (models.DirectoryChange, error) {
	unlock := s.locks.lock(dirChangePrefix)
	defer unlock()

	last, err := s.lastSeqLocked(dirChangePrefix, dirChangePrefix)
	if err != nil {
		return models.DirectoryChange{}, err
	}
	seq := last + 1
	ts := time.Now().UTC().UnixNano()

	c, err := fn(seq, ts)
	if err != nil {
		return models.DirectoryChange{}, err
	}
	c.Seq = seq
	c.TS = ts

	data, err := json.Marshal(c)
	if err != nil {
		return models.DirectoryChange{}, fmt.Errorf("marshal change: %w", err)
	}
	if err := s.db.Set(dirChangeKey(seq), data, pebble.Sync); err != nil {
		logger.Error("save_change_failed", "seq", seq, "error", err)
		return models.DirectoryChange{}, serrors.Unavailablef("save change: %v", err)
	}

	s.seqMu.Lock()
	s.lastSeq[dirChangePrefix] = seq
	s.seqMu.Unlock()

	logger.Debug("change_saved", "seq", seq, "kind", c.Kind)
	return c, nil
}

// ListChangesSince returns directory changes with sequence number
// greater than after, ascending, up to limit (0 = unbounded).
func (s *Store) ListChangesSince(after uint64, limit int) ([]models.DirectoryChange, error) {
	prefix := []byte(dirChangePrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: dirChangeKey(after + 1),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, serrors.Unavailablef("iterate changes: %v", err)
	}
	defer iter.Close()

	out := []models.DirectoryChange{}
	for iter.First(); iter.Valid(); iter.Next() {
		var c models.DirectoryChange
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			return nil, fmt.Errorf("invalid stored change at %q: %w", iter.Key(), err)
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// lastSeqLocked returns the highest assigned sequence for a log key,
// recovering it from the key space on first use. Caller must hold the
// corresponding per-key lock.
func (s *Store) lastSeqLocked(cacheKey, prefix string) (uint64, error) {
	s.seqMu.Lock()
	if v, ok := s.lastSeq[cacheKey]; ok {
		s.seqMu.Unlock()
		return v, nil
	}
	s.seqMu.Unlock()

	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: p,
		UpperBound: prefixUpperBound(p),
	})
	if err != nil {
		return 0, serrors.Unavailablef("recover sequence: %v", err)
	}
	defer iter.Close()

	var last uint64
	if iter.Last() && iter.Valid() {
		last, err = seqFromKey(iter.Key(), len(prefix))
		if err != nil {
			return 0, fmt.Errorf("recover sequence for %s: %w", cacheKey, err)
		}
	}
	if err := iter.Error(); err != nil {
		return 0, serrors.Unavailablef("recover sequence: %v", err)
	}

	s.seqMu.Lock()
	s.lastSeq[cacheKey] = last
	s.seqMu.Unlock()
	return last, nil
}

// --- low-level helpers ---

func (s *Store) get(key []byte) ([]byte, error) {
	if s.db == nil {
		return nil, serrors.Unavailablef("store not opened")
	}
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, err
		}
		return nil, serrors.Unavailablef("get %q: %v", key, err)
	}
	out := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	return out, nil
}

func (s *Store) scanPrefix(prefix []byte, limit int) ([][]byte, error) {
	if s.db == nil {
		return nil, serrors.Unavailablef("store not opened")
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, serrors.Unavailablef("iterate %q: %v", prefix, err)
	}
	defer iter.Close()
	var out [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, append([]byte(nil), iter.Value()...))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}
