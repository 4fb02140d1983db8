// Package store persists the lobby directory so named lobbies survive a
// server restart. Membership is never stored; only what is needed to
// recreate an empty lobby.
package store

import (
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/skshohagmiah/rally/internal/protocol"
)

var (
	ErrNotFound = errors.New("store: lobby not found")
	ErrExists   = errors.New("store: lobby already stored")
)

var lobbyPrefix = []byte("lobby/")

// LobbyRecord is the stored form of a lobby.
type LobbyRecord struct {
	ID        uuid.UUID
	Name      string
	Capacity  int32
	CreatedAt int64
}

func (*LobbyRecord) MessageType() string { return "rally.store.LobbyRecord" }

func (r *LobbyRecord) Fields(f protocol.Fields) {
	f.UUID(&r.ID)
	f.String(&r.Name)
	f.Int32(&r.Capacity)
	f.Int64(&r.CreatedAt)
}

// LobbyStore is a badger-backed lobby directory.
type LobbyStore struct {
	db *badger.DB
	s  *protocol.Serializer
}

// Open opens or creates the directory under path. An empty path keeps
// everything in memory.
func Open(path string) (*LobbyStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.NumVersionsToKeep = 1
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open lobby store %q", path)
	}

	s := protocol.NewSerializer()
	protocol.MustRegister[LobbyRecord](s)
	return &LobbyStore{db: db, s: s}, nil
}

func (ls *LobbyStore) Close() error {
	return ls.db.Close()
}

func lobbyKey(id uuid.UUID) []byte {
	return append(append([]byte(nil), lobbyPrefix...), id[:]...)
}

// Put stores a new lobby. Storing the same id twice fails with ErrExists.
func (ls *LobbyStore) Put(rec LobbyRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	b, err := ls.s.Marshal(&rec)
	if err != nil {
		return err
	}
	return ls.db.Update(func(txn *badger.Txn) error {
		key := lobbyKey(rec.ID)
		ok, err := existsKey(txn, key)
		if err != nil {
			return err
		}
		if ok {
			return errors.Wrapf(ErrExists, "%s", rec.ID)
		}
		return txn.Set(key, b)
	})
}

func (ls *LobbyStore) Get(id uuid.UUID) (LobbyRecord, error) {
	var rec LobbyRecord
	err := ls.db.View(func(txn *badger.Txn) error {
		b, err := getKey(txn, lobbyKey(id))
		if err != nil {
			return err
		}
		if b == nil {
			return errors.Wrapf(ErrNotFound, "%s", id)
		}
		return ls.s.Unmarshal(b, &rec)
	})
	return rec, err
}

// Delete removes a lobby. Deleting an unknown id is not an error.
func (ls *LobbyStore) Delete(id uuid.UUID) error {
	return ls.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(lobbyKey(id))
	})
}

// List returns every stored lobby ordered by creation time.
func (ls *LobbyStore) List() ([]LobbyRecord, error) {
	var out []LobbyRecord
	err := ls.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, lobbyPrefix, func(_, val []byte) error {
			var rec LobbyRecord
			if err := ls.s.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}
