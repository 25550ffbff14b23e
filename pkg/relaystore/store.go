package relaystore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRooms = []byte("rooms")

// Store is a bbolt-backed, room-keyed store of the latest encoded document
// bytes for every room the relay has ever seen (§4.I "Persistence").
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the bbolt file at <dataDir>/relay.db,
// creating dataDir itself if it doesn't already exist.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("relaystore: mkdir %s: %w", dataDir, err)
	}
	dbPath := filepath.Join(dataDir, "relay.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("relaystore: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRooms)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("relaystore: create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRoom persists the full encoded state for room, overwriting any
// previous value.
func (s *Store) SaveRoom(room string, encoded []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		return b.Put([]byte(room), encoded)
	})
}

// LoadRoom returns the stored encoded state for room, if any.
func (s *Store) LoadRoom(room string) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		v := b.Get([]byte(room))
		if v == nil {
			return nil
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("relaystore: load room %s: %w", room, err)
	}
	return data, data != nil, nil
}

// DeleteRoom removes any stored state for room.
func (s *Store) DeleteRoom(room string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		return b.Delete([]byte(room))
	})
}

// RoomNames lists every room with stored state.
func (s *Store) RoomNames() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		return b.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("relaystore: list rooms: %w", err)
	}
	return names, nil
}
