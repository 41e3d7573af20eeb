// Package settings persists local preferences of one account in a bbolt
// database.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"maunium.net/go/mautrix/id"
)

const (
	keyHideMembershipEvents = "hideMembershipEvents"
	keyHideNickAvatarEvents = "hideNickAvatarEvents"
	bucketMutedRooms        = "mutedRooms"
)

var ErrClosed = errors.New("settings store is closed")

// Store keeps the settings of one user in its own bucket.
type Store struct {
	db     *bolt.DB
	bucket []byte
}

func Open(path string, userID id.UserID) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings path is required")
	}

	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}

	s := &Store{db: db, bucket: []byte(userID)}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}

		_, err = b.CreateBucketIfNotExists([]byte(bucketMutedRooms))

		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create settings bucket: %w", err)
	}

	logger.Debugf("opened %s for %s", path, userID)

	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	return err
}

func (s *Store) getBool(key string) (bool, error) {
	if s.db == nil {
		return false, ErrClosed
	}

	var res bool

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(s.bucket).Get([]byte(key)); len(v) == 1 {
			res = v[0] == 1
		}

		return nil
	})

	return res, err
}

func (s *Store) setBool(key string, value bool) error {
	if s.db == nil {
		return ErrClosed
	}

	v := []byte{0}
	if value {
		v[0] = 1
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), v)
	})
}

func (s *Store) HideMembershipEvents() (bool, error) {
	return s.getBool(keyHideMembershipEvents)
}

func (s *Store) SetHideMembershipEvents(hide bool) error {
	return s.setBool(keyHideMembershipEvents, hide)
}

func (s *Store) HideNickAvatarEvents() (bool, error) {
	return s.getBool(keyHideNickAvatarEvents)
}

func (s *Store) SetHideNickAvatarEvents(hide bool) error {
	return s.setBool(keyHideNickAvatarEvents, hide)
}

// MutedRooms returns the locally mirrored muted rooms in key order.
func (s *Store) MutedRooms() ([]id.RoomID, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	var rooms []id.RoomID

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Bucket([]byte(bucketMutedRooms)).ForEach(func(k, _ []byte) error {
			rooms = append(rooms, id.RoomID(k))
			return nil
		})
	})

	return rooms, err
}

// SetMutedRooms replaces the mirrored muted rooms.
func (s *Store) SetMutedRooms(rooms []id.RoomID) error {
	if s.db == nil {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)

		if err := b.DeleteBucket([]byte(bucketMutedRooms)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}

		muted, err := b.CreateBucket([]byte(bucketMutedRooms))
		if err != nil {
			return err
		}

		for _, roomID := range rooms {
			if err := muted.Put([]byte(roomID), []byte{1}); err != nil {
				return err
			}
		}

		return nil
	})
}
