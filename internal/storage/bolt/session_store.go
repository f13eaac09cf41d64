package bolt

import (
	"bytes"
	"context"

	"github.com/clinicops/equipwatch/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

func (s *sessionStore) CreateSession(ctx context.Context, session storage.UsageSession) error {
	data, err := marshal(session)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sessions, err := bucket(tx, bucketSessions)
		if err != nil {
			return err
		}
		open, err := bucket(tx, bucketSessionsOpen)
		if err != nil {
			return err
		}
		devices, err := bucket(tx, bucketSessionsDevice)
		if err != nil {
			return err
		}

		openKey := []byte(openSessionKey(session.AppointmentID, session.EquipmentID))
		if open.Get(openKey) != nil {
			return storage.ErrOpenSessionExists
		}
		if sessions.Get([]byte(session.ID)) != nil {
			return storage.ErrConflict
		}

		if err := sessions.Put([]byte(session.ID), data); err != nil {
			return err
		}
		if session.Status.Open() {
			if err := open.Put(openKey, []byte(session.ID)); err != nil {
				return err
			}
			if session.DeviceID != "" {
				if err := devices.Put([]byte(deviceSessionKey(session.DeviceID, session.ID)), []byte(session.ID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *sessionStore) GetSession(ctx context.Context, id string) (*storage.UsageSession, error) {
	return getBucketValue[storage.UsageSession](ctx, s.db, bucketSessions, id)
}

func (s *sessionStore) UpdateSession(ctx context.Context, session storage.UsageSession, expectedVersion int64) error {
	data, err := marshal(session)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sessions, err := bucket(tx, bucketSessions)
		if err != nil {
			return err
		}

		existing := sessions.Get([]byte(session.ID))
		if existing == nil {
			return storage.ErrNotFound
		}
		var current storage.UsageSession
		if err := unmarshal(existing, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return storage.ErrConflict
		}

		if err := sessions.Put([]byte(session.ID), data); err != nil {
			return err
		}
		if session.Status.Open() {
			return nil
		}

		// Terminal state: release the open-session and device indexes.
		open, err := bucket(tx, bucketSessionsOpen)
		if err != nil {
			return err
		}
		openKey := []byte(openSessionKey(session.AppointmentID, session.EquipmentID))
		if string(open.Get(openKey)) == session.ID {
			if err := open.Delete(openKey); err != nil {
				return err
			}
		}
		if session.DeviceID != "" {
			devices, err := bucket(tx, bucketSessionsDevice)
			if err != nil {
				return err
			}
			if err := devices.Delete([]byte(deviceSessionKey(session.DeviceID, session.ID))); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sessionStore) FindOpenSession(ctx context.Context, appointmentID, equipmentID string) (*storage.UsageSession, error) {
	return s.lookupIndexed(ctx, bucketSessionsOpen, openSessionKey(appointmentID, equipmentID))
}

// FindOpenSessionByDevice returns the most recently started open session
// bound to the device.
func (s *sessionStore) FindOpenSessionByDevice(ctx context.Context, deviceID string) (*storage.UsageSession, error) {
	var latest *storage.UsageSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		devices, err := bucket(tx, bucketSessionsDevice)
		if err != nil {
			return err
		}
		sessions, err := bucket(tx, bucketSessions)
		if err != nil {
			return err
		}

		c := devices.Cursor()
		prefix := []byte(deviceSessionPrefix(deviceID))
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			value := sessions.Get(id)
			if value == nil {
				continue
			}
			var session storage.UsageSession
			if err := unmarshal(value, &session); err != nil {
				return err
			}
			if !session.Status.Open() {
				continue
			}
			if latest == nil || storage.StartedAfter(session, *latest) {
				latest = &session
			}
		}
		if latest == nil {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

func (s *sessionStore) lookupIndexed(ctx context.Context, index, key string) (*storage.UsageSession, error) {
	var session *storage.UsageSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		idx, err := bucket(tx, index)
		if err != nil {
			return err
		}
		id := idx.Get([]byte(key))
		if id == nil {
			return storage.ErrNotFound
		}
		sessions, err := bucket(tx, bucketSessions)
		if err != nil {
			return err
		}
		value := sessions.Get(id)
		if value == nil {
			return storage.ErrNotFound
		}
		var result storage.UsageSession
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		if !result.Status.Open() {
			return storage.ErrNotFound
		}
		session = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *sessionStore) ListOpenSessions(ctx context.Context) ([]storage.UsageSession, error) {
	sessions := make([]storage.UsageSession, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		open, err := bucket(tx, bucketSessionsOpen)
		if err != nil {
			return err
		}
		all, err := bucket(tx, bucketSessions)
		if err != nil {
			return err
		}
		return open.ForEach(func(_, id []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			value := all.Get(id)
			if value == nil {
				return nil
			}
			var session storage.UsageSession
			if err := unmarshal(value, &session); err != nil {
				return err
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortSessionsByStart(sessions)
	return sessions, nil
}

func (s *sessionStore) ListCompletedSessions(ctx context.Context, systemID string, window storage.DateRange) ([]storage.UsageSession, error) {
	sessions, err := scanPrefix(ctx, s.db, bucketSessions, "", func(session storage.UsageSession) bool {
		if session.Status != storage.SessionCompleted || session.EndedAt == nil {
			return false
		}
		if systemID != "" && session.SystemID != systemID {
			return false
		}
		return window.Contains(*session.EndedAt)
	})
	if err != nil {
		return nil, err
	}
	storage.SortSessionsByEnd(sessions)
	return sessions, nil
}
