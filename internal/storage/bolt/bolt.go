package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/clinicops/equipwatch/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketSessions       = "usage_sessions"
	bucketSessionsOpen   = "usage_sessions_open"
	bucketSessionsDevice = "usage_sessions_device_open"
	bucketProfiles       = "energy_profiles"
	bucketInsights       = "insights"
	bucketInsightsOpen   = "insights_open"
	bucketAppointments   = "appointments"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			[]byte(bucketSessions),
			[]byte(bucketSessionsOpen),
			[]byte(bucketSessionsDevice),
			[]byte(bucketProfiles),
			[]byte(bucketInsights),
			[]byte(bucketInsightsOpen),
			[]byte(bucketAppointments),
		}

		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{db: s.db} }

// Profiles returns the energy profile store.
func (s *Store) Profiles() storage.ProfileStore { return &profileStore{db: s.db} }

// Insights returns the insight store.
func (s *Store) Insights() storage.InsightStore { return &insightStore{db: s.db} }

// Appointments returns the appointment store.
func (s *Store) Appointments() storage.AppointmentStore { return &appointmentStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func bucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("bucket missing: %s", name)
	}
	return b, nil
}

func getBucketValue[T any](ctx context.Context, db *bbolt.DB, bucketName string, key string) (*T, error) {
	var item *T
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		var result T
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		item = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func putBucketValue(ctx context.Context, db *bbolt.DB, bucketName string, key string, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// scanPrefix decodes every value whose key starts with prefix. An empty
// prefix scans the whole bucket.
func scanPrefix[T any](ctx context.Context, db *bbolt.DB, bucketName string, prefix string, keep func(T) bool) ([]T, error) {
	items := make([]T, 0)
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var item T
			if err := unmarshal(v, &item); err != nil {
				return err
			}
			if keep == nil || keep(item) {
				items = append(items, item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func openSessionKey(appointmentID, equipmentID string) string {
	return appointmentID + "/" + equipmentID
}

// deviceSessionKey indexes every open session bound to a device.
func deviceSessionKey(deviceID, sessionID string) string {
	return deviceSessionPrefix(deviceID) + sessionID
}

func deviceSessionPrefix(deviceID string) string {
	return deviceID + "\x00"
}

func openInsightKey(appointmentID string, insightType storage.InsightType) string {
	return appointmentID + "/" + string(insightType)
}
