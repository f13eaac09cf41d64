package bolt

import (
	"context"

	"github.com/clinicops/equipwatch/internal/storage"
	"go.etcd.io/bbolt"
)

type profileStore struct {
	db *bbolt.DB
}

func (s *profileStore) ReplaceProfile(ctx context.Context, profile storage.EnergyProfile) error {
	return putBucketValue(ctx, s.db, bucketProfiles, profile.Key(), profile)
}

func (s *profileStore) GetProfile(ctx context.Context, systemID, equipmentID, serviceID string) (*storage.EnergyProfile, error) {
	return getBucketValue[storage.EnergyProfile](ctx, s.db, bucketProfiles, storage.ProfileKey(systemID, equipmentID, serviceID))
}

func (s *profileStore) ListProfiles(ctx context.Context, systemID string) ([]storage.EnergyProfile, error) {
	prefix := ""
	if systemID != "" {
		prefix = systemID + "/"
	}
	profiles, err := scanPrefix[storage.EnergyProfile](ctx, s.db, bucketProfiles, prefix, nil)
	if err != nil {
		return nil, err
	}
	storage.SortProfiles(profiles)
	return profiles, nil
}
