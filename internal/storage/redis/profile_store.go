package redis

import (
	"context"
	"errors"
	"time"

	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

type profileStore struct {
	client *redis.Client
}

// ReplaceProfile overwrites the profile hash for its key in one script call
func (s *profileStore) ReplaceProfile(ctx context.Context, profile storage.EnergyProfile) error {
	keys := []string{
		profileKey(profile.SystemID, profile.EquipmentID, profile.ServiceID),
		profileIndexKey(profile.SystemID),
		profileIndexAll(),
	}
	args := []interface{}{
		profile.SystemID,
		profile.EquipmentID,
		profile.ServiceID,
		formatFloat(profile.AvgKwhPerMin),
		formatFloat(profile.StdDevKwhPerMin),
		profile.SampleCount,
		profile.UpdatedAt.Format(time.RFC3339Nano),
	}
	return scriptResult(replaceProfile.Run(ctx, s.client, keys, args...).Text())
}

// GetProfile retrieves one profile by natural key
func (s *profileStore) GetProfile(ctx context.Context, systemID, equipmentID, serviceID string) (*storage.EnergyProfile, error) {
	data, err := s.client.HGetAll(ctx, profileKey(systemID, equipmentID, serviceID)).Result()
	if err != nil {
		return nil, err
	}
	return parseEnergyProfile(data)
}

// ListProfiles returns every profile of a tenant, or all profiles when
// systemID is empty
func (s *profileStore) ListProfiles(ctx context.Context, systemID string) ([]storage.EnergyProfile, error) {
	index := profileIndexAll()
	if systemID != "" {
		index = profileIndexKey(systemID)
	}

	keys, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []storage.EnergyProfile{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	profiles := make([]storage.EnergyProfile, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		profile, err := parseEnergyProfile(data)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *profile)
	}
	storage.SortProfiles(profiles)
	return profiles, nil
}
