package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type profileStore struct {
	pool *pgxpool.Pool
}

const profileColumns = `system_id, equipment_id, service_id, avg_kwh_per_min, stddev_kwh_per_min, sample_count, updated_at`

func (s *profileStore) ReplaceProfile(ctx context.Context, profile storage.EnergyProfile) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO energy_profiles (`+profileColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (system_id, equipment_id, service_id)
DO UPDATE SET
	avg_kwh_per_min = EXCLUDED.avg_kwh_per_min,
	stddev_kwh_per_min = EXCLUDED.stddev_kwh_per_min,
	sample_count = EXCLUDED.sample_count,
	updated_at = EXCLUDED.updated_at`,
		profile.SystemID, profile.EquipmentID, profile.ServiceID,
		profile.AvgKwhPerMin, profile.StdDevKwhPerMin, profile.SampleCount, profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("replace profile: %w", err)
	}
	return nil
}

func (s *profileStore) GetProfile(ctx context.Context, systemID, equipmentID, serviceID string) (*storage.EnergyProfile, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+profileColumns+` FROM energy_profiles
WHERE system_id = $1 AND equipment_id = $2 AND service_id = $3`, systemID, equipmentID, serviceID)
	profile, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return profile, err
}

func (s *profileStore) ListProfiles(ctx context.Context, systemID string) ([]storage.EnergyProfile, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+profileColumns+` FROM energy_profiles
WHERE ($1 = '' OR system_id = $1)
ORDER BY equipment_id, service_id`, systemID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]storage.EnergyProfile, 0)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *profile)
	}
	return profiles, rows.Err()
}

func scanProfile(row pgx.Row) (*storage.EnergyProfile, error) {
	var p storage.EnergyProfile
	if err := row.Scan(
		&p.SystemID,
		&p.EquipmentID,
		&p.ServiceID,
		&p.AvgKwhPerMin,
		&p.StdDevKwhPerMin,
		&p.SampleCount,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
