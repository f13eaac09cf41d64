package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type appointmentStore struct {
	pool *pgxpool.Pool
}

func (s *appointmentStore) UpsertAppointment(ctx context.Context, appointment storage.Appointment) error {
	services, err := json.Marshal(appointment.Services)
	if err != nil {
		return fmt.Errorf("encode services: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO appointments (id, system_id, services, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id)
DO UPDATE SET
	system_id = EXCLUDED.system_id,
	services = EXCLUDED.services,
	updated_at = EXCLUDED.updated_at`,
		appointment.ID, appointment.SystemID, services, appointment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert appointment: %w", err)
	}
	return nil
}

func (s *appointmentStore) GetAppointment(ctx context.Context, id string) (*storage.Appointment, error) {
	var appointment storage.Appointment
	var services []byte
	err := s.pool.QueryRow(ctx, `
SELECT id, system_id, services, updated_at FROM appointments WHERE id = $1`, id).
		Scan(&appointment.ID, &appointment.SystemID, &services, &appointment.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(services, &appointment.Services); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}
	appointment.UpdatedAt = appointment.UpdatedAt.UTC()
	return &appointment, nil
}
