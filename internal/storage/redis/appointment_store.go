package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

type appointmentStore struct {
	client *redis.Client
}

// UpsertAppointment replaces the appointment read model
func (s *appointmentStore) UpsertAppointment(ctx context.Context, appointment storage.Appointment) error {
	data, err := json.Marshal(appointment)
	if err != nil {
		return fmt.Errorf("failed to encode appointment: %w", err)
	}
	return s.client.Set(ctx, appointmentKey(appointment.ID), data, 0).Err()
}

// GetAppointment retrieves an appointment by ID
func (s *appointmentStore) GetAppointment(ctx context.Context, id string) (*storage.Appointment, error) {
	data, err := s.client.Get(ctx, appointmentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var appointment storage.Appointment
	if err := json.Unmarshal(data, &appointment); err != nil {
		return nil, fmt.Errorf("failed to parse appointment: %w", err)
	}
	return &appointment, nil
}
