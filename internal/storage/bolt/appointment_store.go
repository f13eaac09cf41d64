package bolt

import (
	"context"

	"github.com/clinicops/equipwatch/internal/storage"
	"go.etcd.io/bbolt"
)

type appointmentStore struct {
	db *bbolt.DB
}

func (s *appointmentStore) UpsertAppointment(ctx context.Context, appointment storage.Appointment) error {
	return putBucketValue(ctx, s.db, bucketAppointments, appointment.ID, appointment)
}

func (s *appointmentStore) GetAppointment(ctx context.Context, id string) (*storage.Appointment, error) {
	return getBucketValue[storage.Appointment](ctx, s.db, bucketAppointments, id)
}
