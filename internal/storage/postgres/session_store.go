package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type sessionStore struct {
	pool *pgxpool.Pool
}

func (s *sessionStore) CreateSession(ctx context.Context, session storage.UsageSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO usage_sessions (
	id, system_id, appointment_id, equipment_id, device_id,
	status, version, started_at, ended_at, data, updated_at
) VALUES (
	$1, $2, $3, $4, $5,
	$6, $7, $8, $9, $10, $11
)`,
		session.ID, session.SystemID, session.AppointmentID, session.EquipmentID, session.DeviceID,
		string(session.Status), session.Version, session.StartedAt, session.EndedAt, data, session.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case violates(err, "usage_sessions_open_slot"):
		return storage.ErrOpenSessionExists
	case violates(err, ""):
		return storage.ErrConflict
	default:
		return fmt.Errorf("insert session: %w", err)
	}
}

func (s *sessionStore) GetSession(ctx context.Context, id string) (*storage.UsageSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT data FROM usage_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *sessionStore) UpdateSession(ctx context.Context, session storage.UsageSession, expectedVersion int64) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE usage_sessions
SET status = $3, version = $4, ended_at = $5, data = $6, updated_at = $7
WHERE id = $1 AND version = $2`,
		session.ID, expectedVersion,
		string(session.Status), session.Version, session.EndedAt, data, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM usage_sessions WHERE id = $1)`, session.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

func (s *sessionStore) FindOpenSession(ctx context.Context, appointmentID, equipmentID string) (*storage.UsageSession, error) {
	row := s.pool.QueryRow(ctx, `
SELECT data FROM usage_sessions
WHERE appointment_id = $1 AND equipment_id = $2 AND status <> 'COMPLETED'`, appointmentID, equipmentID)
	return scanSession(row)
}

func (s *sessionStore) FindOpenSessionByDevice(ctx context.Context, deviceID string) (*storage.UsageSession, error) {
	row := s.pool.QueryRow(ctx, `
SELECT data FROM usage_sessions
WHERE device_id = $1 AND status <> 'COMPLETED'
ORDER BY started_at DESC, id COLLATE "C" DESC
LIMIT 1`, deviceID)
	return scanSession(row)
}

func (s *sessionStore) ListOpenSessions(ctx context.Context) ([]storage.UsageSession, error) {
	rows, err := s.pool.Query(ctx, `
SELECT data FROM usage_sessions
WHERE status <> 'COMPLETED'
ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	return collectSessions(rows)
}

func (s *sessionStore) ListCompletedSessions(ctx context.Context, systemID string, window storage.DateRange) ([]storage.UsageSession, error) {
	rows, err := s.pool.Query(ctx, `
SELECT data FROM usage_sessions
WHERE status = 'COMPLETED'
  AND ($1 = '' OR system_id = $1)
  AND ($2::timestamptz IS NULL OR ended_at >= $2)
  AND ($3::timestamptz IS NULL OR ended_at < $3)
ORDER BY ended_at, id`, systemID, optionalTime(window.From), optionalTime(window.To))
	if err != nil {
		return nil, fmt.Errorf("list completed sessions: %w", err)
	}
	return collectSessions(rows)
}

func scanSession(row pgx.Row) (*storage.UsageSession, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var session storage.UsageSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

func collectSessions(rows pgx.Rows) ([]storage.UsageSession, error) {
	defer rows.Close()
	sessions := make([]storage.UsageSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
