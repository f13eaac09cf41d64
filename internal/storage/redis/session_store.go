package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
}

// CreateSession stores a new session and claims its open slot atomically
func (s *sessionStore) CreateSession(ctx context.Context, session storage.UsageSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	keys := []string{
		sessionKey(session.ID),
		openSessionKey(session.AppointmentID, session.EquipmentID),
		openSessionSet(),
		deviceKey(session.DeviceID),
	}
	args := []interface{}{
		session.ID,
		string(data),
		session.Version,
		string(session.Status),
		session.SystemID,
		session.DeviceID,
	}

	status, err := createSession.Run(ctx, s.client, keys, args...).Text()
	if err == nil && status == "EXISTS" {
		return storage.ErrOpenSessionExists
	}
	return scriptResult(status, err)
}

// GetSession retrieves a session by ID
func (s *sessionStore) GetSession(ctx context.Context, id string) (*storage.UsageSession, error) {
	data, err := s.client.HGet(ctx, sessionKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return parseSession(data)
}

// UpdateSession writes the session if the stored version equals expectedVersion
func (s *sessionStore) UpdateSession(ctx context.Context, session storage.UsageSession, expectedVersion int64) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	var endedScore float64
	if session.EndedAt != nil {
		endedScore = scoreOf(*session.EndedAt)
	}

	keys := []string{
		sessionKey(session.ID),
		openSessionKey(session.AppointmentID, session.EquipmentID),
		openSessionSet(),
		deviceKey(session.DeviceID),
		completedKey(session.SystemID),
		completedAll(),
	}
	args := []interface{}{
		session.ID,
		strconv.FormatInt(expectedVersion, 10),
		session.Version,
		string(session.Status),
		string(data),
		formatFloat(endedScore),
	}

	return scriptResult(updateSession.Run(ctx, s.client, keys, args...).Text())
}

// FindOpenSession returns the open session holding the appointment/equipment slot
func (s *sessionStore) FindOpenSession(ctx context.Context, appointmentID, equipmentID string) (*storage.UsageSession, error) {
	return s.lookupIndexed(ctx, openSessionKey(appointmentID, equipmentID))
}

// FindOpenSessionByDevice returns the most recently started open session
// bound to a device
func (s *sessionStore) FindOpenSessionByDevice(ctx context.Context, deviceID string) (*storage.UsageSession, error) {
	sessionIDs, err := s.client.SMembers(ctx, deviceKey(deviceID)).Result()
	if err != nil {
		return nil, err
	}
	sessions, err := s.loadSessions(ctx, sessionIDs)
	if err != nil {
		return nil, err
	}

	var latest *storage.UsageSession
	for i := range sessions {
		if !sessions[i].Status.Open() {
			continue
		}
		if latest == nil || storage.StartedAfter(sessions[i], *latest) {
			latest = &sessions[i]
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest, nil
}

func (s *sessionStore) lookupIndexed(ctx context.Context, indexKey string) (*storage.UsageSession, error) {
	id, err := s.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Status.Open() {
		return nil, storage.ErrNotFound
	}
	return session, nil
}

// ListOpenSessions returns every ACTIVE or PAUSED session
func (s *sessionStore) ListOpenSessions(ctx context.Context) ([]storage.UsageSession, error) {
	sessionIDs, err := s.client.SMembers(ctx, openSessionSet()).Result()
	if err != nil {
		return nil, err
	}
	sessions, err := s.loadSessions(ctx, sessionIDs)
	if err != nil {
		return nil, err
	}
	storage.SortSessionsByStart(sessions)
	return sessions, nil
}

// ListCompletedSessions returns completed sessions of a tenant whose end
// time falls in the window
func (s *sessionStore) ListCompletedSessions(ctx context.Context, systemID string, window storage.DateRange) ([]storage.UsageSession, error) {
	lo, hi := "-inf", "+inf"
	if window.From != nil {
		lo = formatFloat(scoreOf(*window.From))
	}
	if window.To != nil {
		hi = formatFloat(scoreOf(*window.To))
	}

	index := completedAll()
	if systemID != "" {
		index = completedKey(systemID)
	}

	sessionIDs, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, err
	}

	loaded, err := s.loadSessions(ctx, sessionIDs)
	if err != nil {
		return nil, err
	}

	// Scores are millisecond-granular; apply the exact window here.
	sessions := make([]storage.UsageSession, 0, len(loaded))
	for _, session := range loaded {
		if session.Status != storage.SessionCompleted || session.EndedAt == nil {
			continue
		}
		if window.Contains(*session.EndedAt) {
			sessions = append(sessions, session)
		}
	}
	storage.SortSessionsByEnd(sessions)
	return sessions, nil
}

func (s *sessionStore) loadSessions(ctx context.Context, sessionIDs []string) ([]storage.UsageSession, error) {
	if len(sessionIDs) == 0 {
		return []storage.UsageSession{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(sessionIDs))
	for i, id := range sessionIDs {
		cmds[i] = pipe.HGet(ctx, sessionKey(id), "data")
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	sessions := make([]storage.UsageSession, 0, len(sessionIDs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}
		session, err := parseSession(data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, nil
}
