package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

type insightStore struct {
	client *redis.Client
}

// CreateInsight stores an insight behind the one-unresolved-per-appointment gate
func (s *insightStore) CreateInsight(ctx context.Context, insight storage.Insight) error {
	data, err := json.Marshal(insight)
	if err != nil {
		return fmt.Errorf("failed to encode insight: %w", err)
	}

	resolved := "0"
	if insight.Resolved {
		resolved = "1"
	}

	keys := []string{
		insightKey(insight.ID),
		openInsightKey(insight.AppointmentID, insight.Type),
		insightIndexKey(insight.SystemID),
		insightIndexAll(),
	}
	args := []interface{}{
		insight.ID,
		string(data),
		resolved,
		formatFloat(scoreOf(insight.DetectedAt)),
	}

	status, err := createInsight.Run(ctx, s.client, keys, args...).Text()
	if err == nil && status == "EXISTS" {
		return storage.ErrInsightExists
	}
	return scriptResult(status, err)
}

// GetInsight retrieves an insight by ID
func (s *insightStore) GetInsight(ctx context.Context, id string) (*storage.Insight, error) {
	data, err := s.client.HGet(ctx, insightKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return parseInsight(data)
}

// FindUnresolved returns the open insight of a type for an appointment
func (s *insightStore) FindUnresolved(ctx context.Context, appointmentID string, insightType storage.InsightType) (*storage.Insight, error) {
	id, err := s.client.Get(ctx, openInsightKey(appointmentID, insightType)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetInsight(ctx, id)
}

// ListInsights returns insights newest first
func (s *insightStore) ListInsights(ctx context.Context, filter storage.InsightFilter) ([]storage.Insight, error) {
	index := insightIndexAll()
	if filter.SystemID != "" {
		index = insightIndexKey(filter.SystemID)
	}

	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []storage.Insight{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, insightKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	insights := make([]storage.Insight, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}
		insight, err := parseInsight(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(*insight) {
			insights = append(insights, *insight)
		}
	}

	storage.SortInsightsByDetected(insights)
	if filter.Limit > 0 && len(insights) > filter.Limit {
		insights = insights[:filter.Limit]
	}
	return insights, nil
}

// ResolveInsight marks an insight resolved; resolving twice keeps the first
// resolution
func (s *insightStore) ResolveInsight(ctx context.Context, id string, resolvedAt time.Time) (*storage.Insight, error) {
	insight, err := s.GetInsight(ctx, id)
	if err != nil {
		return nil, err
	}
	if insight.Resolved {
		return insight, nil
	}

	insight.Resolved = true
	insight.ResolvedAt = &resolvedAt
	data, err := json.Marshal(insight)
	if err != nil {
		return nil, fmt.Errorf("failed to encode insight: %w", err)
	}

	keys := []string{
		insightKey(id),
		openInsightKey(insight.AppointmentID, insight.Type),
	}
	status, err := resolveInsight.Run(ctx, s.client, keys, id, string(data)).Text()
	if err == nil && status == "ALREADY" {
		return s.GetInsight(ctx, id)
	}
	if err := scriptResult(status, err); err != nil {
		return nil, err
	}
	return insight, nil
}
