package bolt

import (
	"context"
	"time"

	"github.com/clinicops/equipwatch/internal/storage"
	"go.etcd.io/bbolt"
)

type insightStore struct {
	db *bbolt.DB
}

func (s *insightStore) CreateInsight(ctx context.Context, insight storage.Insight) error {
	data, err := marshal(insight)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		insights, err := bucket(tx, bucketInsights)
		if err != nil {
			return err
		}
		open, err := bucket(tx, bucketInsightsOpen)
		if err != nil {
			return err
		}

		openKey := []byte(openInsightKey(insight.AppointmentID, insight.Type))
		if !insight.Resolved && open.Get(openKey) != nil {
			return storage.ErrInsightExists
		}

		if err := insights.Put([]byte(insight.ID), data); err != nil {
			return err
		}
		if !insight.Resolved {
			return open.Put(openKey, []byte(insight.ID))
		}
		return nil
	})
}

func (s *insightStore) GetInsight(ctx context.Context, id string) (*storage.Insight, error) {
	return getBucketValue[storage.Insight](ctx, s.db, bucketInsights, id)
}

func (s *insightStore) FindUnresolved(ctx context.Context, appointmentID string, insightType storage.InsightType) (*storage.Insight, error) {
	var insight *storage.Insight
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		open, err := bucket(tx, bucketInsightsOpen)
		if err != nil {
			return err
		}
		id := open.Get([]byte(openInsightKey(appointmentID, insightType)))
		if id == nil {
			return storage.ErrNotFound
		}
		insights, err := bucket(tx, bucketInsights)
		if err != nil {
			return err
		}
		value := insights.Get(id)
		if value == nil {
			return storage.ErrNotFound
		}
		var result storage.Insight
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		insight = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return insight, nil
}

func (s *insightStore) ListInsights(ctx context.Context, filter storage.InsightFilter) ([]storage.Insight, error) {
	insights, err := scanPrefix(ctx, s.db, bucketInsights, "", filter.Matches)
	if err != nil {
		return nil, err
	}
	storage.SortInsightsByDetected(insights)
	if filter.Limit > 0 && len(insights) > filter.Limit {
		insights = insights[:filter.Limit]
	}
	return insights, nil
}

func (s *insightStore) ResolveInsight(ctx context.Context, id string, resolvedAt time.Time) (*storage.Insight, error) {
	var insight storage.Insight
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		insights, err := bucket(tx, bucketInsights)
		if err != nil {
			return err
		}
		value := insights.Get([]byte(id))
		if value == nil {
			return storage.ErrNotFound
		}
		if err := unmarshal(value, &insight); err != nil {
			return err
		}
		if insight.Resolved {
			return nil
		}

		insight.Resolved = true
		insight.ResolvedAt = &resolvedAt
		data, err := marshal(insight)
		if err != nil {
			return err
		}
		if err := insights.Put([]byte(id), data); err != nil {
			return err
		}

		open, err := bucket(tx, bucketInsightsOpen)
		if err != nil {
			return err
		}
		openKey := []byte(openInsightKey(insight.AppointmentID, insight.Type))
		if string(open.Get(openKey)) == id {
			return open.Delete(openKey)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &insight, nil
}
