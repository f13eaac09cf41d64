package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type insightStore struct {
	pool *pgxpool.Pool
}

const insightColumns = `id, system_id, appointment_id, device_usage_id, equipment_assignment_id, insight_type,
	actual_kwh, expected_kwh, deviation_pct, resolved, resolved_at, detail, detected_at`

func (s *insightStore) CreateInsight(ctx context.Context, insight storage.Insight) error {
	var detail []byte
	if len(insight.Detail) > 0 {
		detail = insight.Detail
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO insights (`+insightColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		insight.ID, insight.SystemID, insight.AppointmentID, insight.DeviceUsageID, insight.EquipmentAssignmentID,
		string(insight.Type), insight.ActualKwh, insight.ExpectedKwh, insight.DeviationPct,
		insight.Resolved, insight.ResolvedAt, detail, insight.DetectedAt,
	)
	switch {
	case err == nil:
		return nil
	case violates(err, "insights_one_unresolved"):
		return storage.ErrInsightExists
	case violates(err, ""):
		return storage.ErrConflict
	default:
		return fmt.Errorf("insert insight: %w", err)
	}
}

func (s *insightStore) GetInsight(ctx context.Context, id string) (*storage.Insight, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+insightColumns+` FROM insights WHERE id = $1`, id)
	return scanInsightRow(row)
}

func (s *insightStore) FindUnresolved(ctx context.Context, appointmentID string, insightType storage.InsightType) (*storage.Insight, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+insightColumns+` FROM insights
WHERE appointment_id = $1 AND insight_type = $2 AND NOT resolved`, appointmentID, string(insightType))
	return scanInsightRow(row)
}

func (s *insightStore) ListInsights(ctx context.Context, filter storage.InsightFilter) ([]storage.Insight, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.pool.Query(ctx, `
SELECT `+insightColumns+` FROM insights
WHERE ($1 = '' OR system_id = $1)
  AND ($2 = '' OR appointment_id = $2)
  AND ($3 = '' OR insight_type = $3)
  AND (NOT $4 OR NOT resolved)
ORDER BY detected_at DESC, id
LIMIT NULLIF($5, -1)`,
		filter.SystemID, filter.AppointmentID, string(filter.Type), filter.UnresolvedOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	insights := make([]storage.Insight, 0)
	for rows.Next() {
		insight, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		insights = append(insights, *insight)
	}
	return insights, rows.Err()
}

func (s *insightStore) ResolveInsight(ctx context.Context, id string, resolvedAt time.Time) (*storage.Insight, error) {
	if _, err := s.pool.Exec(ctx, `
UPDATE insights SET resolved = TRUE, resolved_at = $2
WHERE id = $1 AND NOT resolved`, id, resolvedAt); err != nil {
		return nil, fmt.Errorf("resolve insight: %w", err)
	}
	return s.GetInsight(ctx, id)
}

func scanInsightRow(row pgx.Row) (*storage.Insight, error) {
	insight, err := scanInsight(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return insight, err
}

func scanInsight(row pgx.Row) (*storage.Insight, error) {
	var in storage.Insight
	var insightType string
	var detail []byte
	if err := row.Scan(
		&in.ID,
		&in.SystemID,
		&in.AppointmentID,
		&in.DeviceUsageID,
		&in.EquipmentAssignmentID,
		&insightType,
		&in.ActualKwh,
		&in.ExpectedKwh,
		&in.DeviationPct,
		&in.Resolved,
		&in.ResolvedAt,
		&detail,
		&in.DetectedAt,
	); err != nil {
		return nil, err
	}
	in.Type = storage.InsightType(insightType)
	in.Detail = detail
	in.DetectedAt = in.DetectedAt.UTC()
	if in.ResolvedAt != nil {
		t := in.ResolvedAt.UTC()
		in.ResolvedAt = &t
	}
	return &in, nil
}
