package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/clinicops/equipwatch/internal/storage"
)

// parseSession decodes the JSON body stored in a session hash
func parseSession(data string) (*storage.UsageSession, error) {
	if data == "" {
		return nil, storage.ErrNotFound
	}
	var session storage.UsageSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	return &session, nil
}

// parseInsight decodes the JSON body stored in an insight hash
func parseInsight(data string) (*storage.Insight, error) {
	if data == "" {
		return nil, storage.ErrNotFound
	}
	var insight storage.Insight
	if err := json.Unmarshal([]byte(data), &insight); err != nil {
		return nil, fmt.Errorf("failed to parse insight: %w", err)
	}
	return &insight, nil
}

// parseEnergyProfile converts a Redis hash to EnergyProfile
func parseEnergyProfile(data map[string]string) (*storage.EnergyProfile, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	avg, err := strconv.ParseFloat(data["avg_kwh_per_min"], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse avg_kwh_per_min: %w", err)
	}

	stddev, err := strconv.ParseFloat(data["stddev_kwh_per_min"], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stddev_kwh_per_min: %w", err)
	}

	count, err := strconv.Atoi(data["sample_count"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse sample_count: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &storage.EnergyProfile{
		SystemID:        data["system_id"],
		EquipmentID:     data["equipment_id"],
		ServiceID:       data["service_id"],
		AvgKwhPerMin:    avg,
		StdDevKwhPerMin: stddev,
		SampleCount:     count,
		UpdatedAt:       updatedAt,
	}, nil
}

// formatFloat renders a float so that ParseFloat returns the same bits
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// scoreOf maps a timestamp to a sorted-set score in milliseconds
func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// scriptResult maps a script status reply to a storage error
func scriptResult(status string, err error) error {
	if err != nil {
		return err
	}
	switch status {
	case "OK":
		return nil
	case "NOTFOUND":
		return storage.ErrNotFound
	case "CONFLICT", "DUPLICATE":
		return storage.ErrConflict
	default:
		return fmt.Errorf("unexpected script result: %s", status)
	}
}
