package storage

import (
	"os"
	"sort"
)

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// SortSessionsByEnd orders completed sessions by end time, then ID, so
// every backend returns them in the same order.
func SortSessionsByEnd(sessions []UsageSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		var ae, be int64
		if a.EndedAt != nil {
			ae = a.EndedAt.UnixNano()
		}
		if b.EndedAt != nil {
			be = b.EndedAt.UnixNano()
		}
		if ae != be {
			return ae < be
		}
		return a.ID < b.ID
	})
}

// SortInsightsByDetected orders insights newest first.
func SortInsightsByDetected(insights []Insight) {
	sort.SliceStable(insights, func(i, j int) bool {
		if !insights[i].DetectedAt.Equal(insights[j].DetectedAt) {
			return insights[i].DetectedAt.After(insights[j].DetectedAt)
		}
		return insights[i].ID < insights[j].ID
	})
}

// SortProfiles orders profiles by equipment, then service.
func SortProfiles(profiles []EnergyProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		if profiles[i].EquipmentID != profiles[j].EquipmentID {
			return profiles[i].EquipmentID < profiles[j].EquipmentID
		}
		return profiles[i].ServiceID < profiles[j].ServiceID
	})
}

// SortSessionsByStart orders sessions by start time, then ID.
func SortSessionsByStart(sessions []UsageSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.Before(sessions[j].StartedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

// StartedAfter reports whether a was started after b. Ties go to the larger ID
// so every backend picks the same session for a device.
func StartedAfter(a, b UsageSession) bool {
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.After(b.StartedAt)
	}
	return a.ID > b.ID
}
