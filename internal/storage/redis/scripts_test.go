package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestCreateSessionScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	tests := []struct {
		name       string
		sessionID  string
		deviceID   string
		status     string
		want       string
		wantInSet  bool
		wantDevKey bool
	}{
		{
			name:       "create active session",
			sessionID:  "session-1",
			deviceID:   "plug-1",
			status:     "ACTIVE",
			want:       "OK",
			wantInSet:  true,
			wantDevKey: true,
		},
		{
			name:       "second session for same slot",
			sessionID:  "session-2",
			deviceID:   "plug-2",
			status:     "ACTIVE",
			want:       "EXISTS",
			wantInSet:  false,
			wantDevKey: false,
		},
	}

	openKey := openSessionKey("appt-1", "laser-1")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Eval(ctx, createSessionScript, []string{
				sessionKey(tt.sessionID),
				openKey,
				openSessionSet(),
				deviceKey(tt.deviceID),
			}, tt.sessionID, `{"id":"`+tt.sessionID+`"}`, "1", tt.status, "clinic-1", tt.deviceID).Text()
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}
			if result != tt.want {
				t.Fatalf("Expected %s, got %s", tt.want, result)
			}

			isMember := client.SIsMember(ctx, openSessionSet(), tt.sessionID).Val()
			if isMember != tt.wantInSet {
				t.Errorf("Expected set membership=%v, got %v", tt.wantInSet, isMember)
			}

			exists := client.Exists(ctx, deviceKey(tt.deviceID)).Val() > 0
			if exists != tt.wantDevKey {
				t.Errorf("Expected device key exists=%v, got %v", tt.wantDevKey, exists)
			}
		})
	}

	if got := client.Get(ctx, openKey).Val(); got != "session-1" {
		t.Errorf("Expected open slot held by session-1, got %q", got)
	}
}

func TestUpdateSessionScript_CompareAndSwap(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	keys := []string{
		sessionKey("session-1"),
		openSessionKey("appt-1", "laser-1"),
		openSessionSet(),
		deviceKey("plug-1"),
		completedKey("clinic-1"),
		completedAll(),
	}

	if err := client.Eval(ctx, createSessionScript, keys[:4], "session-1", "{}", "1", "ACTIVE", "clinic-1", "plug-1").Err(); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	tests := []struct {
		name     string
		expected string
		next     string
		status   string
		want     string
		version  string
	}{
		{name: "pause with current version", expected: "1", next: "2", status: "PAUSED", want: "OK", version: "2"},
		{name: "stale writer loses", expected: "1", next: "2", status: "COMPLETED", want: "CONFLICT", version: "2"},
		{name: "complete with current version", expected: "2", next: "3", status: "COMPLETED", want: "OK", version: "3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Eval(ctx, updateSessionScript, keys,
				"session-1", tt.expected, tt.next, tt.status, `{"status":"`+tt.status+`"}`, "1709542800000").Text()
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}
			if result != tt.want {
				t.Fatalf("Expected %s, got %s", tt.want, result)
			}
			if got := client.HGet(ctx, keys[0], "version").Val(); got != tt.version {
				t.Errorf("Expected version %s, got %s", tt.version, got)
			}
		})
	}

	if client.Exists(ctx, keys[1]).Val() != 0 {
		t.Error("Open slot should be released after completion")
	}
	if client.Exists(ctx, keys[3]).Val() != 0 {
		t.Error("Device key should be released after completion")
	}
	if client.ZCard(ctx, keys[4]).Val() != 1 {
		t.Error("Completed index should contain the session")
	}

	result, err := client.Eval(ctx, updateSessionScript, []string{
		sessionKey("missing"), keys[1], keys[2], keys[3], keys[4], keys[5],
	}, "missing", "1", "2", "PAUSED", "{}", "0").Text()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if result != "NOTFOUND" {
		t.Errorf("Expected NOTFOUND, got %s", result)
	}
}

func TestInsightScripts_Dedup(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	openKey := openInsightKey("appt-1", "OVER_CONSUMPTION")

	create := func(id string) string {
		t.Helper()
		result, err := client.Eval(ctx, createInsightScript, []string{
			insightKey(id), openKey, insightIndexKey("clinic-1"), insightIndexAll(),
		}, id, "{}", "0", "1000").Text()
		if err != nil {
			t.Fatalf("Script execution failed: %v", err)
		}
		return result
	}

	resolve := func(id string) string {
		t.Helper()
		result, err := client.Eval(ctx, resolveInsightScript, []string{insightKey(id), openKey}, id, `{"resolved":true}`).Text()
		if err != nil {
			t.Fatalf("Script execution failed: %v", err)
		}
		return result
	}

	steps := []struct {
		name string
		run  func() string
		want string
	}{
		{"first insight", func() string { return create("insight-1") }, "OK"},
		{"duplicate while unresolved", func() string { return create("insight-2") }, "EXISTS"},
		{"resolve", func() string { return resolve("insight-1") }, "OK"},
		{"resolve twice", func() string { return resolve("insight-1") }, "ALREADY"},
		{"new insight after resolve", func() string { return create("insight-3") }, "OK"},
		{"resolve missing", func() string { return resolve("insight-9") }, "NOTFOUND"},
	}

	for _, step := range steps {
		if got := step.run(); got != step.want {
			t.Errorf("%s: expected %s, got %s", step.name, step.want, got)
		}
	}

	if got := client.Get(ctx, openKey).Val(); got != "insight-3" {
		t.Errorf("Expected open insight insight-3, got %q", got)
	}
}
