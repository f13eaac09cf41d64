package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/clinicops/equipwatch/internal/config"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client           *redis.Client
	sessionStore     *sessionStore
	profileStore     *profileStore
	insightStore     *insightStore
	appointmentStore *appointmentStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry a port
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client), nil
}

func newStore(client *redis.Client) *Store {
	return &Store{
		client:           client,
		sessionStore:     &sessionStore{client: client},
		profileStore:     &profileStore{client: client},
		insightStore:     &insightStore{client: client},
		appointmentStore: &appointmentStore{client: client},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessionStore
}

// Profiles returns the ProfileStore implementation
func (s *Store) Profiles() storage.ProfileStore {
	return s.profileStore
}

// Insights returns the InsightStore implementation
func (s *Store) Insights() storage.InsightStore {
	return s.insightStore
}

// Appointments returns the AppointmentStore implementation
func (s *Store) Appointments() storage.AppointmentStore {
	return s.appointmentStore
}

const keyPrefix = "equipwatch:"

func sessionKey(id string) string { return keyPrefix + "session:" + id }

func openSessionKey(appointmentID, equipmentID string) string {
	return keyPrefix + "sessions:open:" + appointmentID + ":" + equipmentID
}

func openSessionSet() string { return keyPrefix + "sessions:open" }

func deviceKey(deviceID string) string { return keyPrefix + "sessions:devices:" + deviceID }

func completedKey(systemID string) string { return keyPrefix + "sessions:completed:" + systemID }

func completedAll() string { return keyPrefix + "sessions:completed" }

func profileKey(systemID, equipmentID, serviceID string) string {
	return keyPrefix + "profile:" + storage.ProfileKey(systemID, equipmentID, serviceID)
}

func profileIndexKey(systemID string) string { return keyPrefix + "profiles:" + systemID }

func profileIndexAll() string { return keyPrefix + "profiles" }

func insightKey(id string) string { return keyPrefix + "insight:" + id }

func openInsightKey(appointmentID string, insightType storage.InsightType) string {
	return keyPrefix + "insights:open:" + appointmentID + ":" + string(insightType)
}

func insightIndexKey(systemID string) string { return keyPrefix + "insights:system:" + systemID }

func insightIndexAll() string { return keyPrefix + "insights" }

func appointmentKey(id string) string { return keyPrefix + "appointment:" + id }
