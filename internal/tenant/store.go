package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Store persists settings as JSON in Redis.
type Store struct {
	redis           *redis.Client
	defaultTimezone string
}

// NewStore creates a settings store. defaultTimezone applies to tenants
// without saved settings.
func NewStore(redisClient *redis.Client, defaultTimezone string) *Store {
	if redisClient == nil {
		panic("tenant: redis client required")
	}
	return &Store{redis: redisClient, defaultTimezone: defaultTimezone}
}

func (s *Store) key(tenantID string) string {
	return fmt.Sprintf("tenant:settings:%s", tenantID)
}

// Get returns the tenant's settings, or defaults when none are saved.
func (s *Store) Get(ctx context.Context, tenantID string) (*Settings, error) {
	data, err := s.redis.Get(ctx, s.key(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return DefaultSettings(tenantID, s.defaultTimezone), nil
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: get settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("tenant: unmarshal settings: %w", err)
	}
	if settings.TenantID == "" {
		settings.TenantID = tenantID
	}
	return &settings, nil
}

// Set saves settings.
func (s *Store) Set(ctx context.Context, settings *Settings) error {
	if settings == nil || strings.TrimSpace(settings.TenantID) == "" {
		return errors.New("tenant: settings need a tenant id")
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("tenant: marshal settings: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(settings.TenantID), data, 0).Err(); err != nil {
		return fmt.Errorf("tenant: set settings: %w", err)
	}
	return nil
}
