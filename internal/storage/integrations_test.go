package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowkit/engine-go/internal/models"
)

type memStorage struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[string]string)}
}

func (m *memStorage) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (m *memStorage) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value.(string)
	return nil
}

func (m *memStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStorage) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *memStorage) Close() error { return nil }

type countingSource struct {
	calls int
}

func (s *countingSource) GetIntegration(ctx context.Context, integrationType string) (*models.Integration, error) {
	s.calls++
	return &models.Integration{
		Type:    integrationType,
		Name:    "Test",
		Enabled: true,
		Config:  map[string]any{"base_url": "https://api.example.com"},
	}, nil
}

func TestIntegrationCacheReadThrough(t *testing.T) {
	source := &countingSource{}
	cache := NewIntegrationCache(source, newMemStorage(), time.Minute, zap.NewNop())

	first, err := cache.Get(context.Background(), "slack")
	require.NoError(t, err)
	assert.Equal(t, "slack", first.Type)
	assert.Equal(t, 1, source.calls)

	// Second read is served from the cache.
	second, err := cache.Get(context.Background(), "slack")
	require.NoError(t, err)
	assert.Equal(t, first.Config, second.Config)
	assert.Equal(t, 1, source.calls)

	require.NoError(t, cache.Invalidate(context.Background(), "slack"))
	_, err = cache.Get(context.Background(), "slack")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestIntegrationCacheWithoutBackend(t *testing.T) {
	source := &countingSource{}
	cache := NewIntegrationCache(source, nil, time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := cache.Get(context.Background(), "calendar")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, source.calls)
}
