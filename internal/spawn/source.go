package spawn

import (
	"context"
	"fmt"
	"sync"

	"commuter-engine/internal/commuter"
)

// ConfigSource supplies the current SpawnConfig of a reservoir. Spawners
// query it every cycle, so replacements apply on the next cycle.
type ConfigSource interface {
	SpawnConfig(ctx context.Context, kind commuter.ReservoirKind, id string) (SpawnConfig, error)
}

type sourceKey struct {
	kind commuter.ReservoirKind
	id   string
}

// StaticSource serves configs held in memory, typically from the
// reservoirs file.
type StaticSource struct {
	mu      sync.RWMutex
	configs map[sourceKey]SpawnConfig
}

func NewStaticSource() *StaticSource {
	return &StaticSource{configs: make(map[sourceKey]SpawnConfig)}
}

// Set validates and stores cfg, replacing any previous config.
func (s *StaticSource) Set(kind commuter.ReservoirKind, id string, cfg SpawnConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	s.mu.Lock()
	s.configs[sourceKey{kind, id}] = cfg
	s.mu.Unlock()
	return nil
}

func (s *StaticSource) SpawnConfig(_ context.Context, kind commuter.ReservoirKind, id string) (SpawnConfig, error) {
	s.mu.RLock()
	cfg, ok := s.configs[sourceKey{kind, id}]
	s.mu.RUnlock()
	if !ok {
		return SpawnConfig{}, fmt.Errorf("%w: %s %s", ErrConfigNotFound, kind, id)
	}
	return cfg, nil
}

// FallbackSource asks Primary first and uses Secondary only when Primary
// has no config for the reservoir. Transient Primary errors are returned
// as-is so the cycle is skipped rather than silently switching sources.
type FallbackSource struct {
	Primary   ConfigSource
	Secondary ConfigSource
}

func (f FallbackSource) SpawnConfig(ctx context.Context, kind commuter.ReservoirKind, id string) (SpawnConfig, error) {
	cfg, err := f.Primary.SpawnConfig(ctx, kind, id)
	if err == nil || f.Secondary == nil || !isNotFound(err) {
		return cfg, err
	}
	return f.Secondary.SpawnConfig(ctx, kind, id)
}
