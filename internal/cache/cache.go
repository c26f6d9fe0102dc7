// Package cache provides caching for raw tile payloads and encoded lookup
// textures.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB  int
	TileTTL          time.Duration
	MaxTileSizeBytes int
	TextureCacheSize int
}

// Manager manages tile and texture caches.
type Manager struct {
	tileCache    *bigcache.BigCache
	textureCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}
	if cfg.MaxTileSizeBytes <= 0 {
		cfg.MaxTileSizeBytes = 4 * 1024 * 1024
	}
	if cfg.TextureCacheSize <= 0 {
		cfg.TextureCacheSize = 256
	}

	// Tile payloads are arrow batches, far larger than rendered PNGs.
	tileCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       cfg.MaxTileSizeBytes,
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	textureCache, err := lru.New[string, []byte](cfg.TextureCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create texture cache: %w", err)
	}

	return &Manager{
		tileCache:    tileCache,
		textureCache: textureCache,
	}, nil
}

// GetTile retrieves raw tile bytes from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores raw tile bytes in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// GetTexture retrieves an encoded lookup texture.
func (m *Manager) GetTexture(key string) ([]byte, bool) {
	return m.textureCache.Get(key)
}

// SetTexture stores an encoded lookup texture.
func (m *Manager) SetTexture(key string, data []byte) {
	m.textureCache.Add(key, data)
}

// TileKey generates a cache key for a tile payload of a dataset.
func TileKey(dataset string, z, x, y int) string {
	return fmt.Sprintf("tile:%s:%d/%d/%d", dataset, z, x, y)
}

// TextureKey generates a cache key for a channel's texture. parts should
// cover everything the texture depends on (canonical encoding, column
// fingerprint).
func TextureKey(channel string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return "tex:" + channel + ":" + hex.EncodeToString(h.Sum(nil))[:24]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"tile_cache_len":    m.tileCache.Len(),
		"tile_cache_cap":    m.tileCache.Capacity(),
		"texture_cache_len": m.textureCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
