// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package manifest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultCacheTTL bounds how stale cached reads may get.
const DefaultCacheTTL = 30 * time.Second

type cacheKey struct {
	datasetID uuid.UUID
	shardKey  string
}

type manifestEntry struct {
	manifest *Manifest
	fetched  time.Time
}

type datasetEntry struct {
	dataset *Dataset
	fetched time.Time
}

// Cache serves dataset and latest-manifest lookups from memory, falling
// back to the store on miss or expiry. Writers invalidate it explicitly.
type Cache struct {
	log *zap.Logger
	db  *DB
	ttl time.Duration

	mu        sync.RWMutex
	manifests map[cacheKey]manifestEntry
	datasets  map[string]datasetEntry
	slugByID  map[uuid.UUID]string
}

// NewCache creates a read cache over the manifest store.
func NewCache(log *zap.Logger, db *DB, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		log:       log,
		db:        db,
		ttl:       ttl,
		manifests: make(map[cacheKey]manifestEntry),
		datasets:  make(map[string]datasetEntry),
		slugByID:  make(map[uuid.UUID]string),
	}
}

// DB exposes the underlying store for write paths.
func (cache *Cache) DB() *DB { return cache.db }

// Dataset returns the dataset for a slug, from cache when fresh.
func (cache *Cache) Dataset(ctx context.Context, slug string) (_ *Dataset, err error) {
	defer mon.Task()(&ctx)(&err)

	cache.mu.RLock()
	entry, ok := cache.datasets[slug]
	cache.mu.RUnlock()
	if ok && time.Since(entry.fetched) < cache.ttl {
		mon.Event("manifest_cache_dataset_hit")
		return entry.dataset, nil
	}

	dataset, err := cache.db.GetDatasetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	cache.mu.Lock()
	cache.datasets[slug] = datasetEntry{dataset: dataset, fetched: time.Now()}
	cache.slugByID[dataset.ID] = slug
	cache.mu.Unlock()
	return dataset, nil
}

// LatestManifest returns the latest published manifest of a shard, from
// cache when fresh.
func (cache *Cache) LatestManifest(ctx context.Context, datasetID uuid.UUID, shardKey string) (_ *Manifest, err error) {
	defer mon.Task()(&ctx)(&err)

	key := cacheKey{datasetID: datasetID, shardKey: shardKey}

	cache.mu.RLock()
	entry, ok := cache.manifests[key]
	cache.mu.RUnlock()
	if ok && time.Since(entry.fetched) < cache.ttl {
		mon.Event("manifest_cache_manifest_hit")
		return entry.manifest, nil
	}

	manifest, err := cache.db.GetLatestPublishedManifest(ctx, datasetID, GetLatestPublishedOptions{ShardKey: shardKey})
	if err != nil {
		return nil, err
	}

	cache.mu.Lock()
	cache.manifests[key] = manifestEntry{manifest: manifest, fetched: time.Now()}
	cache.mu.Unlock()
	return manifest, nil
}

// InvalidateDataset drops every cached entry belonging to a dataset.
// Callers invoke it after publishing or appending to a manifest.
func (cache *Cache) InvalidateDataset(datasetID uuid.UUID) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	for key := range cache.manifests {
		if key.datasetID == datasetID {
			delete(cache.manifests, key)
		}
	}
	if slug, ok := cache.slugByID[datasetID]; ok {
		delete(cache.datasets, slug)
		delete(cache.slugByID, datasetID)
	}
}

// InvalidateSlug drops the cached dataset for a slug and its manifests.
func (cache *Cache) InvalidateSlug(slug string) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	entry, ok := cache.datasets[slug]
	delete(cache.datasets, slug)
	if !ok {
		return
	}
	delete(cache.slugByID, entry.dataset.ID)
	for key := range cache.manifests {
		if key.datasetID == entry.dataset.ID {
			delete(cache.manifests, key)
		}
	}
}

// Clear drops everything from the cache.
func (cache *Cache) Clear() {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	cache.manifests = make(map[cacheKey]manifestEntry)
	cache.datasets = make(map[string]datasetEntry)
	cache.slugByID = make(map[uuid.UUID]string)
}
