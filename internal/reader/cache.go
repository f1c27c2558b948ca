package reader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agromet/internal/config"
	"agromet/internal/store/object"
	"agromet/internal/types"
)

// Cache is the object-store-backed user file cache. Rendered CSV and NetCDF
// results are keyed under user_data/{datasetID}/{paramsHash}.{ext}; a fresh
// object within the TTL short-circuits a recompute, and the ingestor
// invalidates a dataset's entries after every successful slab append.
type Cache struct {
	objects object.Store
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCache builds the cache over the shared object store.
func NewCache(cfg config.ReaderConfig, objects object.Store, logger *slog.Logger) *Cache {
	return &Cache{
		objects: objects,
		ttl:     cfg.CacheTTL,
		logger:  logger.With(slog.String("component", "reader_cache")),
	}
}

// Ext returns the file extension for an output type, or "" for inline
// outputs that never hit the cache.
func Ext(output types.OutputType) string {
	switch output {
	case types.OutputCSV, types.OutputCSVFile:
		return "csv"
	case types.OutputNetCDF, types.OutputNetCDFFile:
		return "nc"
	}
	return ""
}

// ContentType returns the MIME type served for an output extension.
func ContentType(ext string) string {
	switch ext {
	case "csv":
		return "text/csv"
	case "nc":
		return "application/x-netcdf"
	}
	return "application/octet-stream"
}

func (c *Cache) key(datasetID int64, hash, ext string) string {
	return c.objects.Key(object.KindUserData, fmt.Sprintf("%d/%s.%s", datasetID, hash, ext))
}

// Lookup returns the object key of a fresh cached result, or ok=false on
// miss or expiry. Expired entries are left for the cleanup sweep.
func (c *Cache) Lookup(ctx context.Context, datasetID int64, hash, ext string) (string, bool, error) {
	key := c.key(datasetID, hash, ext)
	infos, err := c.objects.List(ctx, key)
	if err != nil {
		return "", false, err
	}
	for _, info := range infos {
		if info.Key == key && time.Since(info.LastModified) < c.ttl {
			return key, true, nil
		}
	}
	return "", false, nil
}

// Store uploads a rendered result file and returns its object key.
func (c *Cache) Store(ctx context.Context, datasetID int64, hash, ext, localPath string) (string, error) {
	key := c.key(datasetID, hash, ext)
	if err := c.objects.PutFile(ctx, key, localPath, ContentType(ext)); err != nil {
		return "", err
	}
	return key, nil
}

// InvalidateDataset removes every cached result of a dataset. Called by the
// ingestor after new data lands so stale renders never outlive an append.
func (c *Cache) InvalidateDataset(ctx context.Context, datasetID int64) error {
	prefix := c.objects.Key(object.KindUserData, fmt.Sprintf("%d", datasetID)) + "/"
	infos, err := c.objects.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := c.objects.Remove(ctx, info.Key); err != nil {
			return err
		}
	}
	if len(infos) > 0 {
		c.logger.Info("invalidated cached results",
			slog.Int64("dataset_id", datasetID),
			slog.Int("count", len(infos)))
	}
	return nil
}
