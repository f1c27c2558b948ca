package scheduler

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"agromet/internal/store/object"
	"agromet/internal/types"
)

// JobCleaner retires expired job outputs. Satisfied by *jobs.Executor.
type JobCleaner interface {
	Cleanup(ctx context.Context) (int, error)
}

// SourceFileSweeper lists and purges retired source file rows. Satisfied by
// *catalog.DataSourceFileRepository.
type SourceFileSweeper interface {
	ListDeletable(ctx context.Context, cutoff time.Time) ([]types.DataSourceFile, error)
	Purge(ctx context.Context, id int64) error
}

// ObjectSweeper is the object-store surface of the cleanup sweep.
type ObjectSweeper interface {
	Key(kind, name string) string
	List(ctx context.Context, prefix string) ([]object.ObjectInfo, error)
	Remove(ctx context.Context, key string) error
}

// CleanupTick runs the retention sweeps: expired job outputs, retired
// source files, stale cached user files, and the size-bounded local reader
// cache.
func (s *Scheduler) CleanupTick(ctx context.Context) {
	if removed, err := s.deps.Jobs.Cleanup(ctx); err != nil {
		s.logger.ErrorContext(ctx, "job cleanup failed", slog.Any("error", err))
	} else if removed > 0 {
		s.logger.InfoContext(ctx, "job cleanup finished", slog.Int("removed", removed))
	}

	s.purgeSourceFiles(ctx)
	s.sweepUserData(ctx)
	s.sweepLocalCache(ctx)
}

// purgeSourceFiles removes the remote objects of retired source files and
// then their rows. A day's grace after retirement lets readers of the old
// store drain.
func (s *Scheduler) purgeSourceFiles(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -1)
	files, err := s.deps.Sweep.ListDeletable(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list deletable source files", slog.Any("error", err))
		return
	}

	var purged int
	for _, f := range files {
		if f.Metadata.RemoteURL != "" {
			infos, err := s.deps.Objects.List(ctx, f.Metadata.RemoteURL)
			if err != nil {
				s.logger.ErrorContext(ctx, "failed to list source file objects",
					slog.Int64("file_id", f.ID), slog.Any("error", err))
				continue
			}
			removeFailed := false
			for _, info := range infos {
				if err := s.deps.Objects.Remove(ctx, info.Key); err != nil {
					s.logger.ErrorContext(ctx, "failed to remove source file object",
						slog.String("key", info.Key), slog.Any("error", err))
					removeFailed = true
					break
				}
			}
			// Remote-first: the row survives until every object is gone.
			if removeFailed {
				continue
			}
		}
		if err := s.deps.Sweep.Purge(ctx, f.ID); err != nil {
			s.logger.ErrorContext(ctx, "failed to purge source file row",
				slog.Int64("file_id", f.ID), slog.Any("error", err))
			continue
		}
		purged++
	}
	if purged > 0 {
		s.logger.InfoContext(ctx, "purged retired source files", slog.Int("purged", purged))
	}
}

// sweepUserData drops cached user files older than the job retention
// window. Job rows still pointing at a swept object re-render on the next
// request.
func (s *Scheduler) sweepUserData(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -s.jobsCfg.RetentionDays)
	prefix := s.deps.Objects.Key(object.KindUserData, "") + "/"
	infos, err := s.deps.Objects.List(ctx, prefix)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list cached user files", slog.Any("error", err))
		return
	}

	var removed int
	for _, info := range infos {
		if !info.LastModified.Before(cutoff) {
			continue
		}
		if err := s.deps.Objects.Remove(ctx, info.Key); err != nil {
			s.logger.ErrorContext(ctx, "failed to remove cached user file",
				slog.String("key", info.Key), slog.Any("error", err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.InfoContext(ctx, "swept cached user files", slog.Int("removed", removed))
	}
}

// sweepLocalCache bounds the reader's local cache directory: when the
// total size exceeds the configured budget, the oldest files go first.
func (s *Scheduler) sweepLocalCache(ctx context.Context) {
	type entry struct {
		path string
		size int64
		mod  time.Time
	}
	var entries []entry
	var total int64
	err := filepath.WalkDir(s.rdrCfg.CacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, entry{path: path, size: info.Size(), mod: info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil || total <= s.rdrCfg.CacheMaxBytes {
		return
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].mod.Before(entries[j].mod) })
	var removed int
	for _, e := range entries {
		if total <= s.rdrCfg.CacheMaxBytes {
			break
		}
		if err := os.Remove(e.path); err != nil {
			s.logger.WarnContext(ctx, "failed to remove cached file",
				slog.String("path", e.path), slog.Any("error", err))
			continue
		}
		total -= e.size
		removed++
	}
	if removed > 0 {
		s.logger.InfoContext(ctx, "trimmed local reader cache",
			slog.Int("removed", removed), slog.Int64("bytes", total))
	}
}
