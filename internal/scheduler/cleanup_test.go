package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agromet/internal/config"
	"agromet/internal/store/object"
	"agromet/internal/types"
)

type fakeJobCleaner struct {
	removed int
	err     error
	calls   int
}

func (f *fakeJobCleaner) Cleanup(context.Context) (int, error) {
	f.calls++
	return f.removed, f.err
}

type fakeFileSweeper struct {
	deletable []types.DataSourceFile
	purged    []int64
}

func (f *fakeFileSweeper) ListDeletable(_ context.Context, _ time.Time) ([]types.DataSourceFile, error) {
	return f.deletable, nil
}

func (f *fakeFileSweeper) Purge(_ context.Context, id int64) error {
	f.purged = append(f.purged, id)
	return nil
}

type fakeObjectSweeper struct {
	objects   map[string]time.Time
	removed   []string
	removeErr map[string]error
}

func newFakeObjectSweeper() *fakeObjectSweeper {
	return &fakeObjectSweeper{objects: map[string]time.Time{}, removeErr: map[string]error{}}
}

func (f *fakeObjectSweeper) Key(kind, name string) string {
	return strings.TrimSuffix(path.Join("agromet", kind, name), "/")
}

func (f *fakeObjectSweeper) List(_ context.Context, prefix string) ([]object.ObjectInfo, error) {
	var out []object.ObjectInfo
	for key, mod := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, object.ObjectInfo{Key: key, LastModified: mod})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *fakeObjectSweeper) Remove(_ context.Context, key string) error {
	if err := f.removeErr[key]; err != nil {
		return err
	}
	delete(f.objects, key)
	f.removed = append(f.removed, key)
	return nil
}

type cleanupFixture struct {
	sched   *Scheduler
	jobs    *fakeJobCleaner
	sweep   *fakeFileSweeper
	objects *fakeObjectSweeper
	rdrCfg  config.ReaderConfig
	now     time.Time
}

func newCleanupFixture(t *testing.T) *cleanupFixture {
	t.Helper()
	f := &cleanupFixture{
		jobs:    &fakeJobCleaner{removed: 3},
		sweep:   &fakeFileSweeper{},
		objects: newFakeObjectSweeper(),
		rdrCfg:  config.ReaderConfig{CacheDir: t.TempDir(), CacheMaxBytes: 1 << 30},
		now:     time.Date(2024, 10, 7, 6, 0, 0, 0, time.UTC),
	}
	deps := Deps{Jobs: f.jobs, Sweep: f.sweep, Objects: f.objects}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.sched = New(config.SchedulerConfig{}, config.DCASConfig{}, config.JobsConfig{RetentionDays: 14}, f.rdrCfg, deps, logger)
	f.sched.now = func() time.Time { return f.now }
	return f
}

func TestCleanupTick_PurgesRetiredSourceFilesRemoteFirst(t *testing.T) {
	f := newCleanupFixture(t)
	f.sweep.deletable = []types.DataSourceFile{
		{ID: 1, Metadata: types.SourceFileMetadata{RemoteURL: "agromet/array_store/ds1/v1"}},
		{ID: 2, Metadata: types.SourceFileMetadata{RemoteURL: "agromet/array_store/ds1/v2"}},
		{ID: 3},
	}
	f.objects.objects["agromet/array_store/ds1/v1/.zgroup"] = f.now
	f.objects.objects["agromet/array_store/ds1/v1/tmax/0.0.0"] = f.now
	f.objects.objects["agromet/array_store/ds1/v2/.zgroup"] = f.now
	f.objects.removeErr["agromet/array_store/ds1/v2/.zgroup"] = errors.New("connection reset")

	f.sched.CleanupTick(context.Background())

	assert.Equal(t, 1, f.jobs.calls)
	// File 1 loses both objects and its row; file 2's failed remove keeps
	// the row for the next sweep; file 3 has no remote payload.
	assert.ElementsMatch(t, []int64{1, 3}, f.sweep.purged)
	assert.NotContains(t, f.objects.objects, "agromet/array_store/ds1/v1/.zgroup")
	assert.NotContains(t, f.objects.objects, "agromet/array_store/ds1/v1/tmax/0.0.0")
	assert.Contains(t, f.objects.objects, "agromet/array_store/ds1/v2/.zgroup")
}

func TestCleanupTick_SweepsStaleUserData(t *testing.T) {
	f := newCleanupFixture(t)
	stale := f.now.AddDate(0, 0, -20)
	fresh := f.now.AddDate(0, 0, -2)
	f.objects.objects["agromet/user_data/old.parquet"] = stale
	f.objects.objects["agromet/user_data/recent.csv"] = fresh
	f.objects.objects["agromet/dcas/delivery/2024-09-30.csv"] = stale

	f.sched.CleanupTick(context.Background())

	assert.NotContains(t, f.objects.objects, "agromet/user_data/old.parquet")
	assert.Contains(t, f.objects.objects, "agromet/user_data/recent.csv")
	assert.Contains(t, f.objects.objects, "agromet/dcas/delivery/2024-09-30.csv")
}

func TestCleanupTick_TrimsLocalCacheOldestFirst(t *testing.T) {
	f := newCleanupFixture(t)
	f.sched.rdrCfg.CacheMaxBytes = 25

	write := func(name string, size int, age time.Duration) string {
		p := filepath.Join(f.rdrCfg.CacheDir, name)
		require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
		mod := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(p, mod, mod))
		return p
	}
	oldest := write("aaa.chunk", 10, 3*time.Hour)
	middle := write("bbb.chunk", 10, 2*time.Hour)
	newest := write("ccc.chunk", 10, time.Hour)

	f.sched.CleanupTick(context.Background())

	_, err := os.Stat(oldest)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(middle)
	assert.NoError(t, err)
	_, err = os.Stat(newest)
	assert.NoError(t, err)
}

func TestCleanupTick_LocalCacheUnderBudgetUntouched(t *testing.T) {
	f := newCleanupFixture(t)
	p := filepath.Join(f.rdrCfg.CacheDir, "keep.chunk")
	require.NoError(t, os.WriteFile(p, make([]byte, 64), 0o644))

	f.sched.CleanupTick(context.Background())

	_, err := os.Stat(p)
	assert.NoError(t, err)
}
