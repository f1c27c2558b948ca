// Package scheduler wires the periodic pipeline triggers: daily collector
// and ingestor ticks per dataset, the weekly advisory run, and the
// retention cleanup sweep. Sessions are the unit of exclusion: a tick
// creates a session only when no session for the same logical date is
// still pending or running, so concurrent firings collapse into one run.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"agromet/internal/collector"
	"agromet/internal/config"
	"agromet/internal/types"
)

// DatasetSource lists registered datasets. Satisfied by
// *catalog.DatasetRepository.
type DatasetSource interface {
	List(ctx context.Context, dsType types.DatasetType) ([]types.Dataset, error)
}

// CountrySource lists registered countries. Satisfied by
// *catalog.CountryRepository.
type CountrySource interface {
	List(ctx context.Context) ([]types.Country, error)
}

// GridSource lists the grid cells of a country. Satisfied by
// *catalog.GridRepository.
type GridSource interface {
	ListByCountry(ctx context.Context, countryID int64) ([]types.Grid, error)
}

// SessionSource is the session surface of the triggers. Satisfied by
// *catalog.SessionRepository.
type SessionSource interface {
	Create(ctx context.Context, s *types.Session) error
	Finish(ctx context.Context, id string, status types.SessionStatus, progress *types.SessionProgress, reason string) error
	FindSuccessfulInputs(ctx context.Context, datasetID int64, logicalDate time.Time) ([]types.Session, error)
	FileIDs(ctx context.Context, sessionID string) ([]int64, error)
}

// FileSource resolves source file rows. Satisfied by
// *catalog.DataSourceFileRepository.
type FileSource interface {
	GetByID(ctx context.Context, id int64) (*types.DataSourceFile, error)
}

// GroupSource lists farm groups for the weekly advisory run. Satisfied by
// *catalog.FarmRepository.
type GroupSource interface {
	ListGroups(ctx context.Context, ids []int64) ([]types.FarmGroup, error)
}

// CollectorRunner executes one collector session. Satisfied by
// *collector.Runner.
type CollectorRunner interface {
	Run(ctx context.Context, session *types.Session, dataset *types.Dataset, grids []types.Grid, window collector.Window) error
}

// IngestorRunner executes one ingestor session. Satisfied by
// *ingestor.Runner.
type IngestorRunner interface {
	Run(ctx context.Context, session *types.Session, dataset *types.Dataset, grids []types.Grid, inputs []types.DataSourceFile) error
}

// AdvisoryRunner executes one weekly advisory request. Satisfied by
// *dcas.Orchestrator.
type AdvisoryRunner interface {
	Run(ctx context.Context, requestDate time.Time, groupIDs []int64, dataset *types.Dataset) (*types.DCASRequest, error)
}

// Deps bundles the trigger dependencies.
type Deps struct {
	Datasets  DatasetSource
	Countries CountrySource
	Grids     GridSource
	Sessions  SessionSource
	Files     FileSource
	Groups    GroupSource
	Collector CollectorRunner
	Ingestor  IngestorRunner
	Advisory  AdvisoryRunner
	Jobs      JobCleaner
	Sweep     SourceFileSweeper
	Objects   ObjectSweeper
}

// Scheduler owns the cron registrations and the tick handlers.
type Scheduler struct {
	cfg     config.SchedulerConfig
	dcasCfg config.DCASConfig
	jobsCfg config.JobsConfig
	rdrCfg  config.ReaderConfig
	deps    Deps
	cron    *cron.Cron
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a scheduler over the given dependencies. Start registers the
// configured cron expressions and launches the cron loop.
func New(cfg config.SchedulerConfig, dcasCfg config.DCASConfig, jobsCfg config.JobsConfig, rdrCfg config.ReaderConfig, deps Deps, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		dcasCfg: dcasCfg,
		jobsCfg: jobsCfg,
		rdrCfg:  rdrCfg,
		deps:    deps,
		cron:    cron.New(),
		logger:  logger.With(slog.String("component", "scheduler")),
		now:     time.Now,
	}
}

// Start registers the periodic triggers and starts the cron loop.
func (s *Scheduler) Start() error {
	jobs := []struct {
		spec string
		name string
		fn   func(context.Context)
	}{
		{s.cfg.CollectorCron, "collector", s.CollectorTick},
		{s.cfg.IngestorCron, "ingestor", s.IngestorTick},
		{s.cfg.DCASCron, "dcas", s.DCASTick},
		{s.cfg.CleanupCron, "cleanup", s.CleanupTick},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, func() { j.fn(context.Background()) }); err != nil {
			return types.NewAppError(types.ErrCodeValidationInvalidParams,
				"invalid cron expression for "+j.name, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop; the returned context is done once running jobs
// finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// logicalDate is the schedule day of the current tick: today at UTC
// midnight.
func (s *Scheduler) logicalDate() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *Scheduler) arrayDatasets(ctx context.Context) ([]types.Dataset, error) {
	var out []types.Dataset
	for _, dsType := range []types.DatasetType{types.DatasetForecast, types.DatasetHistorical} {
		list, err := s.deps.Datasets.List(ctx, dsType)
		if err != nil {
			return nil, err
		}
		for _, d := range list {
			if d.Store == types.StoreArray {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (s *Scheduler) allGrids(ctx context.Context) ([]types.Grid, error) {
	countries, err := s.deps.Countries.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Grid
	for _, c := range countries {
		grids, err := s.deps.Grids.ListByCountry(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, grids...)
	}
	return out, nil
}

// collectWindow is the fetch range of one collector run: the dataset's full
// day-index window around the logical date for forecasts, the previous day
// for historical series.
func collectWindow(d *types.Dataset, logical time.Time) collector.Window {
	if d.Type == types.DatasetForecast {
		return collector.Window{
			Start: logical.AddDate(0, 0, d.DayIndexStart),
			End:   logical.AddDate(0, 0, d.DayIndexEnd-1),
		}
	}
	return collector.Window{
		Start: logical.AddDate(0, 0, -1),
		End:   logical.AddDate(0, 0, -1),
	}
}

// claimSession creates the tick's session, reporting taken=false when a
// session for the same logical date is already pending or running.
func (s *Scheduler) claimSession(ctx context.Context, session *types.Session) (bool, error) {
	err := s.deps.Sessions.Create(ctx, session)
	if err == nil {
		return true, nil
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictSessionActive {
		return false, nil
	}
	return false, err
}

// CollectorTick starts one collector session per array dataset for today's
// logical date. Datasets whose slot is taken are skipped.
func (s *Scheduler) CollectorTick(ctx context.Context) {
	logical := s.logicalDate()
	datasets, err := s.arrayDatasets(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "collector tick failed to list datasets", slog.Any("error", err))
		return
	}
	grids, err := s.allGrids(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "collector tick failed to list grids", slog.Any("error", err))
		return
	}

	for i := range datasets {
		d := &datasets[i]
		session := &types.Session{
			ID:          uuid.NewString(),
			Kind:        types.SessionCollector,
			DatasetID:   d.ID,
			Status:      types.SessionPending,
			LogicalDate: logical,
		}
		taken, err := s.claimSession(ctx, session)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to claim collector session",
				slog.String("dataset", d.Name), slog.Any("error", err))
			continue
		}
		if !taken {
			s.logger.InfoContext(ctx, "collector session already active",
				slog.String("dataset", d.Name), slog.Time("logical_date", logical))
			continue
		}
		if err := s.deps.Collector.Run(ctx, session, d, grids, collectWindow(d, logical)); err != nil {
			s.logger.ErrorContext(ctx, "collector run failed",
				slog.String("dataset", d.Name), slog.String("session_id", session.ID), slog.Any("error", err))
		}
	}
}

// IngestorTick starts one ingestor session per dataset that has finished
// collector sessions awaiting ingestion for today's logical date.
func (s *Scheduler) IngestorTick(ctx context.Context) {
	logical := s.logicalDate()
	datasets, err := s.arrayDatasets(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "ingestor tick failed to list datasets", slog.Any("error", err))
		return
	}
	grids, err := s.allGrids(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "ingestor tick failed to list grids", slog.Any("error", err))
		return
	}

	for i := range datasets {
		d := &datasets[i]
		inputs, err := s.deps.Sessions.FindSuccessfulInputs(ctx, d.ID, logical)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to find input sessions",
				slog.String("dataset", d.Name), slog.Any("error", err))
			continue
		}
		if len(inputs) == 0 {
			continue
		}

		var files []types.DataSourceFile
		inputIDs := make([]string, 0, len(inputs))
		for _, in := range inputs {
			inputIDs = append(inputIDs, in.ID)
			fileIDs, err := s.deps.Sessions.FileIDs(ctx, in.ID)
			if err != nil {
				s.logger.ErrorContext(ctx, "failed to resolve session files",
					slog.String("session_id", in.ID), slog.Any("error", err))
				files = nil
				break
			}
			for _, id := range fileIDs {
				f, err := s.deps.Files.GetByID(ctx, id)
				if err != nil {
					s.logger.ErrorContext(ctx, "failed to load source file",
						slog.Int64("file_id", id), slog.Any("error", err))
					files = nil
					break
				}
				files = append(files, *f)
			}
		}
		if len(files) == 0 {
			continue
		}

		session := &types.Session{
			ID:              uuid.NewString(),
			Kind:            types.SessionIngestor,
			DatasetID:       d.ID,
			Status:          types.SessionPending,
			LogicalDate:     logical,
			InputSessionIDs: inputIDs,
		}
		taken, err := s.claimSession(ctx, session)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to claim ingestor session",
				slog.String("dataset", d.Name), slog.Any("error", err))
			continue
		}
		if !taken {
			s.logger.InfoContext(ctx, "ingestor session already active",
				slog.String("dataset", d.Name), slog.Time("logical_date", logical))
			continue
		}
		if err := s.deps.Ingestor.Run(ctx, session, d, grids, files); err != nil {
			s.logger.ErrorContext(ctx, "ingestor run failed",
				slog.String("dataset", d.Name), slog.String("session_id", session.ID), slog.Any("error", err))
		}
	}
}

// DCASTick starts the weekly advisory run on the configured weekday,
// claiming a dcas session for the logical date so duplicate firings are
// dropped.
func (s *Scheduler) DCASTick(ctx context.Context) {
	logical := s.logicalDate()
	if int(logical.Weekday()) != s.dcasCfg.RunWeekday {
		return
	}

	dataset, err := s.advisoryDataset(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "dcas tick failed to resolve dataset", slog.Any("error", err))
		return
	}

	groups, err := s.deps.Groups.ListGroups(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "dcas tick failed to list farm groups", slog.Any("error", err))
		return
	}
	if len(groups) == 0 {
		s.logger.InfoContext(ctx, "no farm groups registered, skipping advisory run")
		return
	}
	groupIDs := make([]int64, len(groups))
	for i, g := range groups {
		groupIDs[i] = g.ID
	}

	session := &types.Session{
		ID:          uuid.NewString(),
		Kind:        types.SessionDCAS,
		DatasetID:   dataset.ID,
		Status:      types.SessionPending,
		LogicalDate: logical,
	}
	taken, err := s.claimSession(ctx, session)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to claim dcas session", slog.Any("error", err))
		return
	}
	if !taken {
		s.logger.InfoContext(ctx, "advisory run already active", slog.Time("logical_date", logical))
		return
	}

	req, err := s.deps.Advisory.Run(ctx, logical, groupIDs, dataset)
	if err != nil {
		s.logger.ErrorContext(ctx, "advisory run failed", slog.Any("error", err))
		if ferr := s.deps.Sessions.Finish(ctx, session.ID, types.SessionFailed, nil, err.Error()); ferr != nil {
			s.logger.ErrorContext(ctx, "failed to finish dcas session", slog.Any("error", ferr))
		}
		return
	}
	progress := &types.SessionProgress{Notes: "request " + req.ID}
	if err := s.deps.Sessions.Finish(ctx, session.ID, types.SessionSuccess, progress, ""); err != nil {
		s.logger.ErrorContext(ctx, "failed to finish dcas session", slog.Any("error", err))
	}
}

func (s *Scheduler) advisoryDataset(ctx context.Context) (*types.Dataset, error) {
	list, err := s.deps.Datasets.List(ctx, types.DatasetForecast)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Name == s.dcasCfg.DatasetName {
			return &list[i], nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeResourceMissing,
		"advisory forecast dataset not registered: "+s.dcasCfg.DatasetName, nil)
}
