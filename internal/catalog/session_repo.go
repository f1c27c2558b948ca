package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"agromet/internal/types"
)

// SessionRepository provides data access for the sessions table. Sessions
// are the unit of exclusion for the pipelines: the scheduler creates at
// most one non-terminal session per (kind, dataset, logical date), and the
// ingestor consumes collector sessions only after they reach success.
type SessionRepository struct {
	db DBTX
}

// NewSessionRepository creates a new SessionRepository backed by the given
// database connection (pool or transaction).
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, kind, dataset_id, status, logical_date,
	started_at, ended_at, config, progress, input_session_ids, reason`

// Create inserts a session unless a non-terminal session already exists for
// the same (kind, dataset, logical date). Uses INSERT ... WHERE NOT EXISTS
// in a single statement so concurrent scheduler firings cannot both insert.
// Returns a conflict error when the slot is taken.
func (r *SessionRepository) Create(ctx context.Context, s *types.Session) error {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal session config", err)
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO sessions (id, kind, dataset_id, status, logical_date, config, input_session_ids)
		 SELECT $1, $2, $3, $4, $5, $6, $7
		 WHERE NOT EXISTS (
		   SELECT 1 FROM sessions
		   WHERE kind = $2 AND dataset_id = $3 AND logical_date = $5
		     AND status IN ('pending', 'running')
		 )`,
		s.ID, string(s.Kind), s.DatasetID, string(s.Status), s.LogicalDate, cfg, s.InputSessionIDs,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create session", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictSessionActive,
			"a session for this logical date is already pending or running", nil)
	}
	return nil
}

// GetByID returns one session.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*types.Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeResourceMissing, "session not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query session", err)
	}
	return s, nil
}

// MarkRunning transitions pending → running and stamps started_at. The
// status predicate makes the transition idempotent under re-delivery.
func (r *SessionRepository) MarkRunning(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE sessions SET status = 'running', started_at = NOW()
		 WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark session running", err)
	}
	return nil
}

// Finish records the terminal state of a session together with its
// structured progress notes and single-line failure reason.
func (r *SessionRepository) Finish(ctx context.Context, id string, status types.SessionStatus, progress *types.SessionProgress, reason string) error {
	var prog []byte
	if progress != nil {
		var err error
		prog, err = json.Marshal(progress)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal session progress", err)
		}
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE sessions
		 SET status = $2, ended_at = NOW(), progress = COALESCE($3, progress), reason = $4
		 WHERE id = $1`,
		id, string(status), prog, reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish session", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "session to finish not found", nil)
	}
	return nil
}

// FindSuccessfulInputs returns collector sessions with status success for a
// dataset and logical date that have not yet been consumed by a successful
// ingestor session. These become the input_session_ids of the ingestor run.
func (r *SessionRepository) FindSuccessfulInputs(ctx context.Context, datasetID int64, logicalDate time.Time) ([]types.Session, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions c
		 WHERE c.kind = 'collector' AND c.dataset_id = $1 AND c.logical_date = $2
		   AND c.status = 'success'
		   AND NOT EXISTS (
		     SELECT 1 FROM sessions i
		     WHERE i.kind = 'ingestor' AND i.dataset_id = $1 AND i.status = 'success'
		       AND c.id = ANY(i.input_session_ids)
		   )
		 ORDER BY c.logical_date`,
		datasetID, logicalDate,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query input sessions", err)
	}
	return collectSessions(rows)
}

// FindResumable returns the most recent non-terminal session of a kind for
// a dataset, if any, so a restarted worker can pick it back up.
func (r *SessionRepository) FindResumable(ctx context.Context, kind types.SessionKind, datasetID int64) (*types.Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE kind = $1 AND dataset_id = $2 AND status IN ('pending', 'running')
		 ORDER BY logical_date DESC
		 LIMIT 1`,
		string(kind), datasetID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query resumable session", err)
	}
	return s, nil
}

// SessionFiles links the source files a collector session produced.
func (r *SessionRepository) AttachFile(ctx context.Context, sessionID string, fileID int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO session_files (session_id, file_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		sessionID, fileID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to attach file to session", err)
	}
	return nil
}

// FileIDs returns the source files attached to a session, oldest first.
func (r *SessionRepository) FileIDs(ctx context.Context, sessionID string) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT file_id FROM session_files WHERE session_id = $1 ORDER BY file_id`, sessionID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query session files", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan session file id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating session files", err)
	}
	return ids, nil
}

func scanSession(row pgx.Row) (*types.Session, error) {
	var (
		s            types.Session
		kind, status string
		cfg, prog    []byte
	)
	if err := row.Scan(
		&s.ID, &kind, &s.DatasetID, &status, &s.LogicalDate,
		&s.StartedAt, &s.EndedAt, &cfg, &prog, &s.InputSessionIDs, &s.Reason,
	); err != nil {
		return nil, err
	}
	s.Kind = types.SessionKind(kind)
	s.Status = types.SessionStatus(status)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &s.Config); err != nil {
			return nil, err
		}
	}
	if len(prog) > 0 {
		s.Progress = &types.SessionProgress{}
		if err := json.Unmarshal(prog, s.Progress); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]types.Session, error) {
	defer rows.Close()
	var out []types.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan session", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating sessions", err)
	}
	return out, nil
}
