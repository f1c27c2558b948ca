package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"agromet/internal/core"
	"agromet/internal/types"
)

// jobResponse is the poll contract: status plus whichever output shape the
// job produced.
type jobResponse struct {
	JobID  string          `json:"job_id"`
	Status types.JobStatus `json:"status"`
	Errors []string        `json:"errors"`
	URL    string          `json:"url,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// HandleJob serves GET /job/{id}: the current job state, with a presigned
// download URL for file-backed outputs or the inline payload for JSON
// outputs once the job succeeds.
func (h *Handler) HandleJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	job, err := h.store.GetByID(ctx, id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := jobResponse{
		JobID:  job.ID,
		Status: job.Status,
		Errors: job.Errors,
	}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}

	if job.Status == types.JobSuccess {
		switch {
		case len(job.OutputJSON) > 0:
			resp.Data = json.RawMessage(job.OutputJSON)
		case job.OutputKey != "":
			url, err := h.jobs.PresignOutput(ctx, job)
			if err != nil {
				h.logger.ErrorContext(ctx, "failed to presign job output",
					slog.String("job_id", job.ID), slog.Any("error", err))
				core.Error(w, r, err)
				return
			}
			resp.URL = url
		}
	}

	core.JSON(w, r, http.StatusOK, resp)
}
