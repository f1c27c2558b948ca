// Package api implements the measurement and job endpoints: parameter
// parsing into reader queries, inline and asynchronous job execution, and
// the job poll contract.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"agromet/internal/reader"
	"agromet/internal/types"
)

// DatasetResolver maps the product query parameter onto a registered
// dataset. Satisfied by *catalog.DatasetRepository.
type DatasetResolver interface {
	GetByName(ctx context.Context, name string) (*types.Dataset, error)
}

// JobRunner executes read/export jobs. Satisfied by *jobs.Executor.
type JobRunner interface {
	RunInline(ctx context.Context, userID string, q reader.Query) (*types.Job, error)
	RunAsync(ctx context.Context, userID string, q reader.Query) (*types.Job, error)
	PresignOutput(ctx context.Context, job *types.Job) (string, error)
}

// JobFinder looks up job rows for the poll endpoint. Satisfied by
// *catalog.JobRepository.
type JobFinder interface {
	GetByID(ctx context.Context, id string) (*types.Job, error)
}

// Handler serves the /v1 measurement and job routes.
type Handler struct {
	datasets DatasetResolver
	jobs     JobRunner
	store    JobFinder
	logger   *slog.Logger
}

// NewHandler wires the API handler.
func NewHandler(datasets DatasetResolver, jobs JobRunner, store JobFinder, logger *slog.Logger) *Handler {
	return &Handler{
		datasets: datasets,
		jobs:     jobs,
		store:    store,
		logger:   logger.With(slog.String("component", "api")),
	}
}

// Routes mounts the handler group. Identity is resolved upstream of this
// service; the X-User-Id header only scopes job ownership.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/measurement", h.HandleMeasurement)
	r.Get("/job/{id}", h.HandleJob)
}

func userID(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}
