package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"cropharvest-orchestrator/internal/metrics"
)

func NewRouter(h *Handler, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", h.PostEvent)

		r.Get("/runs", h.ListRuns)
		r.Route("/runs/{runId}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				h.GetRun(w, req, chi.URLParam(req, "runId"))
			})
			r.Post("/cancel", func(w http.ResponseWriter, req *http.Request) {
				h.CancelRun(w, req, chi.URLParam(req, "runId"))
			})
			r.Post("/approval", func(w http.ResponseWriter, req *http.Request) {
				h.SubmitApproval(w, req, chi.URLParam(req, "runId"))
			})
			r.Get("/steps/{jobId}/{index}/log", func(w http.ResponseWriter, req *http.Request) {
				h.GetStepLog(w, req, chi.URLParam(req, "runId"), chi.URLParam(req, "jobId"), chi.URLParam(req, "index"))
			})
		})

		r.Get("/approvals/pending", h.PendingApprovals)

		r.Post("/benchmarks", h.StartBenchmarks)
		r.Get("/benchmarks/results", h.BenchmarkResults)

		r.Route("/datasets/{name}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				h.GetDataset(w, req, chi.URLParam(req, "name"))
			})
			r.Post("/finalize", func(w http.ResponseWriter, req *http.Request) {
				h.FinalizeDataset(w, req, chi.URLParam(req, "name"))
			})
		})
	})

	return r
}
