package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andrej220/goldenimage/internal/serverutil"
	"github.com/andrej220/goldenimage/pkg/lg"
	"github.com/andrej220/goldenimage/pkg/provision"
	"github.com/andrej220/goldenimage/pkg/runstore"
	dm "github.com/andrej220/goldenimage/pkg/shared-models"
)

// MAXTIMEOUT bounds one synchronous invocation; the budget plus the last
// step's overrun must fit.
const MAXTIMEOUT time.Duration = 4 * time.Minute

type invokeHandler struct {
	svc *service
}

func (h *invokeHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	req, ok := serverutil.RequestFrom[dm.InvokeRequest](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), MAXTIMEOUT)
	defer cancel()

	resp, err := h.svc.invoke(ctx, req)
	if werr := serverutil.WriteJSON(rw, statusFor(err), resp); werr != nil {
		h.svc.logger.Error("Failed to encode response", lg.Err(werr))
	}
}

// statusFor maps fatal invocation errors to HTTP statuses. A lost session
// still answers 200: the response carries a usable checkpoint.
func statusFor(err error) int {
	switch {
	case err == nil, errors.Is(err, provision.ErrSessionLost):
		return http.StatusOK
	case errors.Is(err, provision.ErrInvalidRoutine), errors.Is(err, provision.ErrCorruptCheckpoint):
		return http.StatusUnprocessableEntity
	case errors.Is(err, provision.ErrHostBusy):
		return http.StatusConflict
	case errors.Is(err, provision.ErrSessionOpen):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *service) runHandler(rw http.ResponseWriter, r *http.Request) {
	rec, err := s.runs.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, runstore.ErrNotFound):
		http.Error(rw, "run not found", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("run lookup failed", lg.Err(err))
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	_ = serverutil.WriteJSON(rw, http.StatusOK, rec)
}

func (s *service) routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/invoke", serverutil.NewValidationHandler[dm.InvokeRequest](&invokeHandler{svc: s}))
	mux.HandleFunc("GET /runs/{id}", s.runHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	return mux
}
