// File: internal/infra/api/server.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"price-direction-ml/internal/domain"
	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/repository"
	"price-direction-ml/internal/infra/logging"
	red "price-direction-ml/internal/infra/redis"
	"price-direction-ml/internal/usecase"
)

const (
	enqueueRateLimit  = 30
	enqueueRateWindow = time.Minute
)

// Server exposes training control, predictions and storage inspection over
// HTTP. Auth and rate limiting are optional: a nil AuthManager leaves
// mutating routes open, a nil limiter disables throttling.
type Server struct {
	training usecase.TrainingUseCase
	predict  usecase.PredictionUseCase
	store    repository.AssetStore
	auth     *AuthManager
	limiter  *red.RateLimiter
	log      *zerolog.Logger
}

func NewServer(
	training usecase.TrainingUseCase,
	predict usecase.PredictionUseCase,
	store repository.AssetStore,
	auth *AuthManager,
	limiter *red.RateLimiter,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		training: training,
		predict:  predict,
		store:    store,
		auth:     auth,
		limiter:  limiter,
		log:      logger,
	}
}

// Router builds the route tree. Cross-cutting middleware (trace, logging,
// recovery, timeout) is layered on top by the caller via Chain.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/training", func(r chi.Router) {
			r.Get("/status", s.handleTrainingStatus)
			r.Get("/can-train", s.handleCanTrain)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.With(RateLimit(s.limiter, "training", enqueueRateLimit, enqueueRateWindow, s.log)).
					Post("/jobs", s.handleEnqueue)
				r.Delete("/jobs/{id}", s.handleCancel)
				r.Post("/emergency-stop", s.handleEmergencyStop)
				r.Post("/resume", s.handleResume)
			})
		})

		r.Route("/assets/{asset}", func(r chi.Router) {
			r.Use(AssetContext)
			r.Get("/record", s.handleRecord)
			r.Get("/predict", s.handlePredict)
		})

		r.Route("/storage", func(r chi.Router) {
			r.Get("/stats", s.handleStorageStats)
			r.With(s.requireAuth).Post("/cleanup", s.handleCleanup)
		})
	})

	return r
}

// requireAuth guards mutating routes when a token secret is configured.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := s.auth.ParseFromRequest(r); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

//
// ---------------- training ----------------
//

type enqueueRequest struct {
	Asset    string `json:"asset"`
	Model    string `json:"model"`
	Priority int    `json:"priority"`
}

type enqueueResponse struct {
	JobIDs []string `json:"job_ids"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Asset == "" {
		writeError(w, http.StatusBadRequest, "asset is required")
		return
	}

	var (
		ids []string
		err error
	)
	if req.Model == "" {
		ids, err = s.training.RequestEnsemble(req.Asset, req.Priority)
	} else {
		kind, perr := model.ParseModelKind(req.Model)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		var id string
		id, err = s.training.RequestTraining(req.Asset, kind, req.Priority)
		ids = []string{id}
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobIDs: ids})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reason := r.URL.Query().Get("reason")
	if !s.training.CancelJob(id, reason) {
		writeError(w, http.StatusNotFound, "job not found or already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "job_id": id})
}

type jobView struct {
	ID           string     `json:"id"`
	Asset        string     `json:"asset"`
	Model        string     `json:"model"`
	Priority     int        `json:"priority"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	QueuedAt     time.Time  `json:"queued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
}

func toJobView(j model.TrainingJob) jobView {
	return jobView{
		ID:           j.ID,
		Asset:        j.Asset,
		Model:        string(j.Model),
		Priority:     j.Priority,
		Status:       string(j.Status),
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		QueuedAt:     j.QueuedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		LastError:    j.LastError,
		CancelReason: j.CancelReason,
	}
}

func toJobViews(jobs []model.TrainingJob) []jobView {
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobView(j))
	}
	return out
}

type cooldownView struct {
	Asset            string    `json:"asset"`
	Model            string    `json:"model"`
	CompletedAt      time.Time `json:"completed_at"`
	RemainingSeconds float64   `json:"remaining_seconds"`
}

type statusResponse struct {
	Processing bool           `json:"processing"`
	Active     []jobView      `json:"active"`
	Queued     []jobView      `json:"queued"`
	History    []jobView      `json:"history"`
	Cooldowns  []cooldownView `json:"cooldowns"`
}

func (s *Server) handleTrainingStatus(w http.ResponseWriter, r *http.Request) {
	st := s.training.Status()
	resp := statusResponse{
		Processing: st.Processing,
		Active:     toJobViews(st.Active),
		Queued:     toJobViews(st.Queued),
		History:    toJobViews(st.History),
		Cooldowns:  make([]cooldownView, 0, len(st.Cooldowns)),
	}
	for _, cd := range st.Cooldowns {
		resp.Cooldowns = append(resp.Cooldowns, cooldownView{
			Asset:            cd.Asset,
			Model:            string(cd.Model),
			CompletedAt:      cd.CompletedAt,
			RemainingSeconds: cd.Remaining.Seconds(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type canTrainResponse struct {
	Allowed           bool    `json:"allowed"`
	Reason            string  `json:"reason,omitempty"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

func (s *Server) handleCanTrain(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		writeError(w, http.StatusBadRequest, "asset is required")
		return
	}
	kind, err := model.ParseModelKind(r.URL.Query().Get("model"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	adm := s.training.CanTrain(asset, kind)
	writeJSON(w, http.StatusOK, canTrainResponse{
		Allowed:           adm.Allowed,
		Reason:            adm.Reason,
		RetryAfterSeconds: adm.RetryAfter.Seconds(),
	})
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	s.training.EmergencyStop(req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "reason": req.Reason})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.training.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

//
// ---------------- assets ----------------
//

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	rec, err := s.store.Snapshot(asset)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	// Weight values stay on disk; the API exposes tensor names and shapes only.
	for _, art := range rec.Models {
		if art == nil || art.Weights == nil {
			continue
		}
		for i := range art.Weights.Tensors {
			art.Weights.Tensors[i].Values = nil
		}
	}
	writeJSON(w, http.StatusOK, rec)
}

type ensembleResponse struct {
	Asset   string                  `json:"asset"`
	Signals []model.DirectionSignal `json:"signals"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	kindParam := r.URL.Query().Get("model")

	if kindParam == "" {
		sigs, err := s.predict.PredictEnsemble(r.Context(), asset)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ensembleResponse{Asset: asset, Signals: sigs})
		return
	}

	kind, err := model.ParseModelKind(kindParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sig, err := s.predict.Predict(r.Context(), asset, kind)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

//
// ---------------- storage ----------------
//

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.StorageStats()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type cleanupRequest struct {
	MaxAgeHours float64 `json:"max_age_hours"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	maxAge := time.Duration(req.MaxAgeHours * float64(time.Hour))

	stats, err := s.store.Cleanup(maxAge)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

//
// ---------------- responses ----------------
//

type admissionRefusal struct {
	Error             string  `json:"error"`
	Asset             string  `json:"asset"`
	Model             string  `json:"model"`
	Reason            string  `json:"reason"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var adm *domain.AdmissionError
	if errors.As(err, &adm) {
		writeJSON(w, http.StatusConflict, admissionRefusal{
			Error:             "training refused",
			Asset:             adm.Asset,
			Model:             adm.Model,
			Reason:            adm.Reason.Error(),
			RetryAfterSeconds: adm.RetryAfter.Seconds(),
		})
		return
	}
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrNoTrainedWeights),
		errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrShuttingDown),
		errors.Is(err, domain.ErrEmergencyStopped),
		errors.Is(err, domain.ErrStoreClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		l := logging.With(r.Context(), s.log)
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
