package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"grantvault/gateway/auth"
	"grantvault/ledger"
	"grantvault/native/escrow"
	"grantvault/native/escrow/datum"
	"grantvault/native/escrow/release"
	"grantvault/native/escrow/txbuilder"
	"grantvault/storage/escrowdb"
)

// Server wires the HTTP surface to the escrow engines.
type Server struct {
	cfg           Config
	store         *escrowdb.Store
	gateway       ledger.Gateway
	builder       *txbuilder.Builder
	lifecycle     *escrow.Lifecycle
	tally         *escrow.Tally
	orchestrator  *release.Orchestrator
	authenticator *auth.Authenticator
	notifier      *Notifier
	logger        *slog.Logger
	metrics       *Metrics
	network       datum.Network
	now           func() time.Time

	router chi.Router
}

// NewServer assembles the service. The ledger gateway is injected so tests
// can run against a fake chain.
func NewServer(cfg Config, store *escrowdb.Store, gateway ledger.Gateway, logger *slog.Logger) (*Server, error) {
	network, err := networkFrom(cfg.Network)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	lifecycle := escrow.NewLifecycle(nil)
	lifecycle.SetMinEvidence(cfg.Policy.MinEvidence)

	tally := escrow.NewTally(store.TallyState(), lifecycle)
	tally.SetThresholdBps(cfg.Policy.ThresholdBps)

	builder := txbuilder.NewBuilder(cfg.ContractAddress,
		txbuilder.WithMaxVoterSigners(cfg.Policy.MaxVoterSigners))

	var authenticator *auth.Authenticator
	if len(cfg.APIKeys) > 0 {
		secrets := make(map[string]string, len(cfg.APIKeys))
		for _, key := range cfg.APIKeys {
			secrets[key.Key] = key.Secret
		}
		authenticator = auth.New(secrets, cfg.TimestampSkew, cfg.NonceCapacity, nil)
	}

	s := &Server{
		cfg:           cfg,
		store:         store,
		gateway:       gateway,
		builder:       builder,
		lifecycle:     lifecycle,
		tally:         tally,
		authenticator: authenticator,
		notifier:      NewNotifier(store, cfg.WebhookURL, logger),
		logger:        logger,
		metrics:       NewMetrics(),
		network:       network,
		now:           func() time.Time { return time.Now().UTC() },
	}
	s.orchestrator = release.NewOrchestrator(store, gateway, builder,
		release.WithLogger(logger),
		release.WithNetwork(network),
		release.WithRetryPolicy(cfg.Policy.SubmitAttempts, cfg.Policy.Backoff()),
		release.WithQueueSize(cfg.Policy.ReleaseQueue),
		release.WithFundingPolicy(txbuilder.FundingContext{
			Fee:           cfg.Policy.FeeLovelace,
			DustThreshold: cfg.Policy.DustThreshold,
			CollateralMin: cfg.Policy.CollateralMin,
		}),
		release.WithSettlementHook(s.onWorkerSettled),
	)
	s.router = s.routes()
	return s, nil
}

// onWorkerSettled accounts for releases the queue worker settles, which never
// pass back through the HTTP handler.
func (s *Server) onWorkerSettled(res release.Result) {
	s.metrics.Releases.WithLabelValues("success").Inc()
	s.notifier.Emit(context.Background(), "milestone.released", res.MilestoneID, map[string]any{
		"projectId":      res.ProjectID,
		"milestoneId":    res.MilestoneID,
		"settlementTxId": res.SettlementTxID,
		"tranche":        res.Tranche,
		"final":          res.Final,
	})
}

// Orchestrator exposes the release engine for the main loop.
func (s *Server) Orchestrator() *release.Orchestrator {
	return s.orchestrator
}

// Notifier exposes the outbox poller for the main loop.
func (s *Server) Notifier() *Notifier {
	return s.notifier
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/projects", s.withIdempotency(s.handleCreateProject))
		r.Get("/projects/{projectID}", s.handleGetProject)
		r.Get("/orgs/{orgID}/projects", s.handleListProjects)

		r.Put("/researchers/{researcherID}", s.handlePutResearcher)
		r.Put("/orgs/{orgID}/members/{memberID}", s.handlePutMember)

		r.Post("/milestones/{milestoneID}/evidence", s.handleAddEvidence)
		r.Post("/milestones/{milestoneID}/submit", s.handleOpenVoting)
		r.Post("/milestones/{milestoneID}/votes", s.handleVote)
		r.Get("/milestones/{milestoneID}/voting-summary", s.handleVotingSummary)
		r.Post("/milestones/{milestoneID}/reject", s.handleReject)
		r.Post("/milestones/{milestoneID}/release", s.withIdempotency(s.handleRelease))

		r.Get("/admin/status", s.handleAdminStatus)
		r.Post("/admin/pause", s.handleAdminPause)
		r.Post("/admin/resume", s.handleAdminResume)
		r.Post("/admin/reconcile", s.handleAdminReconcile)
	})
	return r
}

type contextBodyKey struct{}

// authenticate verifies the HMAC signature when API keys are configured. The
// body is buffered once here and handed to handlers through the request
// context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, auth.MaxBodyForSignature+1))
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid_body", "unable to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if s.authenticator != nil {
			if _, err := s.authenticator.Authenticate(r, body); err != nil {
				s.writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// withIdempotency replays cached responses for requests carrying an
// Idempotency-Key header, keyed by API key and body hash.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}
		apiKey := r.Header.Get(auth.HeaderAPIKey)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid_body", "unable to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		sum := sha256.Sum256(body)
		requestHash := hex.EncodeToString(sum[:])

		cached, err := s.store.LookupIdempotency(r.Context(), apiKey, key, requestHash)
		if errors.Is(err, escrowdb.ErrIdempotencyMismatch) {
			s.writeError(w, r, http.StatusConflict, "idempotency_mismatch", "idempotency key reused with a different request body")
			return
		}
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		if recorder.status < 500 {
			if err := s.store.SaveIdempotency(r.Context(), apiKey, key, requestHash, recorder.status, recorder.body.Bytes()); err != nil {
				s.logger.Error("idempotency cache write failed", "err", err)
			}
		}
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	s.metrics.HTTPRequests.WithLabelValues(routePattern(r), strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Error("response encode failed", "err", err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, r, status, errorResponse{Code: code, Message: message})
}

// writeDomainError maps engine sentinels onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, escrow.ErrDuplicateVote):
		s.writeError(w, r, http.StatusConflict, "duplicate_vote", err.Error())
	case errors.Is(err, escrow.ErrInvalidState):
		s.writeError(w, r, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, escrow.ErrReconciliationRequired):
		s.writeError(w, r, http.StatusConflict, "reconciliation_required", err.Error())
	case errors.Is(err, escrow.ErrNoPayoutAddress),
		errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, escrow.ErrNoSpendableOutputs):
		s.writeError(w, r, http.StatusUnprocessableEntity, "unprocessable", err.Error())
	case errors.Is(err, escrow.ErrInvalidAddressFormat),
		errors.Is(err, escrow.ErrValidation):
		s.writeError(w, r, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, escrow.ErrSubmissionFailure):
		s.writeError(w, r, http.StatusBadGateway, "submission_failed", err.Error())
	case errors.Is(err, release.ErrPaused):
		s.writeError(w, r, http.StatusServiceUnavailable, "paused", err.Error())
	case errors.Is(err, release.ErrInFlight):
		s.writeError(w, r, http.StatusConflict, "in_flight", err.Error())
	case errors.Is(err, release.ErrQueueFull):
		s.writeError(w, r, http.StatusTooManyRequests, "queue_full", err.Error())
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func routePattern(r *http.Request) string {
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if pattern := ctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
