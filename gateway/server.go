// Package gateway exposes the settlement service over HTTP.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arcaded/faults"
	"arcaded/models"
	"arcaded/pool"
	"arcaded/settlement"
	"arcaded/storage"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Store      *storage.Store
	Settlement *settlement.Coordinator
	Pool       *pool.Engine
	Logger     *slog.Logger
}

// Server encapsulates the HTTP API.
type Server struct {
	store      *storage.Store
	settlement *settlement.Coordinator
	pool       *pool.Engine
	logger     *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if cfg.Settlement == nil {
		return nil, errors.New("gateway: settlement coordinator is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("gateway: pool engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		store:      cfg.Store,
		settlement: cfg.Settlement,
		pool:       cfg.Pool,
		logger:     logger,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Post("/sessions", s.CreateSession)
		api.Post("/sessions/{id}/consume", s.ConsumeTime)
		api.Post("/sessions/{id}/end", s.EndSession)
		api.Post("/tips", s.SendTip)
		api.Get("/players/{wallet}", s.GetPlayer)
		api.Get("/players/{wallet}/actions", s.ListActions)
		api.Get("/pool", s.PoolStats)
		api.Get("/pool/eligibility/{wallet}", s.PoolEligibility)
		api.Post("/pool/claims", s.ClaimPool)
		api.Get("/pool/claims/{wallet}", s.ClaimHistory)
		api.Post("/pool/contributions", s.ContributeToPool)
	})

	return r
}

type createSessionRequest struct {
	Wallet string `json:"wallet"`
	GameID string `json:"game_id"`
}

// CreateSession opens a game session for a wallet.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	wallet := strings.ToLower(strings.TrimSpace(req.Wallet))
	if wallet == "" {
		http.Error(w, "wallet is required", http.StatusBadRequest)
		return
	}
	player, err := s.store.EnsurePlayer(r.Context(), wallet)
	if err != nil {
		s.writeError(w, err)
		return
	}
	session, err := s.store.CreateSession(r.Context(), player.ID, wallet, strings.TrimSpace(req.GameID))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

type consumeTimeRequest struct {
	Seconds int64 `json:"seconds"`
}

// ConsumeTime settles a play-time debit for a session.
func (s *Server) ConsumeTime(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	var req consumeTimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	entry, err := s.settlement.ConsumeTime(r.Context(), sessionID, req.Seconds)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

// EndSession closes an active session.
func (s *Server) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if err := s.store.EndSession(r.Context(), sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(models.SessionEnded)})
}

type tipRequest struct {
	SenderFID    uint64 `json:"sender_fid"`
	RecipientFID uint64 `json:"recipient_fid"`
	Quarters     int64  `json:"quarters"`
	Memo         string `json:"memo"`
}

// SendTip settles a tip between two social identities.
func (s *Server) SendTip(w http.ResponseWriter, r *http.Request) {
	var req tipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	entry, err := s.settlement.ExecuteTip(r.Context(), settlement.TipCommand{
		SenderFID:    req.SenderFID,
		RecipientFID: req.RecipientFID,
		Quarters:     req.Quarters,
		Memo:         req.Memo,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

// GetPlayer returns the cached balance view for a wallet.
func (s *Server) GetPlayer(w http.ResponseWriter, r *http.Request) {
	wallet := strings.ToLower(chi.URLParam(r, "wallet"))
	player, err := s.store.PlayerByWallet(r.Context(), wallet)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, player)
}

// ListActions returns a wallet's recent settlement ledger rows.
func (s *Server) ListActions(w http.ResponseWriter, r *http.Request) {
	wallet := strings.ToLower(chi.URLParam(r, "wallet"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	actions, err := s.store.ActionsByWallet(r.Context(), wallet, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, actions)
}

// PoolStats returns the current pool snapshot.
func (s *Server) PoolStats(w http.ResponseWriter, r *http.Request) {
	state, err := s.pool.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// PoolEligibility reports whether a wallet may claim now.
func (s *Server) PoolEligibility(w http.ResponseWriter, r *http.Request) {
	wallet := strings.ToLower(chi.URLParam(r, "wallet"))
	elig, err := s.pool.CanClaim(r.Context(), wallet)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, elig)
}

type claimRequest struct {
	Wallet string `json:"wallet"`
}

// ClaimPool pays out a wallet's daily reward.
func (s *Server) ClaimPool(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	wallet := strings.ToLower(strings.TrimSpace(req.Wallet))
	if wallet == "" {
		http.Error(w, "wallet is required", http.StatusBadRequest)
		return
	}
	result, err := s.pool.Claim(r.Context(), wallet)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// ClaimHistory returns a wallet's claim trail.
func (s *Server) ClaimHistory(w http.ResponseWriter, r *http.Request) {
	wallet := strings.ToLower(chi.URLParam(r, "wallet"))
	history, err := s.store.ClaimHistory(r.Context(), wallet, 50)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

type contributionRequest struct {
	Quarters int64  `json:"quarters"`
	Source   string `json:"source"`
}

// ContributeToPool accepts quarters into the pool, routing overflow.
func (s *Server) ContributeToPool(w http.ResponseWriter, r *http.Request) {
	var req contributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.pool.AddToPool(r.Context(), req.Quarters, strings.TrimSpace(req.Source))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError maps the service error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.KindValidation:
		status = http.StatusBadRequest
	case faults.KindNotFound:
		status = http.StatusNotFound
	case faults.KindConflict:
		status = http.StatusConflict
	case faults.KindInsufficientBalance:
		status = http.StatusPaymentRequired
	case faults.KindNoVerifiedAddress:
		status = http.StatusUnprocessableEntity
	case faults.KindTransientRPC:
		status = http.StatusBadGateway
	case faults.KindReverted:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}
