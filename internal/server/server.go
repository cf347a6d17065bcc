package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowctl/internal/balance"
	"escrowctl/internal/config"
	"escrowctl/internal/contracts"
	"escrowctl/internal/dashboard"
	"escrowctl/internal/escrow"
	"escrowctl/internal/hmacauth"
	"escrowctl/internal/idempotency"
	"escrowctl/internal/metrics"
	"escrowctl/internal/notify"
	"escrowctl/internal/orchestrator"

	"github.com/google/uuid"
)

// Actions runs escrow actions.
type Actions interface {
	Execute(ctx context.Context, sess orchestrator.Session, act orchestrator.Action) (orchestrator.Outcome, error)
	Current() (orchestrator.PendingAction, bool)
}

// Views reads escrow state.
type Views interface {
	Refresh(ctx context.Context, identity escrow.Identity) (dashboard.Snapshot, error)
	Escrow(ctx context.Context, source escrow.Identity, id uint64) (escrow.Escrow, error)
}

type Balances interface {
	Reading() (balance.Reading, bool)
}

type Notices interface {
	Current() (notify.Message, bool)
}

// Deps are the collaborators behind the HTTP API. Session is the operator
// identity every action and read runs as.
type Deps struct {
	Session   orchestrator.Session
	Actions   Actions
	Views     Views
	Balances  Balances
	Notices   Notices
	Store     idempotency.Store
	Metrics   *metrics.Registry
	RPCHealth func(context.Context) error
	DBHealth  func(context.Context) error
	Logger    *slog.Logger
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	log        *slog.Logger
	nowFn      func() time.Time
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	if deps.Store == nil {
		deps.Store = idempotency.NewMemoryStore()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		log:   logger.With("component", "api"),
		nowFn: time.Now,
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/escrows", s.hmac.Middleware(http.HandlerFunc(s.handleCreate)))
	mux.Handle("POST /api/v1/escrows/{id}/{action}", s.hmac.Middleware(http.HandlerFunc(s.handleEscrowAction)))
	mux.HandleFunc("GET /api/v1/escrows/{id}", s.handleGetEscrow)
	mux.HandleFunc("GET /api/v1/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /api/v1/balance", s.handleBalance)
	mux.HandleFunc("GET /api/v1/actions/current", s.handleCurrentAction)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /api/v1/metrics", deps.Metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.httpServer.Addr, "identity", s.deps.Session.Identity)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	// Deadline is RFC 3339; DeadlineDays is used when it is empty.
	Deadline     string `json:"deadline,omitempty"`
	DeadlineDays int    `json:"deadlineDays,omitempty"`
}

type errorResponse struct {
	Error string             `json:"error"`
	State orchestrator.State `json:"state,omitempty"`
	Hash  string             `json:"hash,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload createRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	act, err := s.createAction(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.runAction(w, r, contracts.MethodCreate, act, http.StatusCreated)
}

func (s *Server) createAction(req createRequest) (orchestrator.Action, error) {
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return orchestrator.Action{}, errors.New("recipient is required")
	}
	amount, err := escrow.ParseAmount(req.Amount)
	if err != nil {
		return orchestrator.Action{}, err
	}
	var deadline time.Time
	switch {
	case req.Deadline != "":
		deadline, err = time.Parse(time.RFC3339, req.Deadline)
		if err != nil {
			return orchestrator.Action{}, errors.New("deadline must be RFC 3339")
		}
	case req.DeadlineDays < 0:
		return orchestrator.Action{}, errors.New("deadlineDays must not be negative")
	case req.DeadlineDays > 0:
		deadline = s.nowFn().Add(time.Duration(req.DeadlineDays) * 24 * time.Hour)
	}
	return orchestrator.Create(escrow.Identity(recipient), amount, deadline), nil
}

func (s *Server) handleEscrowAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	var act orchestrator.Action
	switch method := r.PathValue("action"); method {
	case contracts.MethodApprove:
		act = orchestrator.Approve(id)
	case contracts.MethodClaim:
		act = orchestrator.Claim(id)
	case contracts.MethodRefund:
		act = orchestrator.Refund(id)
	default:
		writeError(w, http.StatusNotFound, "unknown action "+method)
		return
	}
	s.runAction(w, r, act.Method, act, http.StatusOK)
}

// runAction executes act once per idempotency key. Only settled outcomes are
// stored for replay.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, route string, act orchestrator.Action, okStatus int) {
	clientKey := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if clientKey == "" {
		writeError(w, http.StatusBadRequest, "missing X-Idempotency-Key header")
		return
	}
	ctx := r.Context()
	identity := s.deps.Session.Identity
	key := idempotency.Key(string(identity), r.URL.Path, clientKey)

	if existing, err := s.deps.Store.Get(ctx, key); err != nil {
		s.log.Warn("idempotency lookup failed", "err", err)
	} else if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replay", "true")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.deps.Metrics.IncReplay(route)
		return
	}

	out, err := s.deps.Actions.Execute(ctx, s.deps.Session, act)
	if err != nil {
		status := statusFor(err)
		s.log.Warn("action failed", "method", act.Method, "status", status, "err", err)
		writeJSON(w, status, errorResponse{Error: err.Error(), State: out.State, Hash: out.Hash})
		return
	}
	if out.Cancelled() {
		writeJSON(w, http.StatusAccepted, out)
		return
	}

	body, err := json.Marshal(out)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode outcome")
		return
	}
	now := s.nowFn()
	record := idempotency.Record{
		Identity:   string(identity),
		Method:     act.Method,
		StatusCode: okStatus,
		Response:   body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.deps.Store.Save(ctx, key, record); err != nil {
		s.log.Warn("idempotency save failed", "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(okStatus)
	_, _ = w.Write(body)
}

func statusFor(err error) int {
	var (
		simErr    *escrow.SimulationError
		netErr    *escrow.NetworkError
		submitErr *escrow.SubmitError
		decodeErr *escrow.DecodeError
	)
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoSession), errors.Is(err, orchestrator.ErrSignerMatch):
		return http.StatusServiceUnavailable
	case errors.As(err, &simErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &netErr), errors.As(err, &submitErr), errors.As(err, &decodeErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	identity := s.deps.Session.Identity
	e, err := s.deps.Views.Escrow(r.Context(), identity, id)
	if err != nil {
		var simErr *escrow.SimulationError
		if errors.As(err, &simErr) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, escrow.NewView(e, identity, s.nowFn()))
}

type dashboardResponse struct {
	dashboard.Snapshot
	CreatedError  string `json:"createdError,omitempty"`
	ReceivedError string `json:"receivedError,omitempty"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Views.Refresh(r.Context(), s.deps.Session.Identity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := dashboardResponse{Snapshot: snap}
	if snap.CreatedErr != nil {
		resp.CreatedError = snap.CreatedErr.Error()
	}
	if snap.ReceivedErr != nil {
		resp.ReceivedError = snap.ReceivedErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Balances == nil {
		writeError(w, http.StatusNotFound, "balance tracking disabled")
		return
	}
	reading, ok := s.deps.Balances.Reading()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "balance not available yet")
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) handleCurrentAction(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Busy         bool                       `json:"busy"`
		Action       orchestrator.PendingAction `json:"action"`
		Notification *notify.Message            `json:"notification,omitempty"`
	}{}
	resp.Action, resp.Busy = s.deps.Actions.Current()
	if s.deps.Notices != nil {
		if msg, ok := s.deps.Notices.Current(); ok {
			resp.Notification = &msg
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.deps.RPCHealth != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.deps.RPCHealth(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.deps.DBHealth != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.deps.DBHealth(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	_, busy := s.deps.Actions.Current()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string          `json:"status"`
		Identity escrow.Identity `json:"identity"`
		RPC      interface{}     `json:"rpc"`
		Database interface{}     `json:"database"`
		Busy     bool            `json:"busy"`
	}{
		Status:   status,
		Identity: s.deps.Session.Identity,
		RPC:      rpcInfo,
		Database: dbInfo,
		Busy:     busy,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", uuid.NewString())
		}
		w.Header().Set("X-Request-Id", r.Header.Get("X-Request-Id"))
		next.ServeHTTP(w, r)
	})
}
