package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gosymbo/voiceclient/internal/api/middleware"
	"github.com/gosymbo/voiceclient/internal/client"
	"github.com/gosymbo/voiceclient/internal/store"
)

// Server is the local control API: login/logout, call control, status, call
// history, and Prometheus metrics.
type Server struct {
	router  *chi.Mux
	client  *client.Client
	calls   store.CallRepository
	metrics *prometheus.Registry
	limiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. calls and
// metrics may be nil; the corresponding endpoints then report unavailable.
func NewServer(cl *client.Client, calls store.CallRepository, metrics *prometheus.Registry) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		client:  cl,
		calls:   calls,
		metrics: metrics,
		limiter: middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background middleware state.
func (s *Server) Close() {
	s.limiter.Stop()
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.limiter.Middleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)

		r.Route("/calls", func(r chi.Router) {
			r.Get("/", s.handleListCalls)
			r.Post("/", s.handleDial)
			r.Delete("/active", s.handleHangup)
			r.Post("/{callID}/answer", s.handleAnswer)
		})
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			s.metrics, promhttp.HandlerOpts{},
		))
	}

	slog.Info("api routes mounted")
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the GET /status payload.
type statusResponse struct {
	Connection      string `json:"connection"`
	Reason          string `json:"reason"`
	LoggedIn        bool   `json:"logged_in"`
	Phase           string `json:"phase"`
	Endpoint        string `json:"endpoint"`
	EndpointCursor  int    `json:"endpoint_cursor"`
	Reconnects      uint64 `json:"reconnects"`
	ActiveCalls     int    `json:"active_calls"`
	NetworkType     string `json:"network_type"`
	NetworkAddress  string `json:"network_address,omitempty"`
	TokenExpiryMS   int64  `json:"token_expiry_ms,omitempty"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	InsightsEnabled bool   `json:"insights_enabled"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.client.Connection().Snapshot()
	_, hasKey := s.client.TelemetryKeySnapshot()

	writeJSON(w, http.StatusOK, statusResponse{
		Connection:      string(snap.State.Status),
		Reason:          snap.State.Reason,
		LoggedIn:        snap.LoggedIn,
		Phase:           snap.Phase,
		Endpoint:        snap.Endpoint,
		EndpointCursor:  snap.EndpointCursor,
		Reconnects:      snap.Reconnects,
		ActiveCalls:     s.client.ActiveCallCount(),
		NetworkType:     snap.NetworkType,
		NetworkAddress:  snap.NetworkAddress,
		TokenExpiryMS:   snap.TokenExpiryMS,
		UptimeSeconds:   int64(time.Since(s.client.StartTime()).Seconds()),
		InsightsEnabled: hasKey,
	})
}

// loginRequest is the POST /login payload: username+password or access_token.
type loginRequest struct {
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	AccessToken     string `json:"access_token,omitempty"`
	RefreshInterval int    `json:"refresh_interval_seconds,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	accepted := s.client.Login(client.Credentials{
		Username:    req.Username,
		Password:    req.Password,
		AccessToken: req.AccessToken,
	}, req.RefreshInterval)

	if !accepted {
		// The precise reason was already delivered through the login-failed
		// notification; the API reports only acceptance.
		writeError(w, http.StatusUnprocessableEntity, "login not accepted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !s.client.Logout() {
		writeError(w, http.StatusConflict, "not logged in")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// callRecordResponse is one call-log row in GET /calls.
type callRecordResponse struct {
	CallID      string     `json:"call_id"`
	Direction   string     `json:"direction"`
	Peer        string     `json:"peer"`
	Disposition string     `json:"disposition"`
	Cause       string     `json:"cause,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeError(w, http.StatusServiceUnavailable, "call history not available")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	records, err := s.calls.ListRecent(r.Context(), limit)
	if err != nil {
		slog.Error("listing call records failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing calls failed")
		return
	}

	out := make([]callRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, callRecordResponse{
			CallID:      rec.CallID,
			Direction:   rec.Direction,
			Peer:        rec.Peer,
			Disposition: rec.Disposition,
			Cause:       rec.Cause,
			StartedAt:   rec.StartedAt,
			EndedAt:     rec.EndedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// dialRequest is the POST /calls payload.
type dialRequest struct {
	Destination string `json:"destination"`
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Destination == "" {
		writeError(w, http.StatusBadRequest, "destination is required")
		return
	}

	callID, err := s.client.Call(req.Destination)
	switch {
	case errors.Is(err, client.ErrBusy):
		writeError(w, http.StatusConflict, "busy")
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"call_id": callID})
	}
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if err := s.client.Answer(r.Context(), callID); err != nil {
		if errors.Is(err, client.ErrBusy) {
			writeError(w, http.StatusConflict, "busy")
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": callID})
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Hangup(); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ended": true})
}
