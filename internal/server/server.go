// Package server exposes the registry and execution processor over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/config"
	"github.com/haiphen/tradegate/internal/execution"
	"github.com/haiphen/tradegate/internal/ratelimit"
	"github.com/haiphen/tradegate/internal/registry"
)

const issuer = "tradegate"

type ctxKey struct{}

type Server struct {
	cfg  *config.Config
	reg  *registry.Service
	proc *execution.Processor
	rl   *ratelimit.Limiter
	now  func() time.Time

	httpSrv *http.Server
}

func New(cfg *config.Config, reg *registry.Service, proc *execution.Processor) *Server {
	s := &Server{
		cfg:  cfg,
		reg:  reg,
		proc: proc,
		rl:   ratelimit.New(cfg.Server.RateLimitPerMin, cfg.Server.Burst),
		now:  time.Now,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/auth/token", s.handleToken)

	r.Group(func(p chi.Router) {
		p.Use(s.requireAuth, s.limit)
		p.Get("/venues", s.handleVenues)
		p.Get("/brokers", s.handleBrokers)
		p.Post("/brokers", s.handleRegister)
		p.Delete("/brokers/{id}", s.handleRemove)
		p.Post("/brokers/{id}/test", s.handleTest)
		p.Get("/brokers/{id}/account", s.handleAccount)
		p.Get("/brokers/{id}/positions", s.handlePositions)
		p.Get("/brokers/{id}/summary", s.handleSummary)
		p.Post("/brokers/{id}/orders", s.handleOrder)
	})
	return r
}

func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.sweep(ctx, 10*time.Minute)

	log.Printf("[server] listening on %s", s.httpSrv.Addr)
	if s.cfg.Server.JWTSecret == "" {
		log.Printf("[server] no jwt secret configured; API is unauthenticated")
	}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// sweep forgets rate limit buckets of subjects idle for an hour.
func (s *Server) sweep(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.rl.Sweep(time.Hour); n > 0 {
				log.Printf("[server] dropped %d idle rate limit buckets", n)
			}
		}
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("[server] shutting down")
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"brokers": len(s.reg.IDs()),
		"time":    s.now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

// ---- Auth ----

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Server.JWTSecret == "" {
		writeErr(w, http.StatusNotFound, "token issuing is disabled")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cfg.Server.Username == "" ||
		subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.Server.Username)) != 1 ||
		subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.Server.Password)) != 1 {
		writeErr(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, exp, err := s.signToken(req.Username)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to create token")
		return
	}
	writeJSON(w, map[string]any{
		"token":      token,
		"type":       "Bearer",
		"expires_at": exp.Format(time.RFC3339),
	}, http.StatusOK)
}

// SignToken issues a bearer token for subject, for the CLI and tests.
func (s *Server) SignToken(subject string) (string, error) {
	tok, _, err := s.signToken(subject)
	return tok, err
}

func (s *Server) signToken(subject string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.cfg.Server.TokenTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Server.JWTSecret))
	return signed, exp, err
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := "local"
		if secret := s.cfg.Server.JWTSecret; secret != "" {
			raw := bearerToken(r.Header.Get("Authorization"))
			if raw == "" {
				writeErr(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			var claims jwt.RegisteredClaims
			_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
				return []byte(secret), nil
			},
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithIssuer(issuer),
				jwt.WithExpirationRequired(),
				jwt.WithTimeFunc(s.now),
			)
			if err != nil || claims.Subject == "" {
				writeErr(w, http.StatusUnauthorized, "invalid token")
				return
			}
			subject = claims.Subject
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, subject)
		ctx = execution.WithCaller(ctx, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ := r.Context().Value(ctxKey{}).(string)
		if !s.rl.Allow(subject) {
			writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// ---- Handlers ----

type venueView struct {
	Venue          string              `json:"venue"`
	DisplayName    string              `json:"display_name"`
	ConnectionType string              `json:"connection_type"`
	Fields         []broker.Field      `json:"fields"`
	Capabilities   broker.Capabilities `json:"capabilities"`
	Markets        []string            `json:"markets"`
}

func (s *Server) handleVenues(w http.ResponseWriter, r *http.Request) {
	fs := broker.Factories()
	out := make([]venueView, 0, len(fs))
	for _, f := range fs {
		out = append(out, venueView{
			Venue:          f.Venue,
			DisplayName:    f.DisplayName,
			ConnectionType: f.ConnectionType.String(),
			Fields:         f.Fields,
			Capabilities:   f.Capabilities,
			Markets:        f.Markets,
		})
	}
	writeJSON(w, out, http.StatusOK)
}

func (s *Server) handleBrokers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.reg.Statuses(), http.StatusOK)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string             `json:"id"`
		Venue       string             `json:"venue"`
		Credentials broker.Credentials `json:"credentials"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	f, ok := broker.Lookup(req.Venue)
	if !ok {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("unknown venue %q", req.Venue))
		return
	}
	var id broker.ID
	var err error
	if req.ID == "" {
		id, err = f.IDFor(f.WithDefaults(req.Credentials))
	} else {
		id, err = broker.ParseID(req.ID)
	}
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.reg.Register(r.Context(), id, f.Venue, req.Credentials); err != nil {
		s.fail(w, err)
		return
	}
	for _, st := range s.reg.Statuses() {
		if st.ID == id {
			writeJSON(w, st, http.StatusCreated)
			return
		}
	}
	writeJSON(w, map[string]any{"id": id}, http.StatusCreated)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := s.brokerID(w, r)
	if !ok {
		return
	}
	if !s.reg.Remove(r.Context(), id) {
		s.fail(w, fmt.Errorf("%s: %w", id, registry.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.brokerID(w, r)
	if !ok {
		return
	}
	if err := s.reg.Test(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "id": id}, http.StatusOK)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := s.brokerID(w, r)
	if !ok {
		return
	}
	acct, err := s.proc.GetAccount(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, acct, http.StatusOK)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.brokerID(w, r)
	if !ok {
		return
	}
	pos, err := s.proc.GetPositions(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if pos == nil {
		pos = []broker.PositionInfo{}
	}
	writeJSON(w, pos, http.StatusOK)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := s.brokerID(w, r)
	if !ok {
		return
	}
	sum, err := s.proc.Summary(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, sum, http.StatusOK)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.brokerID(w, r)
	if !ok {
		return
	}
	var params broker.TradeParams
	if err := decodeJSON(r, &params); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.proc.PlaceOrder(r.Context(), id, params)
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if res.ProtectionFailed {
		status = http.StatusMultiStatus
	}
	writeJSON(w, res, status)
}

func (s *Server) brokerID(w http.ResponseWriter, r *http.Request) (broker.ID, bool) {
	id, err := broker.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// fail writes err with the status its kind maps to.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Printf("[server] %v", err)
	}
	body := map[string]any{"ok": false, "error": err.Error()}
	if k := broker.KindOf(err); k != broker.KindUnknown {
		body["kind"] = k.String()
	}
	var be *broker.Error
	if errors.As(err, &be) && be.Code != "" {
		body["code"] = be.Code
	}
	writeJSON(w, body, status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, execution.ErrUnknownBroker), errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicate):
		return http.StatusConflict
	}
	kind := broker.KindOf(err)
	if kind == broker.KindNotConnected && broker.IsTerminal(err) {
		// The implicit connect was refused; report why, not that we are offline.
		var be *broker.Error
		errors.As(err, &be)
		if inner := broker.KindOf(be.Err); inner != broker.KindUnknown {
			kind = inner
		}
	}
	switch kind {
	case broker.KindConfig, broker.KindValidation:
		return http.StatusBadRequest
	case broker.KindRejected, broker.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case broker.KindAuth, broker.KindAuthExpired, broker.KindProtocol:
		return http.StatusBadGateway
	case broker.KindNotConnected, broker.KindTransport:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// ---- JSON helpers ----

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, map[string]any{
		"ok":    false,
		"error": msg,
	}, status)
}
