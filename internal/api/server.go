// Package api exposes the gateway and governor over HTTP so an agent loop
// in another process or language can drive them.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gzhole/moltshield/internal/gateway"
	"github.com/gzhole/moltshield/internal/governor"
	"github.com/gzhole/moltshield/internal/guardian"
	"github.com/gzhole/moltshield/internal/metrics"
	"github.com/gzhole/moltshield/internal/sanitize"
)

const maxBodyBytes = 1 << 20

type Server struct {
	gov *governor.Governor
	gw  *gateway.Gateway
	log *slog.Logger
	now func() time.Time
}

type Option func(*Server)

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func New(gov *governor.Governor, gw *gateway.Gateway, log *slog.Logger, opts ...Option) *Server {
	s := &Server{gov: gov, gw: gw, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/classify", s.handleClassify).Methods(http.MethodPost)
	v1.HandleFunc("/sanitize", s.handleSanitize).Methods(http.MethodPost)
	v1.HandleFunc("/inspect", s.handleInspect).Methods(http.MethodPost)
	v1.HandleFunc("/admission", s.handleAdmission).Methods(http.MethodPost)
	v1.HandleFunc("/suspension", s.handleSuspension).Methods(http.MethodPost)
	v1.HandleFunc("/attempt", s.handleAttempt).Methods(http.MethodPost)
	v1.HandleFunc("/response", s.handleResponse).Methods(http.MethodPost)
	v1.HandleFunc("/challenge", s.handleChallenge).Methods(http.MethodPost)
	v1.HandleFunc("/state/{agent}", s.handleState).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return r
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type textRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Text    string `json:"text"`
}

type classifyResponse struct {
	guardian.ThreatReport
	KeyRequest bool `json:"key_request"`
}

type actionRequest struct {
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"`
}

type decisionResponse struct {
	Admitted     bool            `json:"admitted"`
	Reason       governor.Reason `json:"reason,omitempty"`
	RetryAfterMS int64           `json:"retry_after_ms,omitempty"`
}

type attemptRequest struct {
	AgentID string  `json:"agent_id"`
	Kind    string  `json:"kind"`
	Payload string  `json:"payload"`
	Source  *string `json:"source,omitempty"`
}

type attemptResponse struct {
	gateway.Outcome
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
}

type responseRequest struct {
	AgentID string `json:"agent_id"`
	gateway.PlatformResponse
}

type challengeRequest struct {
	AgentID     string                  `json:"agent_id"`
	ChallengeID string                  `json:"challenge_id"`
	Result      gateway.ChallengeResult `json:"result"`
	Detail      string                  `json:"detail,omitempty"`
}

type stateResponse struct {
	AgentID string             `json:"agent_id"`
	Status  governor.Status    `json:"status"`
	State   governor.RateState `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, classifyResponse{
		ThreatReport: guardian.Classify(req.Text),
		KeyRequest:   guardian.IsKeyRequest(req.Text),
	})
}

func (s *Server) handleSanitize(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sanitized": sanitize.Sanitize(req.Text)})
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.gw.Inspect(req.AgentID, req.Text))
}

func (s *Server) handleAdmission(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	kind, err := governor.ParseActionKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.gov.CheckAdmission(r.Context(), req.AgentID, kind, s.now())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{
		Admitted:     d.Admitted,
		Reason:       d.Reason,
		RetryAfterMS: d.RetryAfter.Milliseconds(),
	})
}

func (s *Server) handleSuspension(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.gov.ReportExternalSuspension(r.Context(), req.AgentID, s.now()); err != nil {
		s.fail(w, err)
		return
	}
	s.writeState(w, r, req.AgentID)
}

func (s *Server) handleAttempt(w http.ResponseWriter, r *http.Request) {
	var req attemptRequest
	if !decode(w, r, &req) {
		return
	}
	kind, err := governor.ParseActionKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.gw.Attempt(r.Context(), gateway.Action{
		AgentID: req.AgentID,
		Kind:    kind,
		Payload: req.Payload,
		Source:  req.Source,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attemptResponse{Outcome: out, RetryAfterMS: out.RetryAfter.Milliseconds()})
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var req responseRequest
	if !decode(w, r, &req) {
		return
	}
	obs, err := s.gw.ObserveResponse(r.Context(), req.AgentID, req.PlatformResponse)
	if err != nil {
		s.log.Error("observe response", "agent", req.AgentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"observation": obs, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.gw.RecordChallenge(req.AgentID, req.ChallengeID, req.Result, req.Detail); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeState(w, r, mux.Vars(r)["agent"])
}

func (s *Server) writeState(w http.ResponseWriter, r *http.Request, agentID string) {
	st, err := s.gov.State(r.Context(), agentID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		AgentID: agentID,
		Status:  st.Status(s.now()),
		State:   st,
	})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, governor.ErrInvalidAgent), errors.Is(err, governor.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, governor.ErrStateUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
