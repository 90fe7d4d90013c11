package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"actuatord/internal/actuator"
	"actuatord/internal/expression"
	"actuatord/internal/routine"
	logx "actuatord/pkg/logx"
)

const (
	maxBodyBytes     = 64 << 10
	defaultOutcomes  = 50
	maxOutcomesLimit = 1000
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /v1/channels", s.handleChannels)
	mux.HandleFunc("GET /v1/channels/{name}/stats", s.handleStats)
	mux.HandleFunc("POST /v1/channels/{name}/commands", s.handleSubmit)
	mux.HandleFunc("POST /v1/channels/{name}/reset", s.handleReset)
	mux.HandleFunc("POST /v1/channels/{name}/clear", s.handleClear)
	mux.HandleFunc("GET /v1/channels/{name}/outcomes", s.handleOutcomes)
	mux.HandleFunc("GET /v1/outcomes", s.handleOutcomes)

	mux.HandleFunc("GET /v1/expressions", s.handleLabels)
	mux.HandleFunc("POST /v1/expressions", s.handleExpress)

	mux.HandleFunc("GET /v1/routines", s.handleRoutines)
	mux.HandleFunc("POST /v1/routines/{name}/fire", s.handleFire)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	if s.cfg.Pprof {
		mountPprof(mux)
	}

	var h http.Handler = mux
	h = withAuth(s.cfg.JWTSecret, h)
	h = s.limiter.middleware(h)
	h = withRecover(s.log, h)
	return withAccessLog(s.log, h)
}

type submitRequest struct {
	Command  string `json:"command"`
	Priority int    `json:"priority"`
	Force    bool   `json:"force"`
}

type expressRequest struct {
	Emotion  string `json:"emotion"`
	Priority int    `json:"priority"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	open := 0
	for _, ch := range s.deps.Registry.Channels() {
		if !ch.Healthy() {
			open++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"channels":      len(s.deps.Registry.Names()),
		"circuits_open": open,
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Stats())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channel(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ch.Stats())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channel(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	src := "api"
	if sub := subject(r.Context()); sub != "" {
		src = "api:" + sub
	}
	cmd, err := ch.Enqueue(actuator.Request{Command: req.Command, Priority: req.Priority, Force: req.Force, Source: src})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channel(w, r)
	if !ok {
		return
	}
	ch.ResetHealth()
	s.log.Info("circuit reset via api", logx.String("channel", ch.Name()), logx.String("sub", subject(r.Context())))
	writeJSON(w, http.StatusOK, ch.Stats())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channel(w, r)
	if !ok {
		return
	}
	n := ch.ClearQueue()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusNotImplemented, "storage disabled")
		return
	}
	channel := ""
	if r.PathValue("name") != "" {
		ch, ok := s.channel(w, r)
		if !ok {
			return
		}
		channel = ch.Name()
	} else {
		channel = r.URL.Query().Get("channel")
	}
	limit := defaultOutcomes
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxOutcomesLimit)
	}
	out, err := s.deps.Store.RecentOutcomes(r.Context(), channel, limit)
	if err != nil {
		s.log.Warn("outcome query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "outcome query failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLabels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"labels": expression.Labels(), "neutral": expression.Neutral})
}

func (s *Server) handleExpress(w http.ResponseWriter, r *http.Request) {
	var req expressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ch, err := s.deps.Registry.Get(s.cfg.ExpressionChannel)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	cmd, err := expression.Express(ch, req.Emotion, req.Priority)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) handleRoutines(w http.ResponseWriter, r *http.Request) {
	if s.deps.Routines == nil {
		writeJSON(w, http.StatusOK, []routine.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Routines.Status())
}

func (s *Server) handleFire(w http.ResponseWriter, r *http.Request) {
	if s.deps.Routines == nil {
		writeError(w, http.StatusNotFound, "no routines configured")
		return
	}
	if err := s.deps.Routines.Fire(r.PathValue("name")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) channel(w http.ResponseWriter, r *http.Request) (*actuator.Channel, bool) {
	ch, err := s.deps.Registry.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return ch, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, actuator.ErrUnknownChannel), errors.Is(err, routine.ErrUnknownRoutine):
		return http.StatusNotFound
	case errors.Is(err, actuator.ErrEmpty):
		return http.StatusBadRequest
	case errors.Is(err, actuator.ErrCircuitOpen), errors.Is(err, actuator.ErrUnavailable), errors.Is(err, actuator.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid body: trailing data")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
