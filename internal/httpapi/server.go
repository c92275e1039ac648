package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"httptrading/internal/domain"
	"httptrading/internal/engine"
	"httptrading/internal/registry"
	"httptrading/internal/util"
)

const (
	// TokenHeader carries the instance token.
	TokenHeader = "HT-TOKEN"

	// Prefix is the root of every instance route.
	Prefix = "/httptrading/api/{instanceId}"

	defaultMaxBody = 1 << 20
)

// Options tunes the router.
type Options struct {
	MaxBodyBytes int64
}

// Server routes requests to broker instances.
type Server struct {
	reg     *registry.Registry
	eng     *engine.Engine
	maxBody int64
	log     *slog.Logger
	now     func() time.Time
}

// NewServer creates a router over the instances in reg.
func NewServer(reg *registry.Registry, eng *engine.Engine, opts Options, log *slog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{reg: reg, eng: eng, maxBody: opts.MaxBodyBytes, log: log, now: time.Now}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+Prefix+"/ping/state", s.route(s.handlePing, "pong"))
	mux.HandleFunc("GET "+Prefix+"/market/quote", s.route(s.handleQuote, "quote"))
	mux.HandleFunc("GET "+Prefix+"/market/state", s.route(s.handleMarketState, "marketStatus"))
	mux.HandleFunc("GET "+Prefix+"/cash/state", s.route(s.handleCash, "cash"))
	mux.HandleFunc("GET "+Prefix+"/position/state", s.route(s.handlePositions, "positions"))
	mux.HandleFunc("POST "+Prefix+"/order/place", s.route(s.handlePlace, "orderId", "args"))
	mux.HandleFunc("POST "+Prefix+"/order/cancel", s.route(s.handleCancel, "canceled"))
	mux.HandleFunc("GET "+Prefix+"/order/state", s.route(s.handleOrder, "order"))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("/", s.handleNotFound)
}

// Handler returns an http.Handler with recovery and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logMiddleware(s.recoverMiddleware(mux))
}

// handlerFunc serves one authenticated endpoint and returns its payload.
type handlerFunc func(r *http.Request, inst *registry.Instance) (map[string]any, error)

// route authenticates the request and wraps the handler's result. keys are
// the endpoint's payload fields, set to null on failure.
func (s *Server) route(h handlerFunc, keys ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("instanceId")
		inst, err := s.reg.Authenticate(id, r.Header.Get(TokenHeader))
		if err != nil {
			s.log.Debug("request rejected", "instance", util.Redact(id), "path", r.URL.Path, "reason", err)
			s.writeNotFound(w)
			return
		}

		env := newEnvelope(inst, s.now())
		payload, err := h(r, inst)
		status := http.StatusOK
		if err != nil {
			status = StatusFor(err)
			env.fail(err, keys)
		} else {
			env.Payload = payload
		}
		writeJSON(w, status, env)
	}
}

// writeNotFound answers every authentication failure identically so the
// response does not reveal whether the instance exists.
func (s *Server) writeNotFound(w http.ResponseWriter) {
	env := newEnvelope(nil, s.now())
	env.fail(errors.New("not found"), nil)
	writeJSON(w, http.StatusNotFound, env)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeNotFound(w)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.eng.Bridge().Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"time":      s.now().UTC().Format(TimeLayout),
		"instances": s.reg.Len(),
		"inFlight":  st.InFlight,
		"abandoned": st.Abandoned,
	})
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, domain.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

// statusRecorder captures the status code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// The instance id is part of the path; log the pattern instead.
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.log.Info("request",
			"method", r.Method,
			"route", pattern,
			"instance", util.Redact(r.PathValue("instanceId")),
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.Error("handler panic", "route", r.Pattern, "panic", v)
				env := newEnvelope(nil, s.now())
				env.fail(errors.New("internal error"), nil)
				writeJSON(w, http.StatusInternalServerError, env)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
