package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"chanrelay/internal/channels"
	"chanrelay/internal/storage"
	"chanrelay/pkg/logx"
)

// ChannelService is the watch-list surface the API exposes.
type ChannelService interface {
	List(ctx context.Context) ([]storage.Channel, error)
	Add(ctx context.Context, in channels.CreateInput) ([]storage.Channel, error)
	Remove(ctx context.Context, in channels.RemoveInput) ([]storage.Channel, error)
	Update(ctx context.Context, in channels.UpdateInput) (storage.Channel, error)
}

// StatusFunc reports runtime state for /healthz.
type StatusFunc func() any

type API struct {
	channels ChannelService
	status   StatusFunc
	log      logx.Logger
}

func NewAPI(svc ChannelService, status StatusFunc, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{channels: svc, status: status, log: log}
}

type response struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

const maxBody = 1 << 16

// Handler builds the routes. token enables bearer auth; corsOrigin, when
// set, is returned as Access-Control-Allow-Origin.
func (a *API) Handler(token, corsOrigin string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.healthz)
	mux.HandleFunc("GET /channels", a.listChannels)
	mux.HandleFunc("POST /channels", a.addChannel)
	mux.HandleFunc("DELETE /channels", a.removeChannel)
	mux.HandleFunc("PATCH /channels", a.updateChannel)

	var h http.Handler = mux
	h = withAuth(token, h)
	h = withCORS(corsOrigin, h)
	h = a.withRequestLog(h)
	return h
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	var data any = "ok"
	if a.status != nil {
		data = a.status()
	}
	writeJSON(w, http.StatusOK, response{Data: data})
}

func (a *API) listChannels(w http.ResponseWriter, r *http.Request) {
	recs, err := a.channels.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []storage.Channel{}
	}
	writeJSON(w, http.StatusOK, response{Data: recs})
}

func (a *API) addChannel(w http.ResponseWriter, r *http.Request) {
	var in channels.CreateInput
	if !a.decode(w, r, &in) {
		return
	}
	recs, err := a.channels.Add(r.Context(), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Data: recs})
}

func (a *API) removeChannel(w http.ResponseWriter, r *http.Request) {
	var in channels.RemoveInput
	if !a.decode(w, r, &in) {
		return
	}
	recs, err := a.channels.Remove(r.Context(), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Data: recs})
}

func (a *API) updateChannel(w http.ResponseWriter, r *http.Request) {
	var in channels.UpdateInput
	if !a.decode(w, r, &in) {
		return
	}
	rec, err := a.channels.Update(r.Context(), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Data: rec})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, response{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.log.Error("admin request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.String("request_id", w.Header().Get("X-Request-ID")),
			logx.Err(err),
		)
		msg = "internal error"
	}
	writeJSON(w, status, response{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, channels.ErrValidation), errors.Is(err, storage.ErrConflict):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ---- middleware ----

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Preflight requests carry no credentials.
		if r.Method == http.MethodOptions {
			h.ServeHTTP(w, r)
			return
		}
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, response{Error: "unauthorized"})
	})
}

func withCORS(origin string, h http.Handler) http.Handler {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withRequestLog(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h.ServeHTTP(rec, r)
		a.log.Debug("admin request",
			logx.String("request_id", id),
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", rec.status),
			logx.Duration("took", time.Since(start)),
		)
	})
}
