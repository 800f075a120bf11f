// Package httpapi is the HTTP edge of a pairline process: the WebSocket
// endpoint, upload presigning, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pairline/pairline/gateway"
	"github.com/pairline/pairline/internal/logctx"
	"github.com/pairline/pairline/internal/metrics"
	"github.com/pairline/pairline/ratelimit"
	"github.com/pairline/pairline/uploads"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const maxPresignBody = 4 << 10

var jsonMediaType = contenttype.NewMediaType("application/json")

// Config wires the HTTP edge.
type Config struct {
	// Gateway serves GET /ws. Required.
	Gateway http.Handler
	// Limiter admits presign requests. Required.
	Limiter ratelimit.Limiter
	// Rules defaults to ratelimit.DefaultRules().
	Rules *ratelimit.Rules
	// Presigner is optional; without it the presign route answers 503.
	Presigner uploads.Presigner
	// Gatherer is optional; without it /metrics is not mounted.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	// Ready reports whether the process can serve traffic. Optional.
	Ready func(ctx context.Context) error
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
	// Proxies decides whether forwarding headers name the client. The zero
	// value keys presign limits on the TCP peer.
	Proxies gateway.TrustedProxies
	Logger  *slog.Logger
	Now     func() time.Time
}

type api struct {
	cfg  Config
	rule ratelimit.Rule
	log  *slog.Logger
}

// New builds the router.
func New(cfg Config) (http.Handler, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	rules := ratelimit.DefaultRules()
	if cfg.Rules != nil {
		rules = *cfg.Rules
	}
	if err := rules.RequestUpload.Validate(); err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &api{cfg: cfg, rule: rules.RequestUpload, log: cfg.Logger}

	r := mux.NewRouter()
	r.Use(a.requestContext)
	r.HandleFunc("/health", a.health).Methods(http.MethodGet)
	r.Handle("/ws", cfg.Gateway).Methods(http.MethodGet)
	r.HandleFunc("/api/uploads/presign", a.presign).Methods(http.MethodPost)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Request-Id"},
	}).Handler(r), nil
}

func (a *api) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  id,
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: a.cfg.Proxies.ClientIP(r),
			Path:       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Ready != nil {
		if err := a.cfg.Ready(r.Context()); err != nil {
			a.log.WarnContext(r.Context(), "http.health.fail", slog.String("err", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) presign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if a.cfg.Presigner == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "uploads are not configured")
		return
	}

	ip := a.cfg.Proxies.ClientIP(r)
	res, err := a.cfg.Limiter.Allow(ctx, ip, a.rule)
	if err != nil {
		a.log.ErrorContext(ctx, "http.presign.limiter.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	a.rateLimitHeaders(w, res)
	if !res.Allowed {
		a.cfg.Metrics.RateLimitDenials.WithLabelValues(a.rule.Name).Inc()
		retry := int64(math.Ceil(res.RetryAfter(a.cfg.Now()).Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(max(retry, 1), 10))
		a.log.InfoContext(ctx, "http.presign.rate_limited")
		writeJSONError(w, http.StatusTooManyRequests, "too many upload requests")
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}
	var req uploads.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPresignBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	grant, err := a.cfg.Presigner.Presign(ctx, req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, grant)
	case errors.Is(err, uploads.ErrUnsupportedType):
		writeJSONError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, uploads.ErrTooLarge):
		writeJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, uploads.ErrInvalidSize):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		a.log.ErrorContext(ctx, "http.presign.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadGateway, "could not presign upload")
	}
}

func (a *api) rateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
