package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tomhaye/vaultsync/internal/actor"
	"github.com/tomhaye/vaultsync/internal/event"
	"github.com/tomhaye/vaultsync/internal/identity"
	"github.com/tomhaye/vaultsync/internal/observability"
	"github.com/tomhaye/vaultsync/internal/scheduler"
	"github.com/tomhaye/vaultsync/internal/store"
	"github.com/tomhaye/vaultsync/internal/workflow"
)

// ServerConfig carries the externally supplied proxy settings.
type ServerConfig struct {
	// RPCPath is the route prefix the proxy is bound to, e.g. "/sync".
	RPCPath string
	// BindingName identifies the durable-object binding this proxy fronts.
	// Echoed in health output so operators can tell instances apart.
	BindingName string
	// AuthSecret, when set, is the HMAC secret shared with the credential
	// issuer. Each request must carry the bearer token minted for the user
	// it addresses; see UserToken. Empty disables authorization.
	AuthSecret string
	// MaxBodyBytes bounds request bodies. Zero means 1 MiB.
	MaxBodyBytes int64
	// RateLimitMax allows this many requests per token per window. Zero
	// disables rate limiting.
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Scheduler is the slice of the worker pool the proxy forwards externally
// fired cron ticks to.
type Scheduler interface {
	HandleScheduled(ctx context.Context, ev scheduler.ScheduledEvent, tag string, payload []byte) error
}

// Server routes sync RPCs to the owning per-vault actor.
type Server struct {
	cfg     ServerConfig
	store   *store.Store
	arena   *actor.Arena
	runner  *workflow.Runner
	sched   Scheduler
	metrics *observability.Registry
	schema  *jsonschema.Schema
	limiter *rateLimiter
}

// NewServer wires the proxy to its collaborators.
func NewServer(cfg ServerConfig, st *store.Store, arena *actor.Arena, runner *workflow.Runner, sched Scheduler, metrics *observability.Registry) (*Server, error) {
	if st == nil || arena == nil || runner == nil || sched == nil || metrics == nil {
		return nil, fmt.Errorf("proxy requires a store, an arena, a workflow runner, a scheduler, and a metrics registry")
	}
	if cfg.RPCPath == "" {
		cfg.RPCPath = "/sync"
	}
	cfg.RPCPath = strings.TrimSuffix(cfg.RPCPath, "/")
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	sch, err := compilePushSchema()
	if err != nil {
		return nil, err
	}

	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}

	return &Server{
		cfg:     cfg,
		store:   st,
		arena:   arena,
		runner:  runner,
		sched:   sched,
		metrics: metrics,
		schema:  sch,
		limiter: limiter,
	}, nil
}

// address is the routing triple every RPC carries.
type address struct {
	Namespace string `json:"namespace"`
	UserID    string `json:"user_id"`
	PublicKey string `json:"public_key"`
}

// objectID derives the durable actor address. Pure: identical input yields
// the identical id on every proxy instance.
func (a address) objectID() identity.ObjectID {
	return identity.DeriveObjectID(a.Namespace, a.UserID, a.PublicKey)
}

func (a address) valid() bool {
	return a.Namespace != "" && a.UserID != "" && a.PublicKey != ""
}

type pushRequest struct {
	address
	Events []event.Event `json:"events"`
}

type pushResponse struct {
	Stats event.SyncStats `json:"stats"`
}

type pullRequest struct {
	address
	Cursor int64 `json:"cursor"`
}

type pullResponse struct {
	Events []event.Event `json:"events"`
}

type destroyRequest struct {
	address
	// Wait blocks the call until the destruction workflow finishes.
	Wait bool `json:"wait,omitempty"`
}

type destroyResponse struct {
	Workflow string `json:"workflow"`
	Key      string `json:"key"`
	Status   string `json:"status"`
}

// scheduledRequest is a cron tick forwarded by the hosting runtime. Tag
// selects the resource plan; the payload is opaque to the proxy.
type scheduledRequest struct {
	Cron          string          `json:"cron"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	Tag           string          `json:"tag"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type scheduledResponse struct {
	Tag   string `json:"tag"`
	Acked bool   `json:"acked"`
	Error string `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/healthz" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"binding": s.cfg.BindingName,
		})
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = io.WriteString(w, s.metrics.RenderPrometheus())
	case r.URL.Path == s.cfg.RPCPath+"/push" && r.Method == http.MethodPost:
		s.withToken(w, r, s.handlePush)
	case r.URL.Path == s.cfg.RPCPath+"/pull" && r.Method == http.MethodPost:
		s.withToken(w, r, s.handlePull)
	case r.URL.Path == s.cfg.RPCPath+"/destroy" && r.Method == http.MethodPost:
		s.withToken(w, r, s.handleDestroy)
	case r.URL.Path == s.cfg.RPCPath+"/stats" && r.Method == http.MethodGet:
		s.withToken(w, r, s.handleStats)
	case r.URL.Path == s.cfg.RPCPath+"/scheduled" && r.Method == http.MethodPost:
		s.withToken(w, r, s.handleScheduled)
	default:
		writeWireError(w, http.StatusNotFound, wireError{
			Kind:    KindNotFound,
			Message: "route not found",
		})
	}
}

// withToken rejects unauthenticated callers and applies the per-token rate
// limit before dispatching. Whether the token matches the addressed user is
// only decidable once the handler has parsed the address; see authorizeUser.
func (s *Server) withToken(w http.ResponseWriter, r *http.Request, h func(http.ResponseWriter, *http.Request)) {
	token := bearerToken(r)
	if s.cfg.AuthSecret != "" && token == "" {
		s.count(r.URL.Path, "unauthorized")
		writeWireError(w, http.StatusUnauthorized, wireError{
			Kind:    KindUnauthorized,
			Message: "missing bearer token",
		})
		return
	}

	if s.limiter != nil {
		if rlErr := s.limiter.check(token, time.Now()); rlErr != nil {
			s.count(r.URL.Path, "ratelimited")
			writeRatelimit(w, rlErr)
			return
		}
	}

	h(w, r)
}

// authorizeUser verifies that the caller's token was minted for the user the
// request addresses. A valid token for a different user is rejected.
func (s *Server) authorizeUser(w http.ResponseWriter, r *http.Request, op string, addr address) bool {
	if s.cfg.AuthSecret == "" {
		return true
	}
	user := identity.DeriveUserID(addr.Namespace, addr.UserID)
	if !tokenMatches(s.cfg.AuthSecret, bearerToken(r), user) {
		s.count(op, "unauthorized")
		writeWireError(w, http.StatusForbidden, wireError{
			Kind:    KindUnauthorized,
			Message: "credentials do not match the addressed user",
		})
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx, span := observability.StartSpan(r.Context(), "proxy.push")
	defer span.End()

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := validatePush(s.schema, body); err != nil {
		s.count("push", "bad_request")
		writeWireError(w, http.StatusBadRequest, wireError{
			Kind:    KindBadRequest,
			Message: err.Error(),
		})
		return
	}

	var req pushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.count("push", "bad_request")
		writeWireError(w, http.StatusBadRequest, wireError{
			Kind:    KindBadRequest,
			Message: "invalid json body",
		})
		return
	}

	if !s.authorizeUser(w, r, "push", req.address) {
		return
	}

	id := req.objectID()
	span.SetAttributes(attribute.String("vault.object_id", id.String()))

	var stats event.SyncStats
	err := s.arena.Do(ctx, id, func(ctx context.Context) error {
		var appendErr error
		stats, appendErr = s.store.Append(ctx, id, req.Events)
		return appendErr
	})
	if err != nil {
		s.failure(w, "push", err)
		return
	}

	s.count("push", "ok")
	writeJSON(w, http.StatusOK, pushResponse{Stats: stats})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	ctx, span := observability.StartSpan(r.Context(), "proxy.pull")
	defer span.End()

	var req pullRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !req.valid() {
		s.count("pull", "bad_request")
		writeWireError(w, http.StatusBadRequest, wireError{
			Kind:    KindBadRequest,
			Message: "namespace, user_id and public_key are required",
		})
		return
	}

	if !s.authorizeUser(w, r, "pull", req.address) {
		return
	}

	id := req.objectID()
	span.SetAttributes(attribute.String("vault.object_id", id.String()))

	var events []event.Event
	err := s.arena.Do(ctx, id, func(ctx context.Context) error {
		var readErr error
		events, readErr = s.store.ReadSince(ctx, id, req.Cursor)
		return readErr
	})
	if err != nil {
		s.failure(w, "pull", err)
		return
	}

	s.count("pull", "ok")
	writeJSON(w, http.StatusOK, pullResponse{Events: events})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	ctx, span := observability.StartSpan(r.Context(), "proxy.destroy")
	defer span.End()

	var req destroyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !req.valid() {
		s.count("destroy", "bad_request")
		writeWireError(w, http.StatusBadRequest, wireError{
			Kind:    KindBadRequest,
			Message: "namespace, user_id and public_key are required",
		})
		return
	}

	if !s.authorizeUser(w, r, "destroy", req.address) {
		return
	}

	id := req.objectID()
	span.SetAttributes(attribute.String("vault.object_id", id.String()))

	// Destruction cascades to dependent resources, so it always goes through
	// the workflow runner, never straight to the store.
	h, err := s.runner.Trigger(ctx, workflow.DestroyVaultName, id.String())
	if err != nil {
		s.failure(w, "destroy", err)
		return
	}

	if req.Wait {
		if err := h.Wait(ctx); err != nil {
			s.failure(w, "destroy", err)
			return
		}
		s.count("destroy", "ok")
		writeJSON(w, http.StatusOK, destroyResponse{
			Workflow: h.Workflow, Key: h.Key, Status: "complete",
		})
		return
	}

	s.count("destroy", "accepted")
	writeJSON(w, http.StatusAccepted, destroyResponse{
		Workflow: h.Workflow, Key: h.Key, Status: "running",
	})
}

// handleScheduled forwards an externally fired cron tick to the worker pool.
//
// A 2xx response means the tick is acknowledged and must not be redelivered:
// either the plan ran, or it failed in a way redelivery cannot fix. Any
// other status leaves the tick unacknowledged so the runtime retries it.
func (s *Server) handleScheduled(w http.ResponseWriter, r *http.Request) {
	ctx, span := observability.StartSpan(r.Context(), "proxy.scheduled")
	defer span.End()

	var req scheduledRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Tag == "" {
		s.count("scheduled", "bad_request")
		writeWireError(w, http.StatusBadRequest, wireError{
			Kind:    KindBadRequest,
			Message: "tag is required",
		})
		return
	}
	if !s.authorizeOperator(w, r) {
		return
	}
	if req.ScheduledTime.IsZero() {
		req.ScheduledTime = time.Now().UTC()
	}
	span.SetAttributes(attribute.String("plan.tag", req.Tag))

	acked := false
	ev := scheduler.ScheduledEvent{
		Cron:          req.Cron,
		ScheduledTime: req.ScheduledTime,
		NoRetry:       func() { acked = true },
	}
	err := s.sched.HandleScheduled(ctx, ev, req.Tag, req.Payload)
	if err != nil && !acked {
		// Transient failure: surface it and let the runtime redeliver.
		s.failure(w, "scheduled", err)
		return
	}
	if err != nil {
		s.count("scheduled", "dropped")
		writeJSON(w, http.StatusOK, scheduledResponse{Tag: req.Tag, Acked: true, Error: err.Error()})
		return
	}

	s.count("scheduled", "ok")
	writeJSON(w, http.StatusOK, scheduledResponse{Tag: req.Tag, Acked: true})
}

// authorizeOperator verifies the runtime's scheduled-trigger credential.
// User tokens never pass: scheduled payloads can address any vault.
func (s *Server) authorizeOperator(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AuthSecret == "" {
		return true
	}
	if !operatorTokenMatches(s.cfg.AuthSecret, bearerToken(r)) {
		s.count("scheduled", "unauthorized")
		writeWireError(w, http.StatusForbidden, wireError{
			Kind:    KindUnauthorized,
			Message: "scheduled triggers require the operator credential",
		})
		return false
	}
	return true
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := observability.StartSpan(r.Context(), "proxy.stats")
	defer span.End()

	q := r.URL.Query()
	addr := address{
		Namespace: q.Get("namespace"),
		UserID:    q.Get("user_id"),
		PublicKey: q.Get("public_key"),
	}
	if !addr.valid() {
		s.count("stats", "bad_request")
		writeWireError(w, http.StatusBadRequest, wireError{
			Kind:    KindBadRequest,
			Message: "namespace, user_id and public_key query parameters are required",
		})
		return
	}
	if !s.authorizeUser(w, r, "stats", addr) {
		return
	}

	stats, err := s.store.Stats(ctx, addr.objectID())
	if err != nil {
		s.failure(w, "stats", err)
		return
	}

	s.count("stats", "ok")
	writeJSON(w, http.StatusOK, pushResponse{Stats: stats})
}

// readBody reads a bounded request body.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeWireError(w, http.StatusRequestEntityTooLarge, wireError{
				Kind:    KindBadRequest,
				Message: "request body exceeds configured limit",
			})
			return nil, false
		}
		writeWireError(w, http.StatusBadRequest, wireError{
			Kind:    KindBadRequest,
			Message: "failed to read request body",
		})
		return nil, false
	}
	return body, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeWireError(w, http.StatusBadRequest, wireError{
			Kind:    KindBadRequest,
			Message: "invalid json body",
		})
		return false
	}
	return true
}

// failure renders an internal error as its stable wire kind.
func (s *Server) failure(w http.ResponseWriter, op string, err error) {
	kind, status, retryable := classify(err)
	s.count(op, string(kind))
	if kind == KindInternal {
		slog.Error("proxy operation failed", "op", op, "error", err)
	}

	msg := err.Error()
	if kind == KindInternal {
		// Never leak raw backend errors on the wire.
		msg = "internal error"
	}
	writeWireError(w, status, wireError{Kind: kind, Message: msg, Retryable: retryable})
}

func (s *Server) count(op, result string) {
	s.metrics.IncCounter("proxy_requests_total",
		map[string]string{"op": strings.TrimPrefix(op, s.cfg.RPCPath+"/"), "result": result}, 1)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeWireError(w http.ResponseWriter, status int, we wireError) {
	writeJSON(w, status, we)
}

// writeRatelimit renders the advisory headers alongside the error envelope.
func writeRatelimit(w http.ResponseWriter, rlErr *RatelimitError) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rlErr.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rlErr.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rlErr.Reset.Unix(), 10))
	writeWireError(w, http.StatusTooManyRequests, wireError{
		Kind:      KindRatelimited,
		Message:   rlErr.Error(),
		Retryable: true,
	})
}

// rateLimiter is a fixed-window counter per bearer token.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// check admits or rejects one request for key.
func (l *rateLimiter) check(key string, now time.Time) *RatelimitError {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return nil
	}
	if entry.count >= l.max {
		return &RatelimitError{
			Reason:    ReasonRemainingLimitExceeded,
			Remaining: 0,
			Limit:     l.max,
			Reset:     entry.resetAt,
		}
	}
	entry.count++
	l.entries[key] = entry
	return nil
}
