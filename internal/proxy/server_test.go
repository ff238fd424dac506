package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomhaye/vaultsync/internal/actor"
	"github.com/tomhaye/vaultsync/internal/artifact"
	"github.com/tomhaye/vaultsync/internal/identity"
	"github.com/tomhaye/vaultsync/internal/observability"
	"github.com/tomhaye/vaultsync/internal/scheduler"
	"github.com/tomhaye/vaultsync/internal/store"
	"github.com/tomhaye/vaultsync/internal/workflow"
)

const testSecret = "test-secret"

type testEnv struct {
	server *httptest.Server
	store  *store.Store
	arts   *artifact.MemoryStore
	sweeps atomic.Int32 // sweep plan executions
}

// token mints the bearer credential the proxy expects for one user.
func (e *testEnv) token(namespace, userID string) string {
	return UserToken(testSecret, identity.DeriveUserID(namespace, userID))
}

func newTestEnv(t *testing.T, cfg ServerConfig, quota int64) *testEnv {
	t.Helper()

	st, err := store.Open(store.Options{
		DSN:            filepath.Join(t.TempDir(), "test.db"),
		MaxStorageSize: quota,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	arena := actor.NewArena(time.Minute)
	t.Cleanup(arena.Close)

	arts := artifact.NewMemoryStore()
	def, err := workflow.DestroyVault(workflow.DestroyVaultDeps{Store: st, Artifacts: arts})
	require.NoError(t, err)
	reg, err := workflow.NewRegistry(def)
	require.NoError(t, err)
	runner := workflow.NewRunner(reg, st, workflow.StepRetry{
		Attempts: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond,
	})

	if cfg.AuthSecret == "" {
		cfg.AuthSecret = testSecret
	}

	env := &testEnv{store: st, arts: arts}
	table, err := scheduler.NewTable(8,
		scheduler.Plan{Tag: "quota_sweep", Handler: func(context.Context, []byte) ([]byte, error) {
			env.sweeps.Add(1)
			return []byte(`{"status":"swept"}`), nil
		}},
		scheduler.Plan{Tag: "flaky_sweep", Handler: func(context.Context, []byte) ([]byte, error) {
			return nil, errors.New("backend briefly away")
		}},
	)
	require.NoError(t, err)
	pool := scheduler.NewPool(table, scheduler.Options{Workers: 2})
	require.NoError(t, pool.Init(context.Background()))
	t.Cleanup(func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(drainCtx)
	})

	srv, err := NewServer(cfg, st, arena, runner, pool, observability.NewRegistry())
	require.NoError(t, err)

	env.server = httptest.NewServer(srv)
	t.Cleanup(env.server.Close)
	return env
}

// do sends a request as the default test user, notes/user-1.
func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	return e.doAs(t, method, path, body, e.token("notes", "user-1"))
}

func (e *testEnv) doAs(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func pushBody(seqs ...int64) map[string]any {
	events := make([]map[string]any, 0, len(seqs))
	for _, seq := range seqs {
		events = append(events, map[string]any{
			"seq":       seq,
			"origin":    "client",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"payload":   map[string]any{"version": 1, "data": []byte("0123456789")},
		})
	}
	return map[string]any{
		"namespace":  "notes",
		"user_id":    "user-1",
		"public_key": "device-1",
		"events":     events,
	}
}

func TestServer_Healthz(t *testing.T) {
	env := newTestEnv(t, ServerConfig{BindingName: "SYNC_STORAGE"}, 0)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "SYNC_STORAGE", body["binding"])
}

func TestServer_PushRequiresAuth(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	resp, err := http.Post(env.server.URL+"/sync/push", "application/json",
		bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	we := decodeBody[wireError](t, resp)
	assert.Equal(t, KindUnauthorized, we.Kind)
	assert.False(t, we.Retryable)
}

func TestServer_TokenForWrongUserRejected(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	// A valid credential for user-2 must not reach user-1's vault.
	resp := env.doAs(t, http.MethodPost, "/sync/push", pushBody(1),
		env.token("notes", "user-2"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	we := decodeBody[wireError](t, resp)
	assert.Equal(t, KindUnauthorized, we.Kind)

	resp = env.doAs(t, http.MethodGet,
		"/sync/stats?namespace=notes&user_id=user-1&public_key=device-1", nil,
		env.token("notes", "user-2"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_PushAndStats(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	resp := env.do(t, http.MethodPost, "/sync/push", pushBody(1, 2, 3))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pr := decodeBody[pushResponse](t, resp)
	assert.Equal(t, int64(1), pr.Stats.SyncCount)
	assert.Equal(t, int64(30), pr.Stats.UsedStorageSize)

	resp = env.do(t, http.MethodGet,
		"/sync/stats?namespace=notes&user_id=user-1&public_key=device-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sr := decodeBody[pushResponse](t, resp)
	assert.Equal(t, pr.Stats.UsedStorageSize, sr.Stats.UsedStorageSize)
}

func TestServer_PushSchemaRejection(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	for name, body := range map[string]map[string]any{
		"missing events": {"namespace": "n", "user_id": "u", "public_key": "k"},
		"empty events":   {"namespace": "n", "user_id": "u", "public_key": "k", "events": []any{}},
		"bad origin": {"namespace": "n", "user_id": "u", "public_key": "k", "events": []map[string]any{{
			"seq": 1, "origin": "martian",
			"timestamp": "2025-01-01T00:00:00Z",
			"payload":   map[string]any{"version": 1, "data": ""},
		}}},
	} {
		resp := env.do(t, http.MethodPost, "/sync/push", body)
		we := decodeBody[wireError](t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
		assert.Equal(t, KindBadRequest, we.Kind, name)
	}
}

func TestServer_PushQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 25)

	resp := env.do(t, http.MethodPost, "/sync/push", pushBody(1, 2))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// 20 of 25 units used; 10 more must be rejected in full.
	resp = env.do(t, http.MethodPost, "/sync/push", pushBody(3))
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)
	we := decodeBody[wireError](t, resp)
	assert.Equal(t, KindQuotaExceeded, we.Kind)
	assert.False(t, we.Retryable, "client must prune before retrying")

	resp = env.do(t, http.MethodGet,
		"/sync/stats?namespace=notes&user_id=user-1&public_key=device-1", nil)
	sr := decodeBody[pushResponse](t, resp)
	assert.Equal(t, int64(20), sr.Stats.UsedStorageSize, "rejected batch left stats untouched")
}

func TestServer_PullFromCursor(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	resp := env.do(t, http.MethodPost, "/sync/push", pushBody(1, 2, 3, 4, 5, 6, 7, 8))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	pull := map[string]any{
		"namespace": "notes", "user_id": "user-1", "public_key": "device-1", "cursor": 5,
	}
	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/sync/pull", pull)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		pr := decodeBody[pullResponse](t, resp)
		require.Len(t, pr.Events, 3, "attempt %d", i)
		for j, ev := range pr.Events {
			assert.Equal(t, int64(6+j), ev.Seq)
		}
	}
}

func TestServer_PullUnknownVaultIsEmpty(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	resp := env.doAs(t, http.MethodPost, "/sync/pull", map[string]any{
		"namespace": "notes", "user_id": "nobody", "public_key": "none", "cursor": 0,
	}, env.token("notes", "nobody"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pr := decodeBody[pullResponse](t, resp)
	assert.Empty(t, pr.Events)
}

func TestServer_StatsUnknownVault(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	resp := env.doAs(t, http.MethodGet,
		"/sync/stats?namespace=notes&user_id=nobody&public_key=none", nil,
		env.token("notes", "nobody"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	we := decodeBody[wireError](t, resp)
	assert.Equal(t, KindNotFound, we.Kind)
	assert.False(t, we.Retryable)
}

func TestServer_DestroyCascades(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	resp := env.do(t, http.MethodPost, "/sync/push", pushBody(1, 2))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	destroy := map[string]any{
		"namespace": "notes", "user_id": "user-1", "public_key": "device-1", "wait": true,
	}
	resp = env.do(t, http.MethodPost, "/sync/destroy", destroy)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dr := decodeBody[destroyResponse](t, resp)
	assert.Equal(t, workflow.DestroyVaultName, dr.Workflow)
	assert.Equal(t, "complete", dr.Status)

	resp = env.do(t, http.MethodGet,
		"/sync/stats?namespace=notes&user_id=user-1&public_key=device-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Destroying an already-destroyed vault still succeeds.
	resp = env.do(t, http.MethodPost, "/sync/destroy", destroy)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_DestroyAsync(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	resp := env.do(t, http.MethodPost, "/sync/destroy", map[string]any{
		"namespace": "notes", "user_id": "user-1", "public_key": "device-1",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	dr := decodeBody[destroyResponse](t, resp)
	assert.Equal(t, "running", dr.Status)
}

func TestServer_RateLimit(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute}, 0)

	tok := env.token("notes", "nobody")
	for i := 0; i < 2; i++ {
		resp := env.doAs(t, http.MethodGet,
			"/sync/stats?namespace=notes&user_id=nobody&public_key=none", nil, tok)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	}

	resp := env.doAs(t, http.MethodGet,
		"/sync/stats?namespace=notes&user_id=nobody&public_key=none", nil, tok)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
	we := decodeBody[wireError](t, resp)
	assert.Equal(t, KindRatelimited, we.Kind)
	assert.True(t, we.Retryable)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	resp := env.do(t, http.MethodPost, "/sync/push", pushBody(1))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	mresp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "proxy_requests_total")
}

func TestServer_CustomRPCPath(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RPCPath: "/v2/replica"}, 0)

	resp := env.do(t, http.MethodPost, "/v2/replica/push", pushBody(1))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/sync/push", pushBody(2))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func scheduledBody(tag string, tick time.Time) map[string]any {
	return map[string]any{
		"cron":           "*/5 * * * *",
		"scheduled_time": tick.UTC().Format(time.RFC3339Nano),
		"tag":            tag,
	}
}

func TestServer_ScheduledTriggerRunsPlan(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)
	tick := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := OperatorToken(testSecret)

	resp := env.doAs(t, http.MethodPost, "/sync/scheduled", scheduledBody("quota_sweep", tick), tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sr := decodeBody[scheduledResponse](t, resp)
	assert.True(t, sr.Acked)
	assert.Empty(t, sr.Error)
	assert.Equal(t, int32(1), env.sweeps.Load())

	// Redelivering the same tick replays the recorded result.
	resp = env.doAs(t, http.MethodPost, "/sync/scheduled", scheduledBody("quota_sweep", tick), tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, int32(1), env.sweeps.Load(), "redelivered tick must not run the plan again")

	// A later tick is new work.
	resp = env.doAs(t, http.MethodPost, "/sync/scheduled",
		scheduledBody("quota_sweep", tick.Add(5*time.Minute)), tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, int32(2), env.sweeps.Load())
}

func TestServer_ScheduledUnknownTagAcked(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	// An unregistered tag stays broken no matter how often the runtime
	// retries: the tick is acknowledged so redelivery stops.
	resp := env.doAs(t, http.MethodPost, "/sync/scheduled",
		scheduledBody("no_such_plan", time.Now()), OperatorToken(testSecret))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sr := decodeBody[scheduledResponse](t, resp)
	assert.True(t, sr.Acked)
	assert.NotEmpty(t, sr.Error)
}

func TestServer_ScheduledTransientFailureRedelivered(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	resp := env.doAs(t, http.MethodPost, "/sync/scheduled",
		scheduledBody("flaky_sweep", time.Now()), OperatorToken(testSecret))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	we := decodeBody[wireError](t, resp)
	assert.True(t, we.Retryable, "unacknowledged tick must invite redelivery")
}

func TestServer_ScheduledRejectsUserToken(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	// Scheduled payloads can address any vault, so a per-user credential
	// is not enough.
	resp := env.do(t, http.MethodPost, "/sync/scheduled",
		scheduledBody("quota_sweep", time.Now()))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	we := decodeBody[wireError](t, resp)
	assert.Equal(t, KindUnauthorized, we.Kind)
	assert.Equal(t, int32(0), env.sweeps.Load())
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)
	st := env.store
	arena := actor.NewArena(time.Minute)
	t.Cleanup(arena.Close)
	reg, err := workflow.NewRegistry(mustDestroyDef(t, st, env.arts))
	require.NoError(t, err)
	runner := workflow.NewRunner(reg, st, workflow.DefaultStepRetry)
	table, err := scheduler.NewTable(8,
		scheduler.Plan{Tag: "noop", Handler: func(context.Context, []byte) ([]byte, error) { return nil, nil }})
	require.NoError(t, err)
	pool := scheduler.NewPool(table, scheduler.Options{})

	_, err = NewServer(ServerConfig{}, st, arena, runner, pool, nil)
	require.Error(t, err, "nil metrics registry must be rejected")

	_, err = NewServer(ServerConfig{}, st, arena, runner, nil, observability.NewRegistry())
	require.Error(t, err, "nil scheduler must be rejected")

	_, err = NewServer(ServerConfig{}, st, arena, runner, pool, observability.NewRegistry())
	require.NoError(t, err)
}

func mustDestroyDef(t *testing.T, st *store.Store, arts artifact.Store) workflow.Definition {
	t.Helper()
	def, err := workflow.DestroyVault(workflow.DestroyVaultDeps{Store: st, Artifacts: arts})
	require.NoError(t, err)
	return def
}

func TestServer_UnorderedBatchRejected(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, 0)

	resp := env.do(t, http.MethodPost, "/sync/push", pushBody(3, 1, 2))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	we := decodeBody[wireError](t, resp)
	assert.Equal(t, KindBadRequest, we.Kind)
	assert.False(t, we.Retryable)
}
