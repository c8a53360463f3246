package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trase-agent/internal/audit"
	"trase-agent/internal/auth"
	"trase-agent/internal/catalog"
	xerrors "trase-agent/internal/errors"
	"trase-agent/internal/observability/alerting"
	"trase-agent/internal/storage/memory"
	"trase-agent/internal/taskrun"
)

type testEnv struct {
	server *Server
	tokens map[string]string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	users := auth.NewMemoryStore()
	authSvc, err := auth.NewService(ctx, auth.Config{
		Mode:  auth.ModeJWT,
		JWT:   auth.JWTOptions{Secret: "api-test", TokenTTL: time.Hour},
		Seeds: auth.DevSeeds(),
	}, users, users)
	require.NoError(t, err)

	server := NewServer(":0", Services{
		Catalog: catalog.NewService(store.Catalog(), audit.NewRecorder()),
		Runs:    taskrun.NewController(store.Runs()),
		Audits:  audit.NewQueryService(store.Audits()),
		Auth:    authSvc,
	}, opts...)

	env := &testEnv{server: server, tokens: map[string]string{}}
	for _, seed := range auth.DevSeeds() {
		rec := env.do(t, http.MethodPost, "/auth/login", "", map[string]string{
			"username": seed.Username,
			"password": seed.Password,
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var login auth.LoginResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
		env.tokens[seed.Username] = login.AccessToken
	}
	return env
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// seedCatalog creates one agent and one task supported by it.
func (e *testEnv) seedCatalog(t *testing.T) (agentID, taskID int64) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/agents", "ops", map[string]string{"name": "builder", "description": "builds"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	agent := decode[agentView](t, rec)

	rec = e.do(t, http.MethodPost, "/tasks", "ops", map[string]any{
		"title":            "compile",
		"description":      "compile sources",
		"supportedAgentId": agent.ID,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[taskView](t, rec)
	return agent.ID, task.ID
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"UP"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil, http.Header{RequestIDHeader: {"req-42"}})
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))

	rec = env.do(t, http.MethodGet, "/healthz", "", nil, http.Header{RequestIDHeader: {"   "}})
	assert.NotEqual(t, "   ", rec.Header().Get(RequestIDHeader))
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
}

func TestOversizedRequestIDIsReplaced(t *testing.T) {
	env := newTestEnv(t)
	agentID, taskID := env.seedCatalog(t)

	oversized := string(bytes.Repeat([]byte("r"), 200))
	for _, incoming := range []string{oversized, "req\x01id"} {
		rec := env.do(t, http.MethodPost, "/task-runs", "runner",
			map[string]int64{"taskId": taskID, "agentId": agentID}, http.Header{RequestIDHeader: {incoming}})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
	}

	rec := env.do(t, http.MethodGet, "/audits/task-runs", "admin", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audits := decode[[]auditView](t, rec)
	require.Len(t, audits, 2)
	for _, a := range audits {
		require.NotNil(t, a.RequestID)
		assert.LessOrEqual(t, len(*a.RequestID), maxRequestIDLength)
	}
}

func TestAuthenticationAndRoles(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/agents", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "Missing bearer token", body.Message)
	assert.Equal(t, "/agents", body.Path)
	assert.Equal(t, "Unauthorized", body.Error)

	rec = env.do(t, http.MethodPost, "/agents", "reader", map[string]string{"name": "x", "description": "y"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/audits/agents", "ops", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/audits/agents", "admin", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "admin", "password": "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid credentials", decode[errorBody](t, rec).Message)
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/auth/logout", "reader", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/agents", "reader", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Token revoked", decode[errorBody](t, rec).Message)
}

func TestSchemaValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/agents", "admin", map[string]any{"name": 12}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "Validation failed", body.Message)
	assert.Contains(t, body.ValidationErrors, "/name")
	assert.Contains(t, body.ValidationErrors, "/description")

	rec = env.do(t, http.MethodPost, "/agents", "admin", "{not json", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Malformed JSON request", decode[errorBody](t, rec).Message)

	rec = env.do(t, http.MethodPost, "/agents", "admin", map[string]string{"name": " ", "description": "d"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body = decode[errorBody](t, rec)
	assert.Equal(t, "must not be blank", body.ValidationErrors["name"])
}

func TestAgentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	agentID, _ := env.seedCatalog(t)
	path := "/agents/" + strconv.FormatInt(agentID, 10)

	rec := env.do(t, http.MethodPost, "/agents", "admin", map[string]string{"name": "builder", "description": "dup"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, path, "admin", map[string]string{"name": "builder-2", "description": "renamed"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "builder-2", decode[agentView](t, rec).Name)

	rec = env.do(t, http.MethodDelete, path, "admin", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, path, "admin", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, path, "reader", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/agents/abc", "reader", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskAliasAndUnknownAgents(t *testing.T) {
	env := newTestEnv(t)
	agentID, taskID := env.seedCatalog(t)

	rec := env.do(t, http.MethodGet, "/task/"+strconv.FormatInt(taskID, 10), "reader", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[taskView](t, rec)
	assert.Equal(t, []int64{agentID}, task.SupportedAgentIDs)
	require.NotNil(t, task.SupportedAgentID)
	assert.Equal(t, agentID, *task.SupportedAgentID)

	rec = env.do(t, http.MethodPost, "/tasks", "admin", map[string]any{
		"title":             "t",
		"description":       "d",
		"supportedAgentIds": []int64{agentID, 999},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Unknown agent ids: [999]", decode[errorBody](t, rec).Message)
}

func TestTaskRunFlow(t *testing.T) {
	env := newTestEnv(t)
	agentID, taskID := env.seedCatalog(t)
	key := http.Header{IdempotencyKeyHeader: {"abc-1"}}
	start := map[string]int64{"taskId": taskID, "agentId": agentID}

	rec := env.do(t, http.MethodPost, "/task-runs", "runner", start, key)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[taskrun.View](t, rec)
	assert.Equal(t, taskrun.StatusRunning, run.Status)
	assert.Nil(t, run.CompletedAt)

	rec = env.do(t, http.MethodPost, "/task-runs", "runner", start, key)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, run.ID, decode[taskrun.View](t, rec).ID)

	rec = env.do(t, http.MethodPost, "/task-runs", "reader", start, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	path := "/task-runs/" + strconv.FormatInt(run.ID, 10)
	rec = env.do(t, http.MethodPatch, path, "runner", map[string]string{"status": "completed"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[taskrun.View](t, rec)
	assert.Equal(t, taskrun.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	rec = env.do(t, http.MethodPatch, path, "runner", map[string]string{"status": "FAILED"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Message, "is not running")

	rec = env.do(t, http.MethodPatch, path, "runner", map[string]string{"status": "PAUSED"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/task-runs?status=COMPLETED", "reader", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]taskrun.View](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/task-runs?afterId="+strconv.FormatInt(run.ID, 10), "reader", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/task-runs?page=x", "reader", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/task-runs/404", "reader", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/audits/task-runs", "admin", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audits := decode[[]auditView](t, rec)
	require.Len(t, audits, 2)
	assert.Equal(t, "STATUS_UPDATE", audits[0].Action)
	require.NotNil(t, audits[0].Status)
	assert.Equal(t, "COMPLETED", *audits[0].Status)
	require.NotNil(t, audits[1].ActorUsername)
	assert.Equal(t, "runner", *audits[1].ActorUsername)
	require.NotNil(t, audits[1].TaskRunID)
	assert.Equal(t, run.ID, *audits[1].TaskRunID)
}

func TestIdempotencyConflictAndKeyLength(t *testing.T) {
	env := newTestEnv(t)
	agentID, taskID := env.seedCatalog(t)

	rec := env.do(t, http.MethodPost, "/task-runs", "runner",
		map[string]int64{"taskId": taskID, "agentId": agentID}, http.Header{IdempotencyKeyHeader: {"k"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/task-runs", "runner",
		map[string]int64{"taskId": taskID, "agentId": agentID + 1}, http.Header{IdempotencyKeyHeader: {"k"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Idempotency key already used for different request", decode[errorBody](t, rec).Message)

	long := string(bytes.Repeat([]byte("x"), 129))
	rec = env.do(t, http.MethodPost, "/task-runs", "runner",
		map[string]int64{"taskId": taskID, "agentId": agentID}, http.Header{IdempotencyKeyHeader: {long}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitRejectsBurst(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(0.001, 5))

	// 登录已经消耗了 4 个令牌。
	rec := env.do(t, http.MethodGet, "/healthz", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", "", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "1000", rec.Header().Get("Retry-After"))
	assert.Equal(t, "Rate limit exceeded", decode[errorBody](t, rec).Message)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/nope", "reader", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/task-runs", "admin", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type captureAlerts struct {
	events []alerting.Event
}

func (c *captureAlerts) Notify(_ context.Context, evt alerting.Event) error {
	c.events = append(c.events, evt)
	return nil
}

func TestInternalErrorsAreMaskedAndAlerted(t *testing.T) {
	alerts := &captureAlerts{}
	env := newTestEnv(t, WithAlerts(alerts))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	env.server.writeError(rec, req, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "Unexpected error", body.Message)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
	require.Len(t, alerts.events, 1)
	assert.Equal(t, "api", alerts.events[0].Source)
}

func TestRetryableErrorsAdvertiseRetryAfter(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/task-runs", nil)

	rec := httptest.NewRecorder()
	env.server.writeError(rec, req, xerrors.Wrap(xerrors.CodeStorageFailure, assert.AnError, "insert run"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	env.server.writeError(rec, req, xerrors.New(xerrors.CodeInvalidArgument, "bad"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}
