package trase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trase-agent/internal/api"
	"trase-agent/internal/audit"
	"trase-agent/internal/auth"
	"trase-agent/internal/catalog"
	"trase-agent/internal/storage/memory"
	"trase-agent/internal/taskrun"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	users := auth.NewMemoryStore()
	authSvc, err := auth.NewService(ctx, auth.Config{
		Mode:  auth.ModeJWT,
		JWT:   auth.JWTOptions{Secret: "sdk-test", TokenTTL: time.Hour},
		Seeds: auth.DevSeeds(),
	}, users, users)
	require.NoError(t, err)

	server := api.NewServer(":0", api.Services{
		Catalog: catalog.NewService(store.Catalog(), audit.NewRecorder()),
		Runs:    taskrun.NewController(store.Runs()),
		Audits:  audit.NewQueryService(store.Audits()),
		Auth:    authSvc,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, srv *httptest.Server, username, password string) *Client {
	t.Helper()
	client, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	token, err := client.Login(context.Background(), Credentials{Username: username, Password: password})
	require.NoError(t, err)
	assert.Equal(t, token.AccessToken, client.AccessToken())
	assert.Equal(t, "Bearer", token.TokenType)
	return client
}

func TestRunLifecycle(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	admin := login(t, srv, "admin", "admin123!")
	runner := login(t, srv, "runner", "runner123!")

	agent, err := admin.CreateAgent(ctx, AgentInput{Name: "builder", Description: "builds"})
	require.NoError(t, err)
	task, err := admin.CreateTask(ctx, TaskInput{Title: "compile", Description: "go build", SupportedAgentIDs: []int64{agent.ID}})
	require.NoError(t, err)
	assert.Equal(t, []int64{agent.ID}, task.SupportedAgentIDs)

	run, err := runner.StartRun(ctx, task.ID, agent.ID, "retry-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.False(t, run.Terminal())

	again, err := runner.StartRun(ctx, task.ID, agent.ID, "retry-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, again.ID)

	done, err := runner.UpdateRunStatus(ctx, run.ID, StatusCompleted)
	require.NoError(t, err)
	assert.True(t, done.Terminal())
	require.NotNil(t, done.CompletedAt)

	_, err = runner.UpdateRunStatus(ctx, run.ID, StatusFailed)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadRequest))

	got, err := runner.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	runs, err := runner.ListRuns(ctx, ListRunsOptions{Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	runs, err = runner.ListRuns(ctx, ListRunsOptions{AfterID: run.ID})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestErrorBodyIsDecoded(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	admin := login(t, srv, "admin", "admin123!")

	_, err := admin.CreateAgent(ctx, AgentInput{Name: " ", Description: "d"})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Validation failed", apiErr.Message)
	assert.Equal(t, "/agents", apiErr.Path)
	assert.NotEmpty(t, apiErr.ValidationErrors)

	_, err = admin.GetAgent(ctx, 404)
	assert.True(t, IsStatus(err, http.StatusNotFound))
}

func TestLogoutDropsToken(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	reader := login(t, srv, "reader", "reader123!")
	token := reader.AccessToken()

	require.NoError(t, reader.Logout(ctx))
	assert.Empty(t, reader.AccessToken())

	reader.SetAccessToken(token)
	_, err := reader.ListAgents(ctx)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
}

func TestStartRunSendsIdempotencyKey(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Idempotency-Key")
		assert.Equal(t, "/base/task-runs", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Run{ID: 7, Status: StatusRunning})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/base/", srv.Client())
	require.NoError(t, err)
	client.SetAccessToken("tok")

	run, err := client.StartRun(context.Background(), 1, 2, "k-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), run.ID)
	assert.Equal(t, "k-1", seen)
}

func TestPlainTextErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	_, err = client.GetRun(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Contains(t, err.Error(), "upstream down")
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	_, err := NewClient("localhost:8080", nil)
	assert.Error(t, err)
}
