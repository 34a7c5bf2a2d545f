package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rrens/session-telemetry/internal/config"
	"github.com/Rrens/session-telemetry/internal/repository/sqldb"
	"github.com/Rrens/session-telemetry/internal/service"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
}

func newTestServer(t *testing.T) (*httptest.Server, Dependencies) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "telemetry.db")
	require.NoError(t, sqldb.RunMigrations(config.DriverSQLite, "sqlite://"+path))

	db, err := sqldb.Open(context.Background(),
		config.DatabaseConfig{Driver: config.DriverSQLite, SQLitePath: path},
		config.PoolConfig{PoolSize: 2, MaxOverflow: 4, PoolTimeout: 5, QueryTimeout: 5},
	)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	clock := clockwork.NewRealClock()
	sessions := sqldb.NewSessionRepository(db)

	cache, err := service.NewSessionCache(sessions, sqldb.NewDeadLetterRepository(db), nil, clock, service.SessionCacheConfig{
		Capacity:        100,
		Expiry:          time.Hour,
		EvictRetries:    3,
		CriticalRetries: 2,
	})
	require.NoError(t, err)

	writer, err := service.NewTelemetryWriter(service.TelemetryWriterConfig{
		QueueSize:   64,
		Workers:     2,
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}, clock)
	require.NoError(t, err)
	writer.Start()
	t.Cleanup(func() { writer.Shutdown(context.Background()) })

	interactions := sqldb.NewInteractionRepository(db)
	recorder := service.NewInteractionRecorder(interactions, sessions, cache, clock, 2)
	retrievals := service.NewRetrievalLog(sqldb.NewRetrievalRepository(db), interactions, writer)
	invocations := service.NewInvocationLog(sqldb.NewInvocationRepository(db), interactions, writer)
	evaluations := service.NewEvaluationLog(sqldb.NewEvaluationRepository(db), interactions, writer)

	deps := Dependencies{
		DB:          db,
		Sessions:    sessions,
		Cache:       cache,
		Recorder:    recorder,
		Retrievals:  retrievals,
		Invocations: invocations,
		Evaluations: evaluations,
		Writer:      writer,
		Turns:       service.NewTurnService(cache, recorder, retrievals, invocations, evaluations, 5*time.Second),
	}

	srv := httptest.NewServer(NewRouter(&config.Config{}, deps))
	t.Cleanup(srv.Close)
	return srv, deps
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) (int, apiResponse) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func recordTurn(t *testing.T, srv *httptest.Server, user string) service.TurnResult {
	t.Helper()
	status, resp := do(t, srv, http.MethodPost, "/api/v1/turns", map[string]any{
		"user_id":      user,
		"user_query":   "How do I export my data?",
		"llm_response": "Use the export button in settings.",
	})
	require.Equal(t, http.StatusCreated, status)

	var result service.TurnResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	return result
}

func TestRouter_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	status, resp := do(t, srv, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)

	status, resp = do(t, srv, http.MethodGet, "/api/v1/ready", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ready","mirror":"disabled"}`, string(resp.Data))
}

func TestRouter_TurnAndSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	turn := recordTurn(t, srv, "user-1")

	status, resp := do(t, srv, http.MethodGet, "/api/v1/sessions/"+turn.SessionID.String(), nil)
	require.Equal(t, http.StatusOK, status)
	var got struct {
		Active bool `json:"active"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.True(t, got.Active)

	status, resp = do(t, srv, http.MethodGet, "/api/v1/sessions/"+turn.SessionID.String()+"/interactions", nil)
	require.Equal(t, http.StatusOK, status)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &history))
	assert.Len(t, history, 1)

	status, _ = do(t, srv, http.MethodDelete, "/api/v1/sessions/"+turn.SessionID.String(), nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, resp = do(t, srv, http.MethodDelete, "/api/v1/sessions/"+turn.SessionID.String(), nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "session_closed", resp.Error.Code)

	status, resp = do(t, srv, http.MethodGet, "/api/v1/sessions/"+turn.SessionID.String(), nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.False(t, got.Active)

	status, resp = do(t, srv, http.MethodGet, "/api/v1/users/user-1/sessions", nil)
	require.Equal(t, http.StatusOK, status)
	var sessions []map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &sessions))
	assert.Len(t, sessions, 1)
}

func TestRouter_CreateSession(t *testing.T) {
	srv, _ := newTestServer(t)

	status, _ := do(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{
		"user_id":  "user-2",
		"metadata": map[string]string{"locale": "fr-FR"},
	})
	assert.Equal(t, http.StatusCreated, status)

	status, resp := do(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{
		"user_id":  "user-3",
		"metadata": map[string]string{"shoe_size": "42"},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_failed", resp.Error.Code)

	status, resp = do(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, resp.Error.Fields, "UserID")
}

func TestRouter_InteractionErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	status, resp := do(t, srv, http.MethodPost, "/api/v1/interactions", map[string]any{
		"session_id": uuid.New(),
		"user_query": "hello",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "orphan_reference", resp.Error.Code)

	status, _ = do(t, srv, http.MethodGet, "/api/v1/interactions/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, srv, http.MethodGet, "/api/v1/interactions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRouter_PatchInteraction(t *testing.T) {
	srv, _ := newTestServer(t)
	turn := recordTurn(t, srv, "user-1")
	path := "/api/v1/interactions/" + turn.InteractionID.String()

	status, resp := do(t, srv, http.MethodPatch, path, map[string]any{"rating": 5, "clicks": 2})
	require.Equal(t, http.StatusOK, status)
	var interaction map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &interaction))
	assert.EqualValues(t, 5, interaction["rating"])
	assert.EqualValues(t, 2, interaction["clicks"])

	status, _ = do(t, srv, http.MethodPatch, path, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, srv, http.MethodPatch, path, map[string]any{"rating": 9})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, srv, http.MethodPatch, "/api/v1/interactions/"+uuid.New().String(), map[string]any{"rating": 3})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRouter_TelemetryIsAccepted(t *testing.T) {
	srv, deps := newTestServer(t)
	turn := recordTurn(t, srv, "user-1")
	base := "/api/v1/interactions/" + turn.InteractionID.String()

	status, _ := do(t, srv, http.MethodPost, base+"/retrievals", map[string]any{
		"document_ids":      []string{"a", "b"},
		"similarity_scores": []float64{0.9, 0.8},
		"document_sources":  []string{"kb", "kb"},
		"document_lengths":  []int{10, 20},
	})
	assert.Equal(t, http.StatusAccepted, status)

	status, _ = do(t, srv, http.MethodPost, base+"/invocations", map[string]any{
		"model_name":        "gpt-4o-mini",
		"prompt_tokens":     10,
		"completion_tokens": 5,
	})
	assert.Equal(t, http.StatusAccepted, status)

	status, _ = do(t, srv, http.MethodPost, base+"/evaluations", map[string]any{"accuracy": 0.7})
	assert.Equal(t, http.StatusAccepted, status)

	assert.Eventually(t, func() bool { return deps.Writer.Stats().Written == 3 }, 2*time.Second, 5*time.Millisecond)

	status, _ = do(t, srv, http.MethodPost, base+"/retrievals", map[string]any{
		"document_ids":      []string{"a", "b"},
		"similarity_scores": []float64{0.9},
		"document_sources":  []string{"kb", "kb"},
		"document_lengths":  []int{10, 20},
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, resp := do(t, srv, http.MethodPost, "/api/v1/interactions/"+uuid.New().String()+"/evaluations", map[string]any{"accuracy": 0.7})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "orphan_reference", resp.Error.Code)
}

func TestRouter_Stats(t *testing.T) {
	srv, _ := newTestServer(t)
	recordTurn(t, srv, "user-1")

	status, resp := do(t, srv, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, status)

	var stats struct {
		Cache     service.CacheStats     `json:"cache"`
		Pool      sqldb.PoolStats        `json:"pool"`
		Telemetry service.TelemetryStats `json:"telemetry"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	assert.Equal(t, 1, stats.Cache.Size)
	assert.Equal(t, 2, stats.Pool.Size)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, int, time.Time, error) {
	return false, 0, time.Now().Add(time.Minute), nil
}

func TestRouter_RateLimitAppliesToWrites(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.Limiter = denyAll{}
	limited := httptest.NewServer(NewRouter(&config.Config{}, deps))
	t.Cleanup(limited.Close)

	status, resp := do(t, limited, http.MethodPost, "/api/v1/turns", map[string]any{
		"user_id":    "user-1",
		"user_query": "hello",
	})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", resp.Error.Code)

	status, _ = do(t, limited, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, srv, http.MethodPost, "/api/v1/turns", map[string]any{
		"user_id":    "user-1",
		"user_query": "hello",
	})
	assert.Equal(t, http.StatusCreated, status)
}
