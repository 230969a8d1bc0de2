package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"framepipe/internal/auth"
	"framepipe/internal/capture"
	"framepipe/internal/detection"
	"framepipe/internal/frame"
	"framepipe/internal/inference"
	"framepipe/internal/pipeline"
	"framepipe/internal/store"
	"framepipe/internal/ws"
)

type fakeChecker bool

func (f fakeChecker) IsHealthy(context.Context) bool { return bool(f) }

func newTestMonitor(t *testing.T, authCfg auth.Config) (*monitor, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop().Sugar()

	engine := inference.EngineFunc(func(context.Context, *frame.Frame) ([]detection.BoundingBox, error) {
		return nil, nil
	})
	p, err := pipeline.New(pipeline.Config{
		Source: capture.NewPatternSource(frame.Shape{Width: 8, Height: 8, Channels: 3}, 100, 1),
		Engine: engine,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	db, err := store.Open(filepath.Join(t.TempDir(), "framepipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.StartRun(context.Background(), &store.RunRecord{ID: p.RunID(), StartedAt: time.Now(), Source: "pattern"}))

	a, err := auth.NewAuthenticator(authCfg)
	require.NoError(t, err)

	m := &monitor{
		pipeline: p,
		hub:      ws.NewDetectionHub(nil, logger),
		store:    db,
		engine:   fakeChecker(false),
		auth:     a,
		logger:   logger,
	}
	srv := httptest.NewServer(newHTTPHandler(m, false))
	t.Cleanup(srv.Close)
	return m, srv
}

func getJSON(t *testing.T, url, token string, v any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func login(t *testing.T, url, user, pass string) (*http.Response, loginResponse) {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: user, Password: pass})
	resp, err := http.Post(url+"/api/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out loginResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHealthEndpoint(t *testing.T) {
	m, srv := newTestMonitor(t, auth.Config{})

	var health healthResponse
	status := getJSON(t, srv.URL+"/health", "", &health)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, m.pipeline.RunID(), health.RunID)
	assert.False(t, health.PipelineRunning)
	assert.Equal(t, "stopped", health.Status)
	require.NotNil(t, health.InferenceHealthy)
	assert.False(t, *health.InferenceHealthy)
}

func TestStatsRequiresToken(t *testing.T) {
	m, srv := newTestMonitor(t, auth.Config{Enabled: true, Username: "ops", Password: "pw"})

	assert.Equal(t, http.StatusUnauthorized, getJSON(t, srv.URL+"/api/stats", "", nil))

	resp, _ := login(t, srv.URL, "ops", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, token := login(t, srv.URL, "ops", "pw")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, token.Token)

	var stats statsResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/stats", token.Token, &stats))
	assert.Equal(t, m.pipeline.RunID(), stats.Pipeline.RunID)
	assert.Equal(t, "8x8x3", stats.Pipeline.Shape)
	assert.Nil(t, stats.Recorder)
}

func TestLoginDisabled(t *testing.T) {
	_, srv := newTestMonitor(t, auth.Config{})

	resp, _ := login(t, srv.URL, "admin", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Without authentication the API is open
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/stats", "", nil))
}

func TestResultsAndRunEndpoints(t *testing.T) {
	m, srv := newTestMonitor(t, auth.Config{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, m.store.SaveResult(ctx, &store.ResultRecord{
			ID:         "r" + string(rune('0'+i)),
			RunID:      m.pipeline.RunID(),
			FrameSeq:   uint64(i),
			Timestamp:  time.Now().Add(time.Duration(i) * time.Second),
			RawCount:   1,
			Detections: []detection.BoundingBox{{Label: 0, Box: [4]float32{0, 0, 4, 4}, Score: 0.8}},
		}))
	}

	var results []store.ResultRecord
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/results?limit=2", "", &results))
	require.Len(t, results, 2)
	assert.Equal(t, uint64(3), results[0].FrameSeq)
	require.Len(t, results[0].Detections, 1)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/results?limit=x", "", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/results?since=yesterday", "", nil))

	var result store.ResultRecord
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/results/r2", "", &result))
	assert.Equal(t, uint64(2), result.FrameSeq)
	assert.Equal(t, m.pipeline.RunID(), result.RunID)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/results/missing", "", nil))

	var run struct {
		ID          string
		Source      string
		ResultCount int `json:"result_count"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/runs/"+m.pipeline.RunID(), "", &run))
	assert.Equal(t, m.pipeline.RunID(), run.ID)
	assert.Equal(t, "pattern", run.Source)
	assert.Equal(t, 3, run.ResultCount)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/runs/missing", "", nil))
}
