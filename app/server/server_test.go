package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"reelflow/app/auth"
	"reelflow/app/config"
	"reelflow/app/database"
	"reelflow/app/handler"
	"reelflow/app/logger"
	"reelflow/app/model"
	"reelflow/app/provider/instagram"
	"reelflow/app/provider/runway"
	"reelflow/app/service"
	"reelflow/app/store"

	"github.com/gin-gonic/gin"
)

type stubGenerator struct {
	mu sync.Mutex
	n  int
}

func (g *stubGenerator) Submit(ctx context.Context, req runway.GenerateRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "task-" + string(rune('0'+g.n)), nil
}

func (g *stubGenerator) Status(ctx context.Context, taskID string) (*runway.Task, error) {
	return &runway.Task{ID: taskID, Status: runway.StatusSucceeded, Output: []string{"https://cdn.example.com/" + taskID + ".mp4"}}, nil
}

type stubPlatform struct{}

func (stubPlatform) CreateMedia(ctx context.Context, accessToken, videoURL, caption string) (string, error) {
	return "container-1", nil
}

func (stubPlatform) ProcessingStatus(ctx context.Context, accessToken, containerID string) (instagram.ContainerStatus, error) {
	return instagram.StatusFinished, nil
}

func (stubPlatform) Publish(ctx context.Context, accessToken, containerID string) (*instagram.PublishResult, error) {
	return &instagram.PublishResult{ID: "media-1"}, nil
}

type testServer struct {
	handler http.Handler
	videos  *store.VideoStore
	tokens  *auth.JWTService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: "file:" + name + "?mode=memory&cache=shared"}, logger.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	queueCfg := config.QueueConfig{
		Concurrency:     1,
		MaxAttempts:     2,
		BackoffStrategy: "fixed",
		BackoffBase:     10 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		LeaseTimeout:    time.Minute,
		ShutdownTimeout: 2 * time.Second,
	}
	cfg := &config.Config{
		Server:    config.ServerConfig{Port: "0"},
		JWT:       config.JWTConfig{Secret: "test-secret", ExpireTime: 1, Issuer: "reelflow"},
		Queue:     config.QueuesConfig{Generation: queueCfg, Publish: queueCfg},
		Runway:    config.RunwayConfig{PollInterval: time.Millisecond, MaxPollAttempts: 3},
		Instagram: config.InstagramConfig{PollInterval: time.Millisecond, MaxPollAttempts: 3},
		Retention: config.RetentionConfig{MaxAge: time.Hour},
	}

	videos := store.NewVideoStore(db)
	settings := store.NewSettingsStore(db, time.Minute)
	orch, err := service.NewOrchestrator(service.Dependencies{
		DB:        db,
		Config:    cfg,
		Logger:    logger.NewNop(),
		Videos:    videos,
		Settings:  settings,
		Generator: &stubGenerator{},
		Platform:  stubPlatform{},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	if err := orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})

	srv := New(cfg, logger.NewNop(), orch, videos, settings)
	return &testServer{handler: srv.Handler(), videos: videos, tokens: auth.NewJWTService(cfg.JWT)}
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) (*httptest.ResponseRecorder, handler.ApiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := s.tokens.GenerateToken(userID, 0)
		if err != nil {
			t.Fatalf("GenerateToken: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var resp handler.ApiResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func decodeData(t *testing.T, resp handler.ApiResponse, v any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestHealthAndAuth(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/health = %d", rec.Code)
	}
	var health struct {
		Status  string          `json:"status"`
		Workers map[string]bool `json:"workers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !health.Workers[service.GenerationQueue] || !health.Workers[service.PublishQueue] {
		t.Fatalf("workers not reported running: %+v", health)
	}
	if rec, _ := s.do(t, http.MethodGet, "/api/queue/stats", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("stats without token = %d, want 401", rec.Code)
	}
	rec, resp := s.do(t, http.MethodGet, "/api/queue/stats", "u1", nil)
	if rec.Code != http.StatusOK || resp.Code != 0 {
		t.Fatalf("stats = %d %+v", rec.Code, resp)
	}
	var stats []service.QueueStats
	decodeData(t, resp, &stats)
	if len(stats) != 2 || stats[0].Name != service.GenerationQueue {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGenerateAndPublishFlow(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodPut, "/api/settings", "u1", map[string]any{
		"credential_ref": "ig-1",
		"access_token":   "tok-1",
		"connected":      true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save settings = %d", rec.Code)
	}

	rec, resp := s.do(t, http.MethodPost, "/api/videos/generate", "u1", map[string]any{
		"title":            "Surfing cat",
		"prompt":           "a cat surfing",
		"source_image_url": "https://cdn.example.com/cat.png",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("generate = %d %+v", rec.Code, resp)
	}
	var generated handler.GenerateResponse
	decodeData(t, resp, &generated)
	if generated.JobID == "" || generated.Video == nil || generated.Video.Width != 1080 {
		t.Fatalf("unexpected generate response: %+v", generated)
	}
	videoID := generated.Video.ID

	deadline := time.Now().Add(5 * time.Second)
	for {
		video, err := s.videos.Get(context.Background(), videoID)
		if err != nil {
			t.Fatalf("get video: %v", err)
		}
		if video.Status == model.VideoStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("video stuck in %s", video.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec, resp = s.do(t, http.MethodGet, "/api/queue/job/"+generated.JobID+"?queueType=generation", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("job status = %d", rec.Code)
	}
	var job model.Job
	decodeData(t, resp, &job)
	if job.JobID != generated.JobID {
		t.Fatalf("job id = %q", job.JobID)
	}

	// 其他用户看不到这个视频
	if rec, _ := s.do(t, http.MethodPost, "/api/videos/"+videoID+"/publish", "u2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("publish by another user = %d, want 404", rec.Code)
	}
	rec, resp = s.do(t, http.MethodPost, "/api/videos/"+videoID+"/publish", "u1", map[string]any{"caption": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("publish = %d %+v", rec.Code, resp)
	}
}

func TestQueueErrors(t *testing.T) {
	s := newTestServer(t)

	if rec, _ := s.do(t, http.MethodGet, "/api/queue/job/abc?queueType=tiktok", "u1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown queue = %d, want 400", rec.Code)
	}
	if rec, _ := s.do(t, http.MethodGet, "/api/queue/job/abc?queueType=publish", "u1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing job = %d, want 404", rec.Code)
	}
	if rec, _ := s.do(t, http.MethodDelete, "/api/queue/job/abc", "u1", nil); rec.Code != http.StatusConflict {
		t.Fatalf("cancel missing job = %d, want 409", rec.Code)
	}
	if rec, _ := s.do(t, http.MethodPost, "/api/queue/clean", "u1", nil); rec.Code != http.StatusOK {
		t.Fatalf("clean = %d", rec.Code)
	}
	rec, _ := s.do(t, http.MethodPost, "/api/videos/generate", "u1", map[string]any{
		"prompt":           "a cat",
		"source_image_url": "not-a-url",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("generate with bad url = %d, want 400", rec.Code)
	}
}
