package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"reelflow/app/config"
	"reelflow/app/database"
	"reelflow/app/logger"
	"reelflow/app/model"
	"reelflow/app/provider/instagram"
	"reelflow/app/provider/runway"
	"reelflow/app/store"

	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file:" + name + "?mode=memory&cache=shared",
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func createVideo(t *testing.T, videos *store.VideoStore, id string, status model.VideoStatus, url string) {
	t.Helper()
	err := videos.Create(context.Background(), &model.Video{
		ID:       id,
		UserID:   "u1",
		Prompt:   "a cat surfing",
		Status:   status,
		VideoURL: url,
	})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
}

func mustGetVideo(t *testing.T, videos *store.VideoStore, id string) *model.Video {
	t.Helper()
	video, err := videos.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	return video
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() *config.Config {
	queueCfg := config.QueueConfig{
		Concurrency:     2,
		MaxAttempts:     3,
		BackoffStrategy: "exponential",
		BackoffBase:     10 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		LeaseTimeout:    time.Minute,
		ShutdownTimeout: 2 * time.Second,
		KeepCompleted:   100,
		KeepFailed:      50,
	}
	publishCfg := queueCfg
	publishCfg.Concurrency = 1
	publishCfg.MaxAttempts = 2
	publishCfg.Priority = 2
	queueCfg.Priority = 1

	return &config.Config{
		Queue: config.QueuesConfig{Generation: queueCfg, Publish: publishCfg},
		Runway: config.RunwayConfig{
			PollInterval:    5 * time.Millisecond,
			MaxPollAttempts: 5,
		},
		Instagram: config.InstagramConfig{
			PollInterval:    5 * time.Millisecond,
			MaxPollAttempts: 5,
		},
		Retention: config.RetentionConfig{MaxAge: 24 * time.Hour},
	}
}

func genPayload(videoID string) *model.GenerationPayload {
	return &model.GenerationPayload{
		VideoID:        videoID,
		UserID:         "u1",
		Prompt:         "a cat surfing",
		SourceImageURL: "https://cdn.example.com/cat.png",
	}
}

// fakeGenerator 默认第一次查询即成功，输出地址为 https://cdn.example.com/<task>.mp4
type fakeGenerator struct {
	mu       sync.Mutex
	submitFn func(n int, req runway.GenerateRequest) (string, error)
	statusFn func(taskID string, poll int) (*runway.Task, error)
	submits  []runway.GenerateRequest
	polls    map[string]int
}

func (f *fakeGenerator) Submit(ctx context.Context, req runway.GenerateRequest) (string, error) {
	f.mu.Lock()
	n := len(f.submits)
	f.submits = append(f.submits, req)
	fn := f.submitFn
	f.mu.Unlock()

	if fn != nil {
		return fn(n, req)
	}
	return fmt.Sprintf("task-%d", n), nil
}

func (f *fakeGenerator) Status(ctx context.Context, taskID string) (*runway.Task, error) {
	f.mu.Lock()
	if f.polls == nil {
		f.polls = make(map[string]int)
	}
	f.polls[taskID]++
	poll := f.polls[taskID]
	fn := f.statusFn
	f.mu.Unlock()

	if fn != nil {
		return fn(taskID, poll)
	}
	return succeededTask(taskID), nil
}

func (f *fakeGenerator) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeGenerator) pollCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[taskID]
}

func succeededTask(taskID string) *runway.Task {
	return &runway.Task{
		ID:     taskID,
		Status: runway.StatusSucceeded,
		Output: []string{"https://cdn.example.com/" + taskID + ".mp4"},
	}
}

type fakePlatform struct {
	mu        sync.Mutex
	createErr error
	statusFn  func(poll int) (instagram.ContainerStatus, error)
	captions  []string
	polls     int
	published int
}

func (f *fakePlatform) CreateMedia(ctx context.Context, accessToken, videoURL, caption string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.captions = append(f.captions, caption)
	return fmt.Sprintf("container-%d", len(f.captions)), nil
}

func (f *fakePlatform) ProcessingStatus(ctx context.Context, accessToken, containerID string) (instagram.ContainerStatus, error) {
	f.mu.Lock()
	f.polls++
	poll := f.polls
	fn := f.statusFn
	f.mu.Unlock()

	if fn != nil {
		return fn(poll)
	}
	return instagram.StatusFinished, nil
}

func (f *fakePlatform) Publish(ctx context.Context, accessToken, containerID string) (*instagram.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
	return &instagram.PublishResult{
		ID:        "media-" + containerID,
		Permalink: "https://www.instagram.com/reel/" + containerID + "/",
	}, nil
}

func (f *fakePlatform) snapshot() (captions []string, polls, published int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.captions...), f.polls, f.published
}
