package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"reelflow/app/logger"
	"reelflow/app/model"
	"reelflow/app/provider"
	"reelflow/app/provider/runway"
	"reelflow/app/queue"
	"reelflow/app/store"
)

func newGenerationHandler(t *testing.T, gen *fakeGenerator, maxPolls int) (*GenerationHandler, *store.VideoStore) {
	t.Helper()
	videos := store.NewVideoStore(openTestDB(t))
	h := NewGenerationHandler(videos, gen, GenerationConfig{
		PollInterval:    time.Millisecond,
		MaxPollAttempts: maxPolls,
	}, logger.NewNop())
	return h, videos
}

func TestGenerateCompletesAfterPolling(t *testing.T) {
	gen := &fakeGenerator{
		statusFn: func(taskID string, poll int) (*runway.Task, error) {
			if poll < 3 {
				return &runway.Task{ID: taskID, Status: runway.StatusRunning}, nil
			}
			return succeededTask(taskID), nil
		},
	}
	h, videos := newGenerationHandler(t, gen, 5)
	createVideo(t, videos, "v1", model.VideoStatusPending, "")

	result, err := h.Generate(context.Background(), genPayload("v1"))
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if result.VideoURL != "https://cdn.example.com/task-0.mp4" || result.TaskID != "task-0" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gen.submitCount() != 1 || gen.pollCount("task-0") != 3 {
		t.Fatalf("submits=%d polls=%d, want 1 and 3", gen.submitCount(), gen.pollCount("task-0"))
	}

	video := mustGetVideo(t, videos, "v1")
	if video.Status != model.VideoStatusCompleted || video.VideoURL != result.VideoURL || video.GeneratedAt == nil {
		t.Fatalf("video not completed: %+v", video)
	}
	if got := gen.submits[0]; got.PromptImage != "https://cdn.example.com/cat.png" || got.PromptText != "a cat surfing" {
		t.Fatalf("unexpected provider request: %+v", got)
	}
}

func TestGenerateTimesOut(t *testing.T) {
	gen := &fakeGenerator{
		statusFn: func(taskID string, poll int) (*runway.Task, error) {
			return &runway.Task{ID: taskID, Status: runway.StatusPending}, nil
		},
	}
	h, videos := newGenerationHandler(t, gen, 4)
	createVideo(t, videos, "v1", model.VideoStatusPending, "")

	_, err := h.Generate(context.Background(), genPayload("v1"))
	if !errors.Is(err, ErrProcessingTimeout) || !errors.Is(err, ErrTransientProvider) {
		t.Fatalf("Generate = %v, want processing timeout", err)
	}
	if gen.pollCount("task-0") != 4 {
		t.Fatalf("polls = %d, want 4", gen.pollCount("task-0"))
	}

	video := mustGetVideo(t, videos, "v1")
	if video.Status != model.VideoStatusFailed || !strings.Contains(video.LastError, "processing timeout") {
		t.Fatalf("video = %s %q, want FAILED with timeout reason", video.Status, video.LastError)
	}
}

func TestGenerateProviderFailureIsTerminalButRetryable(t *testing.T) {
	gen := &fakeGenerator{
		statusFn: func(taskID string, poll int) (*runway.Task, error) {
			return &runway.Task{ID: taskID, Status: runway.StatusFailed, Failure: "content moderation"}, nil
		},
	}
	h, videos := newGenerationHandler(t, gen, 5)
	createVideo(t, videos, "v1", model.VideoStatusPending, "")

	_, err := h.Generate(context.Background(), genPayload("v1"))
	if KindOf(err) != KindTerminalProvider {
		t.Fatalf("kind = %s, want terminal provider", KindOf(err))
	}
	if queue.IsPermanent(err) {
		t.Fatalf("terminal provider errors still follow the retry budget")
	}
	video := mustGetVideo(t, videos, "v1")
	if video.Status != model.VideoStatusFailed || !strings.Contains(video.LastError, "content moderation") {
		t.Fatalf("video = %s %q", video.Status, video.LastError)
	}
}

func TestGenerateMissingVideoIsPermanent(t *testing.T) {
	gen := &fakeGenerator{}
	h, _ := newGenerationHandler(t, gen, 5)

	_, err := h.Generate(context.Background(), genPayload("missing"))
	if !errors.Is(err, ErrDataIntegrity) || !queue.IsPermanent(err) {
		t.Fatalf("Generate = %v, want permanent data integrity error", err)
	}
	if gen.submitCount() != 0 {
		t.Fatalf("provider called for a missing video")
	}
}

func TestGenerateSkipsFinishedVideos(t *testing.T) {
	gen := &fakeGenerator{}
	h, videos := newGenerationHandler(t, gen, 5)
	createVideo(t, videos, "done", model.VideoStatusCompleted, "https://cdn.example.com/done.mp4")
	createVideo(t, videos, "posted", model.VideoStatusPosted, "https://cdn.example.com/posted.mp4")

	result, err := h.Generate(context.Background(), genPayload("done"))
	if err != nil || !result.Reused || result.VideoURL != "https://cdn.example.com/done.mp4" {
		t.Fatalf("Generate(done) = %+v, %v", result, err)
	}
	result, err = h.Generate(context.Background(), genPayload("posted"))
	if err != nil || result.VideoStatus != model.VideoStatusPosted {
		t.Fatalf("Generate(posted) = %+v, %v", result, err)
	}
	if gen.submitCount() != 0 {
		t.Fatalf("provider called for finished videos")
	}
}

func TestGenerateVariationsSkipFailures(t *testing.T) {
	gen := &fakeGenerator{
		submitFn: func(n int, req runway.GenerateRequest) (string, error) {
			if n == 1 {
				return "", &provider.StatusError{Service: "runway", StatusCode: http.StatusBadRequest, Message: "bad seed"}
			}
			return "task-" + string(rune('a'+n)), nil
		},
	}
	h, videos := newGenerationHandler(t, gen, 5)
	createVideo(t, videos, "v1", model.VideoStatusPending, "")

	seed := 10
	p := genPayload("v1")
	p.Seed = &seed
	p.VariationCount = 3
	p.ViralOptimization = true
	p.ContentType = "educational"

	result, err := h.Generate(context.Background(), p)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if result.VideoURL != "https://cdn.example.com/task-a.mp4" {
		t.Fatalf("primary url = %q", result.VideoURL)
	}
	if len(result.Variations) != 1 || result.Variations[0] != "https://cdn.example.com/task-c.mp4" {
		t.Fatalf("variations = %v", result.Variations)
	}

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.submits) != 3 {
		t.Fatalf("submits = %d, want 3", len(gen.submits))
	}
	for i, want := range []int{10, 11, 12} {
		if gen.submits[i].Seed == nil || *gen.submits[i].Seed != want {
			t.Fatalf("submit %d seed = %v, want %d", i, gen.submits[i].Seed, want)
		}
	}
	if !strings.HasSuffix(gen.submits[0].PromptText, "quick tip, life hack, tutorial, cinematic lighting, high production value") {
		t.Fatalf("prompt not optimized: %q", gen.submits[0].PromptText)
	}
}

func TestOptimizePrompt(t *testing.T) {
	if got := OptimizePrompt("a cat", "Lifestyle"); got != "a cat, trending, aesthetic, inspiring, cinematic lighting, high production value" {
		t.Fatalf("OptimizePrompt(lifestyle) = %q", got)
	}
	if got := OptimizePrompt("a cat", "news"); got != "a cat, cinematic lighting, high production value" {
		t.Fatalf("OptimizePrompt(news) = %q", got)
	}
}

func TestVariationSeedsAreDistinct(t *testing.T) {
	calls := 0
	seeds := variationSeeds(nil, 3, func(n int) int {
		calls++
		return []int{7, 7, 8, 9}[calls-1]
	})
	if len(seeds) != 3 || seeds[0] != 7 || seeds[1] != 8 || seeds[2] != 9 {
		t.Fatalf("seeds = %v", seeds)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{&provider.StatusError{StatusCode: http.StatusServiceUnavailable}, KindTransientProvider},
		{&provider.StatusError{StatusCode: http.StatusTooManyRequests}, KindTransientProvider},
		{&provider.StatusError{StatusCode: http.StatusUnauthorized}, KindTerminalProvider},
		{store.ErrVideoNotFound, KindDataIntegrity},
		{store.ErrCredentialNotFound, KindDataIntegrity},
		{queue.ErrStorageUnavailable, KindStorageUnavailable},
		{context.DeadlineExceeded, KindTransientProvider},
		{errors.New("connection reset"), KindTransientProvider},
	}
	for _, c := range cases {
		if got := KindOf(Classify("op", c.err)); got != c.want {
			t.Fatalf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
	if Classify("op", nil) != nil {
		t.Fatalf("Classify(nil) should be nil")
	}
}
