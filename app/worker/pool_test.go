package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reelflow/app/config"
	"reelflow/app/database"
	"reelflow/app/logger"
	"reelflow/app/model"
	"reelflow/app/queue"
)

func newTestQueue(t *testing.T, maxAttempts int) *queue.Queue {
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

	return queue.New(db, "video-generation", queue.Options{
		MaxAttempts:  maxAttempts,
		Backoff:      queue.Backoff{Strategy: model.BackoffFixed, Base: 10 * time.Millisecond},
		LeaseTimeout: time.Minute,
	}, queue.NewLocalNotifier(), logger.NewNop())
}

func enqueue(t *testing.T, q *queue.Queue, videoID string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), &model.GenerationPayload{
		VideoID:        videoID,
		UserID:         "u1",
		Prompt:         "a cat surfing",
		SourceImageURL: "https://cdn.example.com/cat.png",
	}, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func waitForState(t *testing.T, q *queue.Queue, jobID string, want model.JobState) *model.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.GetJob(context.Background(), jobID)
		if err == nil && job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach state %s", jobID, want)
	return nil
}

func startPool(t *testing.T, q *queue.Queue, h Handler, cfg Config) *Pool {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	p := NewPool(q, h, cfg, logger.NewNop())
	p.Start()
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func TestPoolCompletesJobsWithResult(t *testing.T) {
	q := newTestQueue(t, 3)
	id := enqueue(t, q, "v1")

	startPool(t, q, HandlerFunc(func(ctx context.Context, job *model.Job) (any, error) {
		return map[string]string{"video_url": "https://cdn.example.com/v1.mp4"}, nil
	}), Config{Concurrency: 1})

	job := waitForState(t, q, id, model.JobStateCompleted)
	if !strings.Contains(string(job.Result), "v1.mp4") {
		t.Fatalf("result not stored: %s", job.Result)
	}
}

func TestPoolRetriesThenFails(t *testing.T) {
	q := newTestQueue(t, 2)
	id := enqueue(t, q, "v1")

	var calls atomic.Int32
	startPool(t, q, HandlerFunc(func(ctx context.Context, job *model.Job) (any, error) {
		calls.Add(1)
		return nil, errors.New("provider 503")
	}), Config{Concurrency: 1})

	job := waitForState(t, q, id, model.JobStateFailed)
	if job.Attempts != 2 || calls.Load() != 2 {
		t.Fatalf("attempts=%d calls=%d, want 2", job.Attempts, calls.Load())
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	q := newTestQueue(t, 1)
	id := enqueue(t, q, "v1")

	startPool(t, q, HandlerFunc(func(ctx context.Context, job *model.Job) (any, error) {
		panic("nil map")
	}), Config{Concurrency: 1})

	job := waitForState(t, q, id, model.JobStateFailed)
	if !strings.Contains(job.FailureReason, "panic") {
		t.Fatalf("failure reason = %q", job.FailureReason)
	}
}

func TestPoolRespectsConcurrency(t *testing.T) {
	q := newTestQueue(t, 1)
	var ids []string
	for _, v := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, enqueue(t, q, v))
	}

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	startPool(t, q, HandlerFunc(func(ctx context.Context, job *model.Job) (any, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	}), Config{Concurrency: 2})

	for _, id := range ids {
		waitForState(t, q, id, model.JobStateCompleted)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("peak concurrency %d exceeds 2", peak)
	}
}

func TestPoolStopWaitsForInFlightJob(t *testing.T) {
	q := newTestQueue(t, 3)
	id := enqueue(t, q, "v1")

	started := make(chan struct{})
	p := NewPool(q, HandlerFunc(func(ctx context.Context, job *model.Job) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}), Config{Concurrency: 1, PollInterval: 20 * time.Millisecond, ShutdownTimeout: 5 * time.Second}, logger.NewNop())
	p.Start()
	<-started

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	job, err := q.GetJob(context.Background(), id)
	if err != nil || job.State != model.JobStateCompleted {
		t.Fatalf("in-flight job not completed before stop returned: %+v, %v", job, err)
	}
}

func TestPoolStopTimeoutReleasesJob(t *testing.T) {
	q := newTestQueue(t, 3)
	id := enqueue(t, q, "v1")

	started := make(chan struct{})
	p := NewPool(q, HandlerFunc(func(ctx context.Context, job *model.Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), Config{Concurrency: 1, PollInterval: 20 * time.Millisecond, ShutdownTimeout: 50 * time.Millisecond}, logger.NewNop())
	p.Start()
	<-started

	if err := p.Stop(context.Background()); !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Stop = %v, want ErrShutdownTimeout", err)
	}
	job, err := q.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.State != model.JobStateWaiting || job.Attempts != 0 {
		t.Fatalf("interrupted job state=%s attempts=%d, want waiting/0", job.State, job.Attempts)
	}
}
