package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"reelflow/app/config"
	"reelflow/app/provider"
)

func newTestClient(t *testing.T, handler http.Handler, pollTimeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(config.InstagramConfig{
		BaseURL:     srv.URL,
		Timeout:     5 * time.Second,
		PollTimeout: pollTimeout,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCreateMediaPublishFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me/media", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["media_type"] != "REELS" || body["video_url"] != "https://cdn.example.com/v1.mp4" ||
			body["caption"] != "hello\n\n#reels" || body["access_token"] != "tok" {
			t.Errorf("unexpected create body: %v", body)
		}
		_, _ = w.Write([]byte(`{"id":"container-1"}`))
	})
	mux.HandleFunc("/container-1", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fields") != "status_code" || r.URL.Query().Get("access_token") != "tok" {
			t.Errorf("unexpected status query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"id":"container-1","status_code":"FINISHED"}`))
	})
	mux.HandleFunc("/me/media_publish", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["creation_id"] != "container-1" {
			t.Errorf("unexpected publish body: %v", body)
		}
		_, _ = w.Write([]byte(`{"id":"media-9"}`))
	})
	mux.HandleFunc("/media-9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"media-9","permalink":"https://www.instagram.com/reel/abc/"}`))
	})
	c := newTestClient(t, mux, time.Second)
	ctx := context.Background()

	id, err := c.CreateMedia(ctx, "tok", "https://cdn.example.com/v1.mp4", "hello\n\n#reels")
	if err != nil || id != "container-1" {
		t.Fatalf("CreateMedia = %q, %v", id, err)
	}
	status, err := c.ProcessingStatus(ctx, "tok", id)
	if err != nil || status != StatusFinished {
		t.Fatalf("ProcessingStatus = %q, %v", status, err)
	}
	result, err := c.Publish(ctx, "tok", id)
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if result.ID != "media-9" || result.Permalink != "https://www.instagram.com/reel/abc/" {
		t.Fatalf("unexpected publish result: %+v", result)
	}
}

func TestGraphErrorMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token.","code":190}}`))
	}), time.Second)

	_, err := c.CreateMedia(context.Background(), "bad", "https://cdn.example.com/v1.mp4", "x")
	var statusErr *provider.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Temporary() || statusErr.Message != "Invalid OAuth access token." {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
}

func TestProcessingStatusTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), 50*time.Millisecond)
	defer close(release)

	_, err := c.ProcessingStatus(context.Background(), "tok", "container-1")
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("ProcessingStatus = %v, want ErrPollTimeout", err)
	}
}
