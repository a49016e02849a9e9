package serverless_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/readwell/chorus/internal/queue"
	"github.com/readwell/chorus/internal/serverless"
)

func TestSubmitPostsJobPayload(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/synthesize" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sekrit" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"submission_id": "sub-1"})
	}))
	defer srv.Close()

	c, err := serverless.New(srv.URL, serverless.WithAPIKey("sekrit"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, err := c.Submit(t.Context(), &queue.Job{
		JobID:   "j1",
		ModelID: "kokoro",
		VoiceID: "af_bella",
		Text:    "hello world",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "sub-1" {
		t.Fatalf("submission id = %q", id)
	}
	if got["job_id"] != "j1" || got["text"] != "hello world" || got["voice_id"] != "af_bella" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestSubmitRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "capacity exhausted", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := serverless.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Submit(t.Context(), &queue.Job{JobID: "j1"}); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestPollPendingThenCompleted(t *testing.T) {
	t.Parallel()

	audio := []byte("pcm-bytes")
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/jobs/sub-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		calls++
		if calls == 1 {
			json.NewEncoder(w).Encode(map[string]any{"status": "pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "completed",
			"audio":       base64.StdEncoding.EncodeToString(audio),
			"duration_ms": 420,
		})
	}))
	defer srv.Close()

	c, err := serverless.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := c.Poll(t.Context(), "sub-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Done() {
		t.Fatalf("pending result reported done: %+v", res)
	}

	res, err = c.Poll(t.Context(), "sub-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !res.Done() || res.Status != serverless.StatusCompleted {
		t.Fatalf("expected completed, got %+v", res)
	}
	if string(res.Audio) != string(audio) || res.DurationMS != 420 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPollFailed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "failed", "error": "gpu oom"})
	}))
	defer srv.Close()

	c, err := serverless.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Poll(t.Context(), "sub-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !res.Done() || res.Status != serverless.StatusFailed || res.Error != "gpu oom" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPollNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, err := serverless.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Poll(t.Context(), "gone"); !errors.Is(err, serverless.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPollCompletedWithoutAudioIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "completed"})
	}))
	defer srv.Close()

	c, err := serverless.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Poll(t.Context(), "sub-1"); err == nil {
		t.Fatal("expected error for completed submission without audio")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := serverless.New(""); err == nil {
		t.Fatal("expected error for empty baseURL")
	}
}
