package config

import (
	"strings"
	"testing"
	"time"
)

const fullConfig = `
server:
  listen_addr: ":9090"
  log_level: debug
  audio_url_base: "https://cdn.example.com/audio"
store:
  backend: redis
  redis_addr: "localhost:6379"
  key_prefix: "chorus-test"
queue:
  models: ["kokoro", "orpheus"]
  max_retries: 5
  visibility_timeout: 90s
  overflow_age: 15s
cache:
  max_size_bytes: 1048576
serverless:
  url: "https://burst.example.com"
  api_key: "sekrit"
  max_remote: 80s
archive:
  postgres_dsn: "postgres://localhost/chorus"
worker:
  id: "worker-1"
  models: ["kokoro"]
  concurrency: 4
  backend:
    name: coqui
    base_url: "http://localhost:5002"
  fallback:
    name: elevenlabs
    api_key: "key"
`

func TestLoadFromReaderFullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(fullConfig))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != LogDebug {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Store.Backend != StoreRedis || cfg.Store.RedisAddr != "localhost:6379" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if len(cfg.Queue.Models) != 2 || cfg.Queue.MaxRetries != 5 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Queue.VisibilityTimeout.Std() != 90*time.Second {
		t.Fatalf("visibility_timeout = %v", cfg.Queue.VisibilityTimeout.Std())
	}
	if !cfg.Serverless.Enabled() || cfg.Serverless.MaxRemote.Std() != 80*time.Second {
		t.Fatalf("serverless = %+v", cfg.Serverless)
	}
	if !cfg.Archive.Enabled() {
		t.Fatal("archive should be enabled")
	}
	if cfg.Worker.Concurrency != 4 || cfg.Worker.Backend.Name != "coqui" {
		t.Fatalf("worker = %+v", cfg.Worker)
	}
	if cfg.Worker.Fallback == nil || cfg.Worker.Fallback.Name != "elevenlabs" {
		t.Fatalf("fallback = %+v", cfg.Worker.Fallback)
	}
}

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(`queue: {models: ["kokoro"]}`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.AudioURLBase != "/audio" {
		t.Errorf("audio_url_base = %q", cfg.Server.AudioURLBase)
	}
	if cfg.Store.Backend != StoreMemory || cfg.Store.KeyPrefix != "chorus" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Store.ResultsStreamKey != "chorus:results" {
		t.Errorf("results_stream_key = %q", cfg.Store.ResultsStreamKey)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("max_retries = %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.VisibilityTimeout.Std() != 60*time.Second {
		t.Errorf("visibility_timeout = %v", cfg.Queue.VisibilityTimeout.Std())
	}
	if cfg.Queue.VisibilityInterval.Std() != 15*time.Second {
		t.Errorf("visibility_interval = %v", cfg.Queue.VisibilityInterval.Std())
	}
	if cfg.Cache.MaxSizeBytes != 512<<20 {
		t.Errorf("max_size_bytes = %d", cfg.Cache.MaxSizeBytes)
	}
	if cfg.Serverless.Enabled() {
		t.Error("serverless should be disabled by default")
	}
	if cfg.Worker.Concurrency != 1 {
		t.Errorf("concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.SynthesisTimeout.Std() != 45*time.Second {
		t.Errorf("synthesis_timeout = %v", cfg.Worker.SynthesisTimeout.Std())
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`serverr: {listen_addr: ":1"}`))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReaderRejectsBadDuration(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`queue: {visibility_timeout: "soon"}`))
	if err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad log level",
			yaml: `server: {log_level: loud}`,
			want: "server.log_level",
		},
		{
			name: "redis without addr",
			yaml: `store: {backend: redis}`,
			want: "store.redis_addr",
		},
		{
			name: "bad store backend",
			yaml: `store: {backend: etcd}`,
			want: "store.backend",
		},
		{
			name: "tls missing key",
			yaml: `server: {tls: {cert_file: "/tmp/cert.pem"}}`,
			want: "server.tls",
		},
		{
			name: "serverless outlives visibility timeout",
			yaml: "serverless: {url: \"https://b.example.com\", max_remote: 10m}\nqueue: {visibility_timeout: 60s}",
			want: "serverless.max_remote",
		},
		{
			name: "fallback without name",
			yaml: "worker:\n  backend: {name: mock}\n  fallback: {api_key: k}",
			want: "worker.fallback.name",
		},
		{
			name: "synthesis timeout outlives visibility timeout",
			yaml: "worker: {synthesis_timeout: 2m}\nqueue: {visibility_timeout: 60s}",
			want: "worker.synthesis_timeout",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected validation error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
