package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Dispatcher.MaxQueueDepth != 500 || cfg.Dispatcher.MaxInflight != 20 {
		t.Fatalf("unexpected dispatcher defaults: %+v", cfg.Dispatcher)
	}
	if cfg.Dispatcher.RateLimit.Policy != RatePolicySkipSource {
		t.Fatalf("unexpected rate policy %q", cfg.Dispatcher.RateLimit.Policy)
	}
	if cfg.Chain.StrictTemplates {
		t.Fatalf("strict templates should be off by default")
	}
	if cfg.Bridge.Kind != "file" || cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected bridge/server defaults: %+v %+v", cfg.Bridge, cfg.Server)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
dispatcher:
  max_queue_depth: 10
  rate_limit:
    policy: stop_pass
retry:
  max_attempts: 5
webhooks:
  - url: http://127.0.0.1:9/hook
    events: ["job.*"]
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Dispatcher.MaxQueueDepth != 10 {
		t.Fatalf("override lost: %d", cfg.Dispatcher.MaxQueueDepth)
	}
	if cfg.Dispatcher.MaxInflight != 20 {
		t.Fatalf("default lost: %d", cfg.Dispatcher.MaxInflight)
	}
	if cfg.Dispatcher.RateLimit.PerSourcePerMinute != 120 || cfg.Dispatcher.RateLimit.Policy != RatePolicyStopPass {
		t.Fatalf("unexpected rate limit: %+v", cfg.Dispatcher.RateLimit)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelayMS != 500 {
		t.Fatalf("unexpected retry: %+v", cfg.Retry)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[0] != "job.*" {
		t.Fatalf("unexpected webhooks: %+v", cfg.Webhooks)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]string{
		"queue depth":   "dispatcher:\n  max_queue_depth: 0\n",
		"rate policy":   "dispatcher:\n  rate_limit:\n    policy: drop_all\n",
		"negative rate": "dispatcher:\n  rate_limit:\n    per_source_per_minute: -1\n",
		"bridge kind":   "bridge:\n  kind: s3\n",
		"redis addr":    "bridge:\n  kind: redis\n",
		"batch limit":   "chain:\n  batch_limit: 0\n",
		"exporter":      "tracing:\n  exporter: jaeger\n",
		"webhook url":   "webhooks:\n  - events: [\"*\"]\n",
		"bad yaml":      "dispatcher: [\n",
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(yml)); err == nil {
				t.Fatalf("expected error for %q", yml)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "ml init") {
		t.Fatalf("expected missing config hint, got %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Dispatcher.MaxQueueDepth != 500 {
		t.Fatalf("expected defaults, got %+v", cfg.Dispatcher)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("dispatcher:\n  max_inflight: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatcher.MaxInflight != 3 {
		t.Fatalf("file not applied: %+v", cfg.Dispatcher)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if got := cfg.LeaseDuration(); got != 300*time.Second {
		t.Fatalf("lease %v", got)
	}
	if got := cfg.ClaimLeaseDuration(); got != 90*time.Second {
		t.Fatalf("claim lease %v", got)
	}
	if got := cfg.RetryBaseDelay(); got != 500*time.Millisecond {
		t.Fatalf("retry base %v", got)
	}
	if cfg.Dispatcher.PollInterval != 2*time.Second || cfg.Server.WebhookInterval != 2*time.Second {
		t.Fatalf("unexpected intervals: %v %v", cfg.Dispatcher.PollInterval, cfg.Server.WebhookInterval)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Dispatcher.MaxQueueDepth = 42
	out, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := FromYAML(out)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, out)
	}
	if back.Dispatcher.MaxQueueDepth != 42 {
		t.Fatalf("lost value after round trip")
	}
}
