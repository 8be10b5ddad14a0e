package tracing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestStdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup("stdout", "missionline-test", &buf)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := StartSpan(context.Background(), "dispatch.tick", attribute.Int("dispatched", 2))
	End(span, errors.New("boom"))
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"dispatch.tick", "missionline-test", "boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("span output missing %q:\n%s", want, out)
		}
	}
}

func TestSetupNoneAndUnknown(t *testing.T) {
	shutdown, err := Setup("", "svc", nil)
	if err != nil {
		t.Fatalf("setup none: %v", err)
	}
	_, span := StartSpan(context.Background(), "noop")
	End(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Setup("jaeger", "svc", nil); err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}
