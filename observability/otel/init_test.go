package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken, =nokey,x=1")
	if len(headers) != 2 || headers["api-key"] != "abc" || headers["x"] != "1" {
		t.Fatalf("unexpected headers: %#v", headers)
	}
}

func TestFromEnv(t *testing.T) {
	env := map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT": " collector:4318 ",
		"OTEL_EXPORTER_OTLP_INSECURE": "false",
		"OTEL_TRACES_SAMPLER_ARG":     "0.25",
	}
	cfg := FromEnv(Config{ServiceName: "vouchergate"}, func(key string) string { return env[key] })
	if cfg.Endpoint != "collector:4318" || cfg.Insecure || cfg.SampleRatio != 0.25 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ServiceName != "vouchergate" {
		t.Fatalf("expected service name to be preserved")
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "vouchergate"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing service name to fail")
	}
}
