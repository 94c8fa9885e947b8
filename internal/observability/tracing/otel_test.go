package tracing

import (
	"context"
	"strings"
	"testing"
)

func TestInitWithoutEndpoint(t *testing.T) {
	cfg := DefaultConfig("dosage-test")
	cfg.OTLPEndpoint = ""

	p, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		got := Sampler(tt.rate).Description()
		if !strings.Contains(got, tt.want) {
			t.Errorf("Sampler(%v) = %s, want it to mention %s", tt.rate, got, tt.want)
		}
	}
}
