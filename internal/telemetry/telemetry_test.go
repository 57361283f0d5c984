package telemetry

import (
	"context"
	"testing"
)

func TestSetupNoopWhenDisabled(t *testing.T) {
	tests := map[string]Config{
		"no endpoint":       {Enabled: true},
		"explicitly off":    {Enabled: false, Endpoint: "http://localhost:4318"},
		"zero value config": {},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), cfg)
			if err != nil {
				t.Fatalf("Setup: %v", err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if err := shutdown(ctx); err != nil {
				t.Fatalf("noop shutdown should not error: %v", err)
			}
		})
	}
}

func TestSetupWithEndpointShutsDownCleanly(t *testing.T) {
	// Non-routable address: nothing is exported before shutdown.
	shutdown, err := Setup(context.Background(), Config{Enabled: true, Endpoint: "http://192.0.2.1:4318", ServiceName: "questline-test"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
