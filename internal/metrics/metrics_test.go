package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotent(t *testing.T) {
	r := prometheus.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(r); err != nil {
		t.Fatalf("second register must be a no-op: %v", err)
	}
}

func TestHelpersAfterRegister(t *testing.T) {
	_ = Register(prometheus.NewRegistry())
	// Helpers must not panic with arbitrary labels.
	IncStart("alpha")
	IncStop("alpha")
	IncCrash("alpha")
	IncRestart("alpha")
	IncCommand("alpha")
	SetCurrentState("alpha", "running", true)
	SetCurrentState("alpha", "stopped", false)
	SetResourceUsage("alpha", 12.5, 256.0)
}
