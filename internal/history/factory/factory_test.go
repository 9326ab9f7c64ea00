package factory

import "testing"

func TestNewSinkFromDSN_Errors(t *testing.T) {
	if _, err := NewSinkFromDSN(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
	if _, err := NewSinkFromDSN("mysql://localhost/db"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
