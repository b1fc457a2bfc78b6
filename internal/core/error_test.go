package core

import (
	"testing"
	"time"
)

func TestErrorIncidentOpenAndClose(t *testing.T) {
	inc := ErrorIncident{IncidentID: "inc-1", StartedAt: time.Now()}
	if !inc.Open() {
		t.Fatalf("expected new incident to be open")
	}

	closedAt := inc.StartedAt.Add(time.Minute)
	inc.Close(closedAt, "breaker closed after cooldown")

	if inc.Open() {
		t.Fatalf("expected incident to be closed")
	}
	if inc.Resolution == "" {
		t.Fatalf("expected resolution to be set")
	}
	if !inc.EndedAt.Equal(closedAt) {
		t.Fatalf("expected EndedAt %v, got %v", closedAt, inc.EndedAt)
	}
}
