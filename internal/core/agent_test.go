package core

import "testing"

func TestAgentRecordCanTransition(t *testing.T) {
	cases := []struct {
		name string
		from AgentState
		to   AgentState
		want bool
	}{
		{"starting to idle", AgentStarting, AgentIdle, true},
		{"idle to busy", AgentIdle, AgentBusy, true},
		{"busy to idle", AgentBusy, AgentIdle, true},
		{"idle to unhealthy", AgentIdle, AgentUnhealthy, true},
		{"busy to unhealthy", AgentBusy, AgentUnhealthy, true},
		{"any to stopped", AgentUnhealthy, AgentStopped, true},
		{"starting to busy is invalid", AgentStarting, AgentBusy, false},
		{"unhealthy to idle is invalid", AgentUnhealthy, AgentIdle, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := AgentRecord{State: c.from}
			if got := r.CanTransition(c.to); got != c.want {
				t.Fatalf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
			}
		})
	}
}

func TestAgentRecordHealthFailureTripsUnhealthyAtThree(t *testing.T) {
	r := &AgentRecord{State: AgentIdle}

	for i := 1; i < unhealthyThreshold; i++ {
		if tripped := r.RecordHealthFailure(); tripped {
			t.Fatalf("unexpected trip on failure %d", i)
		}
		if r.State != AgentIdle {
			t.Fatalf("state changed early on failure %d: %s", i, r.State)
		}
	}

	if tripped := r.RecordHealthFailure(); !tripped {
		t.Fatalf("expected trip on failure %d", unhealthyThreshold)
	}
	if r.State != AgentUnhealthy {
		t.Fatalf("expected state unhealthy, got %s", r.State)
	}
}

func TestAgentRecordHealthSuccessResetsStreak(t *testing.T) {
	r := &AgentRecord{State: AgentIdle, ConsecutiveHealthFailures: 2}
	r.RecordHealthSuccess()
	if r.ConsecutiveHealthFailures != 0 {
		t.Fatalf("expected streak reset to 0, got %d", r.ConsecutiveHealthFailures)
	}
}
