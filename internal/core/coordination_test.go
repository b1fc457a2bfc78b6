package core

import "testing"

func TestCoordinationTaskValidateAcyclic(t *testing.T) {
	c := CoordinationTask{
		TaskID: "c1",
		Deps: map[string][]string{
			"verify":         {"refactor"},
			"refactor":       {"generate_tests"},
			"generate_tests": {"analyze"},
			"analyze":        {},
		},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() on acyclic graph returned error: %v", err)
	}
}

func TestCoordinationTaskValidateRejectsCycle(t *testing.T) {
	c := CoordinationTask{
		TaskID: "c1",
		Deps: map[string][]string{
			"a": {"b"},
			"b": {"c"},
			"c": {"a"},
		},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("Validate() on cyclic graph expected an error, got nil")
	}
}

func TestCoordinationTaskValidateEmptyDeps(t *testing.T) {
	c := CoordinationTask{TaskID: "c1"}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() on empty deps returned error: %v", err)
	}
}

func TestCoordinationTaskValidateSelfLoop(t *testing.T) {
	c := CoordinationTask{
		TaskID: "c1",
		Deps: map[string][]string{
			"a": {"a"},
		},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("Validate() on self-loop expected an error, got nil")
	}
}
