package engine

import (
	"testing"

	"github.com/exospherehost/state-manager/internal/model"
)

func fanInState() *model.State {
	return &model.State{
		ID:         "s1",
		RunID:      "run-1",
		Namespace:  "acme",
		GraphName:  "diamond",
		NodeName:   "Join",
		Identifier: "join",
		Attempt:    1,
		Parents: model.Parents{
			{Identifier: "a", StateID: "sa"},
			{Identifier: "b", StateID: "sb"},
		},
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(fanInState())
	b := Fingerprint(fanInState())
	if a != b {
		t.Fatalf("same identity produced %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length %d, want 64 hex chars", len(a))
	}
}

func TestFingerprintIgnoresParentOrder(t *testing.T) {
	s := fanInState()
	reordered := fanInState()
	reordered.Parents = model.Parents{
		{Identifier: "b", StateID: "sb"},
		{Identifier: "a", StateID: "sa"},
	}
	if Fingerprint(s) != Fingerprint(reordered) {
		t.Fatal("parent order changed the fingerprint")
	}
}

func TestFingerprintIgnoresVolatileFields(t *testing.T) {
	s := fanInState()
	other := fanInState()
	other.ID = "different-doc-id"
	other.Status = model.StatusQueued
	other.Inputs = map[string]string{"x": "y"}
	other.EligibleAt = 99
	if Fingerprint(s) != Fingerprint(other) {
		t.Fatal("non-identity fields changed the fingerprint")
	}
}

func TestFingerprintVariesByIdentity(t *testing.T) {
	base := Fingerprint(fanInState())

	byRun := fanInState()
	byRun.RunID = "run-2"
	if Fingerprint(byRun) == base {
		t.Fatal("different run collided")
	}

	byAttempt := fanInState()
	byAttempt.Attempt = 2
	if Fingerprint(byAttempt) == base {
		t.Fatal("retry attempt collided with its predecessor")
	}

	byParent := fanInState()
	byParent.Parents = model.Parents{
		{Identifier: "a", StateID: "sa-other"},
		{Identifier: "b", StateID: "sb"},
	}
	if Fingerprint(byParent) == base {
		t.Fatal("different ancestor state collided")
	}
}
