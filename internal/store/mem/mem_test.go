package mem

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/internal/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Storage { return New() }, storetest.Options{Vectors: true})
}

func TestSavedValuesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := store.NewProcess("a", "t")
	p.Metadata["k"] = "v"
	if err := s.SaveProcess(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.Metadata["k"] = "mutated"

	got, _ := s.LoadProcess(ctx, p.ID)
	if got.Metadata["k"] != "v" {
		t.Error("stored process aliases the caller's map")
	}
	got.Metadata["k"] = "again"
	again, _ := s.LoadProcess(ctx, p.ID)
	if again.Metadata["k"] != "v" {
		t.Error("loaded process aliases stored state")
	}
}

func TestAuditEntriesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	meta := map[string]string{"tool": "search"}
	if _, err := s.LogAction(ctx, store.AuditEntry{OwnerID: "p1", ActionType: "step", Metadata: meta}); err != nil {
		t.Fatal(err)
	}
	meta["tool"] = "mutated"

	trail, _ := s.GetAuditTrail(ctx, "p1", 0)
	if len(trail) != 1 || trail[0].Metadata["tool"] != "search" {
		t.Fatalf("stored entry aliases the caller's map: %+v", trail)
	}
	trail[0].Metadata["tool"] = "again"

	replay, _ := s.ReplayActions(ctx, "p1", "")
	if len(replay) != 1 || replay[0].Metadata["tool"] != "search" {
		t.Fatalf("audit trail aliases stored state: %+v", replay)
	}
	replay[0].Metadata["tool"] = "third"
	if trail, _ := s.GetAuditTrail(ctx, "p1", 0); trail[0].Metadata["tool"] != "search" {
		t.Error("replayed entry aliases stored state")
	}
}
