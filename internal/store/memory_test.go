package store

import (
	"context"
	"testing"
	"time"

	"github.com/valifi/fortify/pkg/types"
)

func TestMemoryCertificationRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	cert, err := m.GetCertification(ctx, "trader")
	if err != nil || cert != nil {
		t.Fatalf("empty store: got cert=%+v err=%v", cert, err)
	}

	put := &types.Certification{
		ID:        "cert-1",
		AgentType: "trader",
		Level:     types.LevelGold,
		Score:     92,
	}
	if err := m.PutCertification(ctx, put); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := m.GetCertification(ctx, "trader")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "cert-1" || got.Level != types.LevelGold {
		t.Errorf("get: got %+v", got)
	}

	// The store hands out copies; mutating the result must not leak back.
	got.Level = types.LevelBronze
	again, _ := m.GetCertification(ctx, "trader")
	if again.Level != types.LevelGold {
		t.Error("stored certification was mutated through a returned copy")
	}
}

func TestMemoryPutOverwrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.PutCertification(ctx, &types.Certification{ID: "old", AgentType: "trader", Level: types.LevelPlatinum})
	m.PutCertification(ctx, &types.Certification{ID: "new", AgentType: "trader", Level: types.LevelSilver})

	got, _ := m.GetCertification(ctx, "trader")
	if got.ID != "new" {
		t.Errorf("expected overwrite, got %s", got.ID)
	}
}

func TestMemoryDeleteCertification(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.PutCertification(ctx, &types.Certification{ID: "c", AgentType: "trader"})
	if err := m.DeleteCertification(ctx, "trader"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := m.GetCertification(ctx, "trader")
	if got != nil {
		t.Error("certification should be gone after delete")
	}
}

func TestMemoryListReports(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		m.SaveReport(ctx, &types.FortificationReport{
			ID:        string(rune('a' + i)),
			AgentType: "trader",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
	}
	m.SaveReport(ctx, &types.FortificationReport{ID: "other", AgentType: "oracle", Timestamp: base})

	reports, err := m.ListReports(ctx, "trader", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("limit: got %d reports", len(reports))
	}
	// Newest first.
	if reports[0].ID != "e" || reports[1].ID != "d" || reports[2].ID != "c" {
		t.Errorf("ordering: got %s %s %s", reports[0].ID, reports[1].ID, reports[2].ID)
	}

	none, err := m.ListReports(ctx, "nobody", 10)
	if err != nil || len(none) != 0 {
		t.Errorf("unknown agent type: got %d reports, err=%v", len(none), err)
	}
}
