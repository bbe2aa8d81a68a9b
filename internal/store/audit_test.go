package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

func TestAuditListNewestFirst(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		entry := &fleet.AuditEntry{
			ID:        fmt.Sprintf("a%d", i),
			Action:    "command_executed",
			MachineID: "m1",
			Severity:  fleet.AuditInfo,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendAudit(entry); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	entries, err := s.ListAudit(3, "", "")
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].ID != "a4" || entries[2].ID != "a2" {
		t.Errorf("order = [%s .. %s], want newest first", entries[0].ID, entries[2].ID)
	}
}

func TestAuditFilters(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := []*fleet.AuditEntry{
		{ID: "a1", Action: "login_success", MachineID: "", Severity: fleet.AuditInfo, CreatedAt: base},
		{ID: "a2", Action: "command_executed", MachineID: "m1", Severity: fleet.AuditInfo, CreatedAt: base.Add(time.Minute)},
		{ID: "a3", Action: "command_executed", MachineID: "m2", Severity: fleet.AuditInfo, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range rows {
		if err := s.AppendAudit(r); err != nil {
			t.Fatal(err)
		}
	}

	byAction, err := s.ListAudit(0, "command_executed", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(byAction) != 2 {
		t.Errorf("action filter got %d, want 2", len(byAction))
	}

	byMachine, err := s.ListAudit(0, "", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byMachine) != 1 || byMachine[0].ID != "a2" {
		t.Errorf("machine filter got %+v", byMachine)
	}
}

func TestPruneAudit(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		entry := &fleet.AuditEntry{ID: fmt.Sprintf("a%d", i), Action: "x", Severity: fleet.AuditInfo, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := s.AppendAudit(entry); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneAudit(base.Add(90 * time.Minute))
	if err != nil {
		t.Fatalf("PruneAudit: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	left, err := s.ListAudit(0, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 {
		t.Errorf("got %d entries after prune, want 2", len(left))
	}
}
