package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

func TestCommandRoundTrip(t *testing.T) {
	s := testStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cmd := &fleet.Command{ID: "c1", MachineID: "m1", Command: "uptime", Status: fleet.RunPending, RequestedBy: "u1", CreatedAt: now}
	if err := s.SaveCommand(cmd); err != nil {
		t.Fatalf("SaveCommand: %v", err)
	}
	got, err := s.GetCommand("m1", "c1")
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if got.Command != "uptime" || got.Status != fleet.RunPending {
		t.Errorf("got %+v", got)
	}
}

func TestListCommandsNewestFirst(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		cmd := &fleet.Command{ID: fmt.Sprintf("c%d", i), MachineID: "m1", Command: "true", Status: fleet.RunSuccess, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.SaveCommand(cmd); err != nil {
			t.Fatal(err)
		}
	}

	cmds, err := s.ListCommands("m1", 2)
	if err != nil {
		t.Fatalf("ListCommands: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("got %d commands, want 2", len(cmds))
	}
	if cmds[0].ID != "c3" || cmds[1].ID != "c2" {
		t.Errorf("order = [%s %s], want [c3 c2]", cmds[0].ID, cmds[1].ID)
	}
}

func TestUpdateCommandRejectsRegression(t *testing.T) {
	s := testStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cmd := &fleet.Command{ID: "c1", MachineID: "m1", Command: "true", Status: fleet.RunSuccess, CreatedAt: now}
	if err := s.SaveCommand(cmd); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateCommand("m1", "c1", func(c *fleet.Command) error {
		c.Status = fleet.RunRunning
		return nil
	})
	if err == nil {
		t.Fatal("regression from success to running was accepted")
	}

	got, err := s.GetCommand("m1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != fleet.RunSuccess {
		t.Errorf("status = %s, want success untouched", got.Status)
	}
}

func TestAppendCommandOutputDropsAfterCompletion(t *testing.T) {
	s := testStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cmd := &fleet.Command{ID: "c1", MachineID: "m1", Command: "ping", Status: fleet.RunRunning, CreatedAt: now}
	if err := s.SaveCommand(cmd); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendCommandOutput("m1", "c1", "PING 127.0.0.1\n"); err != nil {
		t.Fatalf("AppendCommandOutput: %v", err)
	}

	if err := s.UpdateCommand("m1", "c1", func(c *fleet.Command) error {
		c.Status = fleet.RunAborted
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	// The agent may flush one last chunk after the abort; it must not land.
	if err := s.AppendCommandOutput("m1", "c1", "64 bytes from 127.0.0.1\n"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCommand("m1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Output != "PING 127.0.0.1\n" {
		t.Errorf("output = %q, late chunk must be dropped", got.Output)
	}
}

func TestGetCommandMissing(t *testing.T) {
	s := testStore(t)

	if _, err := s.GetCommand("m1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
