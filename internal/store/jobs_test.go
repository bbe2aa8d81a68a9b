package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

func testJob(id, createdBy string, at time.Time) *fleet.Job {
	return &fleet.Job{
		ID:        id,
		Command:   "apt-get update",
		Mode:      fleet.JobParallel,
		Target:    fleet.TargetSpec{Mode: fleet.TargetAdhoc, MachineIDs: []string{"m1", "m2"}},
		Strategy:  fleet.Strategy{Concurrency: 5},
		Status:    fleet.RunPending,
		CreatedBy: createdBy,
		CreatedAt: at,
	}
}

func TestJobRoundTrip(t *testing.T) {
	s := testStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := s.SaveJob(testJob("j1", "admin", now)); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	got, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Command != "apt-get update" || got.Mode != fleet.JobParallel {
		t.Errorf("got %+v", got)
	}
}

func TestListJobsNewestFirstAndFiltered(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		j := testJob(fmt.Sprintf("j%d", i), "admin", base.Add(time.Duration(i)*time.Minute))
		if err := s.SaveJob(j); err != nil {
			t.Fatal(err)
		}
	}
	other := testJob("j9", "ops", base.Add(time.Hour))
	if err := s.SaveJob(other); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.ListJobs(0, "")
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 4 {
		t.Fatalf("got %d jobs, want 4", len(jobs))
	}
	if jobs[0].ID != "j9" {
		t.Errorf("jobs[0] = %q, want newest j9", jobs[0].ID)
	}

	mine, err := s.ListJobs(0, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ID != "j9" {
		t.Errorf("filtered jobs = %+v, want just j9", mine)
	}

	limited, err := s.ListJobs(2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d jobs with limit 2", len(limited))
	}
}

func TestUpdateJobTotals(t *testing.T) {
	s := testStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := s.SaveJob(testJob("j1", "admin", now)); err != nil {
		t.Fatal(err)
	}
	updated, err := s.UpdateJob("j1", func(j *fleet.Job) error {
		j.Status = fleet.RunRunning
		j.Totals.Total = 2
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.Status != fleet.RunRunning || updated.Totals.Total != 2 {
		t.Errorf("got %+v after update", updated)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := testStore(t)

	execs := []*fleet.Execution{
		{JobID: "j1", MachineID: "m1", Hostname: "web-01", Status: fleet.RunPending},
		{JobID: "j1", MachineID: "m2", Hostname: "web-02", Status: fleet.RunPending},
	}
	if err := s.SaveExecutions(execs); err != nil {
		t.Fatalf("SaveExecutions: %v", err)
	}

	if _, err := s.UpdateExecution("j1", "m1", func(e *fleet.Execution) error {
		e.Status = fleet.RunRunning
		return nil
	}); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}

	code := 0
	done, err := s.UpdateExecution("j1", "m1", func(e *fleet.Execution) error {
		e.Status = fleet.RunSuccess
		e.ExitCode = &code
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != fleet.RunSuccess || done.ExitCode == nil {
		t.Errorf("got %+v", done)
	}

	all, err := s.ListExecutions("j1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d executions, want 2", len(all))
	}
}

func TestExecutionStatusMonotonic(t *testing.T) {
	s := testStore(t)

	if err := s.SaveExecutions([]*fleet.Execution{{JobID: "j1", MachineID: "m1", Status: fleet.RunPending}}); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		to      fleet.RunStatus
		wantErr bool
	}{
		{fleet.RunRunning, false},
		{fleet.RunPending, true}, // running cannot go back to pending
		{fleet.RunFailed, false},
		{fleet.RunRunning, true}, // terminal is final
		{fleet.RunSuccess, true}, // even into another terminal state
		{fleet.RunFailed, false}, // same status is a no-op, not a regression
	}
	for i, step := range steps {
		_, err := s.UpdateExecution("j1", "m1", func(e *fleet.Execution) error {
			e.Status = step.to
			return nil
		})
		if step.wantErr && err == nil {
			t.Errorf("step %d: transition to %s succeeded, want rejection", i, step.to)
		}
		if !step.wantErr && err != nil {
			t.Errorf("step %d: transition to %s failed: %v", i, step.to, err)
		}
	}

	got, err := s.GetExecution("j1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != fleet.RunFailed {
		t.Errorf("final status = %s, want failed", got.Status)
	}
}

func TestAppendExecutionOutput(t *testing.T) {
	s := testStore(t)

	if err := s.SaveExecutions([]*fleet.Execution{{JobID: "j1", MachineID: "m1", Status: fleet.RunRunning}}); err != nil {
		t.Fatal(err)
	}

	for _, chunk := range []string{"line one\n", "line two\n"} {
		if _, err := s.AppendExecutionOutput("j1", "m1", chunk); err != nil {
			t.Fatalf("AppendExecutionOutput: %v", err)
		}
	}
	got, err := s.GetExecution("j1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Output != "line one\nline two\n" {
		t.Errorf("output = %q", got.Output)
	}
}

func TestAppendExecutionOutputTruncates(t *testing.T) {
	s := testStore(t)

	if err := s.SaveExecutions([]*fleet.Execution{{JobID: "j1", MachineID: "m1", Status: fleet.RunRunning}}); err != nil {
		t.Fatal(err)
	}

	big := strings.Repeat("x", MaxOutputBytes-2)
	if _, err := s.AppendExecutionOutput("j1", "m1", big); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendExecutionOutput("j1", "m1", "more"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendExecutionOutput("j1", "m1", "and more"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetExecution("j1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Output) > MaxOutputBytes+len(OutputTruncatedMarker) {
		t.Errorf("output grew past the cap: %d bytes", len(got.Output))
	}
	if !strings.HasSuffix(got.Output, OutputTruncatedMarker) {
		t.Error("missing truncation marker")
	}
	if n := strings.Count(got.Output, OutputTruncatedMarker); n != 1 {
		t.Errorf("marker appears %d times, want once", n)
	}
}

func TestAppendExecutionOutputDroppedWhenTerminal(t *testing.T) {
	s := testStore(t)

	if err := s.SaveExecutions([]*fleet.Execution{{JobID: "j1", MachineID: "m1", Status: fleet.RunAborted, Output: "partial"}}); err != nil {
		t.Fatal(err)
	}
	got, err := s.AppendExecutionOutput("j1", "m1", "late chunk")
	if err != nil {
		t.Fatalf("AppendExecutionOutput: %v", err)
	}
	if got.Output != "partial" {
		t.Errorf("output = %q, late chunk must be dropped", got.Output)
	}
}

func TestExecutionMissing(t *testing.T) {
	s := testStore(t)

	if _, err := s.GetExecution("j1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.UpdateExecution("j1", "ghost", func(*fleet.Execution) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update err = %v, want ErrNotFound", err)
	}
}
