package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

func executionKey(jobID, machineID string) []byte {
	return []byte(jobID + keySep + machineID)
}

// SaveJob persists a job row.
func (s *Store) SaveJob(job *fleet.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
}

// GetJob retrieves a job by id. Returns ErrNotFound when absent.
func (s *Store) GetJob(id string) (*fleet.Job, error) {
	var job fleet.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketJobs).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob applies fn to the stored job inside one transaction.
func (s *Store) UpdateJob(id string, fn func(*fleet.Job) error) (*fleet.Job, error) {
	var job fleet.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &job); err != nil {
			return fmt.Errorf("unmarshal job: %w", err)
		}
		if err := fn(&job); err != nil {
			return err
		}
		data, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs newest first, up to limit. A non-empty createdBy
// restricts the result to that user's jobs.
func (s *Store) ListJobs(limit int, createdBy string) ([]*fleet.Job, error) {
	var jobs []*fleet.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job fleet.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			if createdBy != "" && job.CreatedBy != createdBy {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// SaveExecutions writes a batch of execution rows in one transaction,
// used to materialize a job's targets eagerly before dispatch.
func (s *Store) SaveExecutions(execs []*fleet.Execution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		for _, e := range execs {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal execution: %w", err)
			}
			if err := b.Put(executionKey(e.JobID, e.MachineID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetExecution retrieves one execution. Returns ErrNotFound when absent.
func (s *Store) GetExecution(jobID, machineID string) (*fleet.Execution, error) {
	var e fleet.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketExecutions).Get(executionKey(jobID, machineID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateExecution applies fn to a stored execution inside one transaction.
// Status regressions are rejected so transitions stay monotonic.
func (s *Store) UpdateExecution(jobID, machineID string, fn func(*fleet.Execution) error) (*fleet.Execution, error) {
	var e fleet.Execution
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		key := executionKey(jobID, machineID)
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("unmarshal execution: %w", err)
		}
		before := e.Status
		if err := fn(&e); err != nil {
			return err
		}
		if regresses(before, e.Status) {
			return fmt.Errorf("execution %s/%s: illegal status transition %s -> %s", jobID, machineID, before, e.Status)
		}
		data, err := json.Marshal(&e)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// AppendExecutionOutput adds an output chunk, truncating at MaxOutputBytes.
// Chunks for executions already in a terminal state are dropped; a late
// command_completed still lands through UpdateExecution by its caller.
func (s *Store) AppendExecutionOutput(jobID, machineID, chunk string) (*fleet.Execution, error) {
	return s.UpdateExecution(jobID, machineID, func(e *fleet.Execution) error {
		if e.Status.Terminal() {
			return nil
		}
		e.Output = appendBounded(e.Output, chunk, MaxOutputBytes)
		return nil
	})
}

// ListExecutions returns a job's executions sorted by machine id.
func (s *Store) ListExecutions(jobID string) ([]*fleet.Execution, error) {
	var execs []*fleet.Execution
	prefix := []byte(jobID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketExecutions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e fleet.Execution
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			execs = append(execs, &e)
		}
		return nil
	})
	return execs, err
}
