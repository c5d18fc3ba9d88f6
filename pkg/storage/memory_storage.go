package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/pkg/errors"
)

type memoryState struct {
	runs       map[string]models.WorkflowRun
	executions []models.StepExecution // insertion order
	reports    map[string]models.Report
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		runs:       make(map[string]models.WorkflowRun, len(s.runs)),
		executions: make([]models.StepExecution, len(s.executions)),
		reports:    make(map[string]models.Report, len(s.reports)),
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	copy(c.executions, s.executions)
	for k, v := range s.reports {
		c.reports[k] = v
	}
	return c
}

// memoryStore implements Store in memory. A transaction holds the store lock
// from Begin until Commit or Rollback, so transactions are serialized.
type memoryStore struct {
	mu       *sync.Mutex
	state    *memoryState
	tx       bool
	snapshot *memoryState
	done     bool
}

func NewMemoryStore() Store {
	return &memoryStore{
		mu: &sync.Mutex{},
		state: &memoryState{
			runs:    make(map[string]models.WorkflowRun),
			reports: make(map[string]models.Report),
		},
	}
}

func (m *memoryStore) lock() func() {
	if m.tx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *memoryStore) Begin() (Store, error) {
	if m.tx {
		return nil, errors.New("nested transactions are not supported")
	}
	m.mu.Lock()
	return &memoryStore{
		mu:       m.mu,
		state:    m.state,
		tx:       true,
		snapshot: m.state.clone(),
	}, nil
}

func (m *memoryStore) Commit() error {
	if !m.tx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Rollback() error {
	if !m.tx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	*m.state = *m.snapshot
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) SaveRun(r models.WorkflowRun) error {
	defer m.lock()()
	if _, ok := m.state.runs[r.ID]; ok {
		return errors.Errorf("run %s already exists", r.ID)
	}
	m.state.runs[r.ID] = r
	return nil
}

func (m *memoryStore) GetRun(id string) (models.WorkflowRun, error) {
	defer m.lock()()
	r, ok := m.state.runs[id]
	if !ok {
		return models.WorkflowRun{}, ErrNotFound
	}
	return r, nil
}

func (m *memoryStore) ListRuns(userID string) ([]models.WorkflowRun, error) {
	defer m.lock()()
	runs := []models.WorkflowRun{}
	for _, r := range m.state.runs {
		if r.UserID == userID {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

func (m *memoryStore) ListRunsByStatus(status models.RunStatus) ([]models.WorkflowRun, error) {
	defer m.lock()()
	runs := []models.WorkflowRun{}
	for _, r := range m.state.runs {
		if r.Status == status {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

func (m *memoryStore) UpdateRun(r models.WorkflowRun, expected RunVersion) error {
	defer m.lock()()
	stored, ok := m.state.runs[r.ID]
	if !ok {
		return ErrNotFound
	}
	if VersionOf(stored) != expected {
		return ErrStatusConflict
	}
	// identity, plan and configuration are immutable
	stored.Status = r.Status
	stored.CurrentStep = r.CurrentStep
	stored.FailedStep = r.FailedStep
	stored.ErrorMessage = r.ErrorMessage
	stored.ReportID = r.ReportID
	stored.CompletedAt = r.CompletedAt
	stored.Generation = r.Generation
	stored.UpdatedAt = time.Now()
	m.state.runs[r.ID] = stored
	return nil
}

func (m *memoryStore) SaveStepExecution(e models.StepExecution) error {
	defer m.lock()()
	if _, ok := m.state.runs[e.WorkflowID]; !ok {
		return errors.Wrapf(ErrNotFound, "run %s", e.WorkflowID)
	}
	for _, existing := range m.state.executions {
		if existing.ID == e.ID {
			return errors.Errorf("step execution %s already exists", e.ID)
		}
	}
	m.state.executions = append(m.state.executions, e)
	return nil
}

func (m *memoryStore) UpdateStepExecution(e models.StepExecution, expected models.StepStatus) error {
	defer m.lock()()
	for i, existing := range m.state.executions {
		if existing.ID != e.ID {
			continue
		}
		if existing.Status == models.CompletedStepStatus || existing.Status != expected {
			return ErrStatusConflict
		}
		e.WorkflowID = existing.WorkflowID
		e.StepIndex = existing.StepIndex
		e.CreatedAt = existing.CreatedAt
		m.state.executions[i] = e
		return nil
	}
	return ErrNotFound
}

func (m *memoryStore) ListStepExecutions(workflowID string) ([]models.StepExecution, error) {
	defer m.lock()()
	execs := []models.StepExecution{}
	for _, e := range m.state.executions {
		if e.WorkflowID == workflowID {
			execs = append(execs, e)
		}
	}
	return execs, nil
}

func (m *memoryStore) DeleteFailedStepExecutions(workflowID string, fromIndex int) error {
	defer m.lock()()
	kept := m.state.executions[:0:0]
	for _, e := range m.state.executions {
		if e.WorkflowID == workflowID && e.Status == models.FailedStepStatus && e.StepIndex >= fromIndex {
			continue
		}
		kept = append(kept, e)
	}
	m.state.executions = kept
	return nil
}

func (m *memoryStore) FailActiveStepExecutions(workflowID string, reason string, at time.Time) error {
	defer m.lock()()
	for i, e := range m.state.executions {
		if e.WorkflowID != workflowID {
			continue
		}
		if e.Status == models.PendingStepStatus || e.Status == models.RunningStepStatus {
			completedAt := at
			m.state.executions[i].Status = models.FailedStepStatus
			m.state.executions[i].Error = reason
			m.state.executions[i].CompletedAt = &completedAt
		}
	}
	return nil
}

func (m *memoryStore) SaveReport(r models.Report) error {
	defer m.lock()()
	if _, ok := m.state.reports[r.ID]; ok {
		return errors.Errorf("report %s already exists", r.ID)
	}
	m.state.reports[r.ID] = r
	return nil
}

func (m *memoryStore) GetReport(id string) (models.Report, error) {
	defer m.lock()()
	r, ok := m.state.reports[id]
	if !ok {
		return models.Report{}, ErrNotFound
	}
	return r, nil
}
