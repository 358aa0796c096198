package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/queue"
	"github.com/zulandar/stageline/internal/ratelimit"
	"golang.org/x/sync/errgroup"
)

// Manager keeps one Service per workspace. Services share the manager's
// dependencies, including the rate budget.
type Manager struct {
	deps Deps
	opts Options

	root   context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	services  map[string]*Service
	listeners []Listener
}

// NewManager creates a Manager. Services it starts run until Shutdown.
func NewManager(deps Deps, opts Options) *Manager {
	if deps.Budget == nil {
		deps.Budget = ratelimit.New(ratelimit.Config{})
	}
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		opts:     opts,
		root:     root,
		cancel:   cancel,
		services: make(map[string]*Service),
	}
}

// AddListener registers l with every current and future service.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
	for _, s := range m.services {
		s.AddListener(l)
	}
}

// Service returns the service of a workspace, creating it stopped if needed.
func (m *Manager) Service(workspaceID string) *Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.services[workspaceID]; ok {
		return s
	}
	s := NewService(workspaceID, m.deps, m.opts)
	for _, l := range m.listeners {
		s.AddListener(l)
	}
	m.services[workspaceID] = s
	return s
}

// Start enables and starts the worker of a workspace.
func (m *Manager) Start(ctx context.Context, workspaceID string) error {
	if err := m.setEnabled(ctx, workspaceID, true); err != nil {
		return err
	}
	return m.Service(workspaceID).Start(m.root)
}

// Stop disables and stops the worker of a workspace.
func (m *Manager) Stop(ctx context.Context, workspaceID string) error {
	if err := m.setEnabled(ctx, workspaceID, false); err != nil {
		return err
	}
	m.mu.Lock()
	s, ok := m.services[workspaceID]
	m.mu.Unlock()
	if ok {
		s.Stop()
	}
	return nil
}

func (m *Manager) setEnabled(ctx context.Context, workspaceID string, enabled bool) error {
	var ws models.Workspace
	if err := m.deps.DB.WithContext(ctx).Where("id = ?", workspaceID).First(&ws).Error; err != nil {
		return fmt.Errorf("worker: load workspace %s: %w", workspaceID, err)
	}
	if err := m.deps.DB.WithContext(ctx).Model(&ws).Update("worker_enabled", enabled).Error; err != nil {
		return fmt.Errorf("worker: update workspace %s: %w", workspaceID, err)
	}
	return nil
}

// StartEnabled starts the worker of every workspace with workerEnabled set.
// It returns the number of workers started.
func (m *Manager) StartEnabled(ctx context.Context) (int, error) {
	var ids []string
	if err := m.deps.DB.WithContext(ctx).Model(&models.Workspace{}).
		Where("worker_enabled = ?", true).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("worker: list enabled workspaces: %w", err)
	}
	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error { return m.Service(id).Start(m.root) })
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Shutdown stops every service and waits for in-flight executions.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	services := make([]*Service, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range services {
		s := s
		g.Go(func() error {
			s.Stop()
			return nil
		})
	}
	_ = g.Wait()
}

// Trigger asks a running workspace worker to poll now. It is a no-op when
// the worker is not running.
func (m *Manager) Trigger(workspaceID string) {
	m.mu.Lock()
	s, ok := m.services[workspaceID]
	m.mu.Unlock()
	if ok {
		s.TriggerProcessing()
	}
}

// Process runs one poll of a workspace immediately, whether or not its
// worker is running. It returns the number of jobs claimed.
func (m *Manager) Process(workspaceID string) (int, error) {
	return m.Service(workspaceID).Tick(m.root)
}

// Status returns the status of one workspace worker.
func (m *Manager) Status(workspaceID string) Status {
	m.mu.Lock()
	s, ok := m.services[workspaceID]
	m.mu.Unlock()
	if !ok {
		return Status{
			WorkspaceID:        workspaceID,
			State:              StateStopped,
			RateLimitRemaining: m.deps.Budget.Remaining(),
		}
	}
	return s.Status()
}

// Statuses returns the status of every workspace's worker, ordered by
// workspace id.
func (m *Manager) Statuses(ctx context.Context) ([]Status, error) {
	var ids []string
	if err := m.deps.DB.WithContext(ctx).Model(&models.Workspace{}).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("worker: list workspaces: %w", err)
	}
	sort.Strings(ids)
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.Status(id))
	}
	return out, nil
}

// CompleteExternal finishes a job on behalf of an external agent. A pending
// job is claimed for the agent first; a job running under another worker is
// rejected.
func (m *Manager) CompleteExternal(ctx context.Context, jobID, agentID string, output map[string]any) (*models.Job, error) {
	job, s, err := m.claimForAgent(ctx, jobID, agentID)
	if err != nil {
		return nil, err
	}
	var ws models.Workspace
	if err := m.deps.DB.WithContext(ctx).Where("id = ?", job.WorkspaceID).First(&ws).Error; err != nil {
		return nil, fmt.Errorf("worker: load workspace %s: %w", job.WorkspaceID, err)
	}
	if err := s.complete(ctx, job, agentID, pipeline.ValidationMode(ws.AIValidationMode), output); err != nil {
		return nil, err
	}
	return m.deps.Queue.Get(ctx, jobID)
}

// FailExternal records a failed attempt reported by an external agent.
func (m *Manager) FailExternal(ctx context.Context, jobID, agentID, reason string) (*models.Job, error) {
	job, s, err := m.claimForAgent(ctx, jobID, agentID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "agent reported failure"
	}
	if err := s.fail(ctx, job, agentID, errors.New(reason)); err != nil {
		return nil, err
	}
	return m.deps.Queue.Get(ctx, jobID)
}

func (m *Manager) claimForAgent(ctx context.Context, jobID, agentID string) (*models.Job, *Service, error) {
	if agentID == "" {
		return nil, nil, fmt.Errorf("worker: agent id is required")
	}
	job, err := m.deps.Queue.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	switch job.Status {
	case queue.StatusPending:
		if job, err = m.deps.Queue.ClaimByID(ctx, jobID, agentID); err != nil {
			return nil, nil, fmt.Errorf("worker: claim job %s for agent: %w", jobID, err)
		}
	case queue.StatusRunning:
		if job.WorkerID != agentID {
			return nil, nil, fmt.Errorf("worker: job %s: %w", jobID, queue.ErrNotClaimed)
		}
	default:
		return nil, nil, &queue.StructuralError{Field: "status", Reason: fmt.Sprintf("job is already %s", job.Status)}
	}
	return job, m.Service(job.WorkspaceID), nil
}
