package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/stageline/internal/config"
	"github.com/zulandar/stageline/internal/db"
	"github.com/zulandar/stageline/internal/documents"
	"github.com/zulandar/stageline/internal/executor"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/notify"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/queue"
	"github.com/zulandar/stageline/internal/ratelimit"
	"github.com/zulandar/stageline/internal/workspace"
	"gorm.io/gorm"
)

const longContent = "This research summarises interviews with twelve customers about onboarding friction and the workarounds they rely on today."

type harness struct {
	db       *gorm.DB
	queue    *queue.Queue
	notifier *notify.Dispatcher
	ws       *models.Workspace
	project  *models.Project
	deps     Deps
}

func newHarness(t *testing.T, exec executor.Executor, edit func(*models.Workspace)) *harness {
	t.Helper()
	gormDB, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close(gormDB) })

	ws := workspace.New("acme")
	if edit != nil {
		edit(ws)
	}
	if err := gormDB.Create(ws).Error; err != nil {
		t.Fatal(err)
	}
	project := &models.Project{ID: "proj-1", WorkspaceID: ws.ID, Name: "Onboarding", Stage: "discovery", Status: "active"}
	if err := gormDB.Create(project).Error; err != nil {
		t.Fatal(err)
	}

	q := queue.New(gormDB, queue.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Minute, MaxDelay: 5 * time.Minute}, nil)
	n := notify.New(gormDB, nil)
	return &harness{
		db:       gormDB,
		queue:    q,
		notifier: n,
		ws:       ws,
		project:  project,
		deps: Deps{
			DB:        gormDB,
			Queue:     q,
			Executor:  exec,
			Documents: documents.NewStore(gormDB, nil),
			Notifier:  n,
		},
	}
}

func (h *harness) enqueue(t *testing.T, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		job, err := h.queue.Create(context.Background(), queue.CreateRequest{
			WorkspaceID: h.ws.ID,
			ProjectID:   h.project.ID,
			Type:        pipeline.JobGenerateResearch,
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, job.ID)
	}
	return ids
}

func (h *harness) countStatus(t *testing.T, status string) int64 {
	t.Helper()
	var n int64
	h.db.Model(&models.Job{}).Where("status = ?", status).Count(&n)
	return n
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// countingExecutor records how often each job ran.
type countingExecutor struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingExecutor() *countingExecutor {
	return &countingExecutor{calls: make(map[string]int)}
}

func (c *countingExecutor) Execute(_ context.Context, req executor.Request) (*executor.Result, error) {
	c.mu.Lock()
	c.calls[req.Job.ID]++
	c.mu.Unlock()
	return &executor.Result{Output: executor.DocumentOutput("Research", longContent, 42), TokensUsed: 42}, nil
}

func TestTick_RespectsMaxConcurrency(t *testing.T) {
	release := make(chan struct{})
	exec := executor.Func(func(ctx context.Context, req executor.Request) (*executor.Result, error) {
		<-release
		return &executor.Result{Output: executor.DocumentOutput("Research", longContent, 1)}, nil
	})
	h := newHarness(t, exec, func(w *models.Workspace) { w.WorkerMaxConcurrency = 2 })
	h.enqueue(t, 5)
	svc := NewService(h.ws.ID, h.deps, Options{})

	n, err := svc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 2 {
		t.Fatalf("claimed = %d, want 2", n)
	}
	if got := h.countStatus(t, queue.StatusRunning); got != 2 {
		t.Errorf("running = %d, want 2", got)
	}
	if got := h.countStatus(t, queue.StatusPending); got != 3 {
		t.Errorf("pending = %d, want 3", got)
	}
	if st := svc.Status(); st.ActiveJobs != 2 || st.State != StateExecuting {
		t.Errorf("status = %+v", st)
	}

	// No free slots: a second tick claims nothing.
	if n, _ := svc.Tick(context.Background()); n != 0 {
		t.Errorf("second tick claimed %d, want 0", n)
	}

	close(release)
	svc.Wait()
	if got := h.countStatus(t, queue.StatusCompleted); got != 2 {
		t.Errorf("completed = %d, want 2", got)
	}
	if st := svc.Status(); st.ProcessedCount != 2 || st.ActiveJobs != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestTriggerProcessing_ExecutesEachJobOnce(t *testing.T) {
	exec := newCountingExecutor()
	h := newHarness(t, exec, nil)
	ids := h.enqueue(t, 4)
	svc := NewService(h.ws.ID, h.deps, Options{PollInterval: 20 * time.Millisecond})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc.TriggerProcessing()
	svc.TriggerProcessing()
	eventually(t, func() bool { return h.countStatus(t, queue.StatusCompleted) == 4 })
	svc.TriggerProcessing()
	svc.Stop()

	exec.mu.Lock()
	defer exec.mu.Unlock()
	for _, id := range ids {
		if exec.calls[id] != 1 {
			t.Errorf("job %s executed %d times, want 1", id, exec.calls[id])
		}
	}
	if st := svc.Status(); st.IsRunning || st.ProcessedCount != 4 {
		t.Errorf("status = %+v", st)
	}
}

func TestTick_HybridFallback(t *testing.T) {
	exec := newCountingExecutor()
	h := newHarness(t, exec, func(w *models.Workspace) {
		w.AIExecutionMode = string(pipeline.ExecHybrid)
		w.AIFallbackAfterMinutes = 30
	})
	t0 := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	h.queue.Now = func() time.Time { return t0 }
	ids := h.enqueue(t, 1)

	svc := NewService(h.ws.ID, h.deps, Options{})
	svc.Now = func() time.Time { return t0.Add(29 * time.Minute) }
	if n, err := svc.Tick(context.Background()); err != nil || n != 0 {
		t.Fatalf("Tick before fallback = %d, %v; want 0", n, err)
	}
	job, _ := h.queue.Get(context.Background(), ids[0])
	if !job.AwaitingAgent || job.Status != queue.StatusPending {
		t.Fatalf("job = %s awaiting=%v, want pending awaiting agent", job.Status, job.AwaitingAgent)
	}

	svc.Now = func() time.Time { return t0.Add(30 * time.Minute) }
	n, err := svc.Tick(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Tick at fallback = %d, %v; want 1", n, err)
	}
	svc.Wait()
	job, _ = h.queue.Get(context.Background(), ids[0])
	if job.Status != queue.StatusCompleted || job.AwaitingAgent {
		t.Errorf("job = %s awaiting=%v, want completed", job.Status, job.AwaitingAgent)
	}
}

func TestTick_CursorModeNeverExecutes(t *testing.T) {
	exec := newCountingExecutor()
	h := newHarness(t, exec, func(w *models.Workspace) { w.AIExecutionMode = string(pipeline.ExecCursor) })
	h.enqueue(t, 2)
	svc := NewService(h.ws.ID, h.deps, Options{})

	if n, err := svc.Tick(context.Background()); err != nil || n != 0 {
		t.Fatalf("Tick = %d, %v", n, err)
	}
	var awaiting int64
	h.db.Model(&models.Job{}).Where("awaiting_agent = ?", true).Count(&awaiting)
	if awaiting != 2 {
		t.Errorf("awaiting = %d, want 2", awaiting)
	}
	if len(exec.calls) != 0 {
		t.Errorf("executor called %d times", len(exec.calls))
	}
}

func TestRun_RateLimitedJobIsReleased(t *testing.T) {
	exec := executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
		return nil, executor.ErrRateLimited
	})
	h := newHarness(t, exec, nil)
	ids := h.enqueue(t, 1)
	svc := NewService(h.ws.ID, h.deps, Options{})

	svc.Tick(context.Background())
	svc.Wait()

	job, _ := h.queue.Get(context.Background(), ids[0])
	if job.Status != queue.StatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if job.Attempt != 0 {
		t.Errorf("attempt = %d, want 0 (release does not consume)", job.Attempt)
	}
	if job.RunAt == nil {
		t.Error("released job should be deferred")
	}
	if svc.Status().FailedCount != 0 {
		t.Error("rate limited job must not count as failed")
	}
}

func TestRun_RetriesThenFails(t *testing.T) {
	exec := executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
		return nil, errors.New("model unavailable")
	})
	h := newHarness(t, exec, nil)
	ids := h.enqueue(t, 1)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	h.queue.Now = func() time.Time { return now }
	svc := NewService(h.ws.ID, h.deps, Options{})

	svc.Tick(context.Background())
	svc.Wait()
	job, _ := h.queue.Get(context.Background(), ids[0])
	if job.Status != queue.StatusPending || job.Attempt != 1 {
		t.Fatalf("after first failure: %s attempt %d, want pending attempt 1", job.Status, job.Attempt)
	}

	// Still deferred.
	if n, _ := svc.Tick(context.Background()); n != 0 {
		t.Fatalf("claimed deferred job")
	}

	now = now.Add(2 * time.Minute)
	svc.Tick(context.Background())
	svc.Wait()
	job, _ = h.queue.Get(context.Background(), ids[0])
	if job.Status != queue.StatusFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}
	if svc.Status().FailedCount != 1 {
		t.Errorf("FailedCount = %d, want 1", svc.Status().FailedCount)
	}

	var n models.Notification
	if err := h.db.Where("type = ?", "job_failed").First(&n).Error; err != nil {
		t.Fatalf("job_failed notification: %v", err)
	}
	if n.Action == nil || n.Action.Type != notify.ActionRetryJob {
		t.Errorf("action = %+v, want retry_job", n.Action)
	}
	if !strings.Contains(n.Metadata.ErrorDetails, "model unavailable") {
		t.Errorf("error details = %q", n.Metadata.ErrorDetails)
	}

	var p models.Project
	h.db.First(&p, "id = ?", h.project.ID)
	if p.ActiveJobStatus != queue.StatusFailed {
		t.Errorf("ActiveJobStatus = %q, want failed", p.ActiveJobStatus)
	}
}

func TestRun_TimeoutConsumesAttempt(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, _ executor.Request) (*executor.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, exec, nil)
	ids := h.enqueue(t, 1)
	svc := NewService(h.ws.ID, h.deps, Options{ExecutionTimeout: 20 * time.Millisecond})

	svc.Tick(context.Background())
	svc.Wait()
	job, _ := h.queue.Get(context.Background(), ids[0])
	if job.Attempt != 1 || job.Status != queue.StatusPending {
		t.Errorf("job = %s attempt %d", job.Status, job.Attempt)
	}
	if !strings.Contains(job.Error, "timed out") {
		t.Errorf("error = %q", job.Error)
	}
}

func TestRun_SchemaValidationFailure(t *testing.T) {
	exec := executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
		return &executor.Result{Output: map[string]any{"summary": "no document here"}}, nil
	})
	h := newHarness(t, exec, func(w *models.Workspace) { w.AIValidationMode = string(pipeline.ValidateSchema) })
	ids := h.enqueue(t, 1)
	svc := NewService(h.ws.ID, h.deps, Options{})

	svc.Tick(context.Background())
	svc.Wait()
	job, _ := h.queue.Get(context.Background(), ids[0])
	if job.Status != queue.StatusPending || job.Attempt != 1 {
		t.Errorf("job = %s attempt %d, want a consumed attempt", job.Status, job.Attempt)
	}
	if !strings.Contains(job.Error, "document") {
		t.Errorf("error = %q, want schema violation", job.Error)
	}
}

func TestRun_CompletionSavesDocumentAndNotifies(t *testing.T) {
	h := newHarness(t, newCountingExecutor(), nil)
	ids := h.enqueue(t, 1)
	svc := NewService(h.ws.ID, h.deps, Options{})

	var finished []string
	var mu sync.Mutex
	svc.AddListener(ListenerFunc(func(_ context.Context, job *models.Job) {
		mu.Lock()
		finished = append(finished, job.ID)
		mu.Unlock()
	}))

	svc.Tick(context.Background())
	svc.Wait()

	doc, err := documents.NewStore(h.db, nil).Latest(context.Background(), h.project.ID, pipeline.DocResearch)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if doc.GeneratedBy != documents.GeneratedByAI || doc.Version != 1 {
		t.Errorf("doc = %+v", doc)
	}
	if len(finished) != 1 || finished[0] != ids[0] {
		t.Errorf("listener saw %v", finished)
	}
	var count int64
	h.db.Model(&models.Notification{}).Where("type = ?", "job_completed").Count(&count)
	if count != 1 {
		t.Errorf("job_completed notifications = %d, want 1", count)
	}
	var p models.Project
	h.db.First(&p, "id = ?", h.project.ID)
	if p.ActiveJobStatus != queue.StatusCompleted {
		t.Errorf("ActiveJobStatus = %q, want completed", p.ActiveJobStatus)
	}
	if st := svc.Status(); st.RateLimitRemaining.Requests == 0 {
		t.Errorf("unlimited budget should report remaining requests: %+v", st)
	}
}

func TestTick_BudgetExhaustedStopsClaims(t *testing.T) {
	exec := newCountingExecutor()
	h := newHarness(t, exec, nil)
	h.deps.Budget = ratelimit.New(ratelimit.Config{Requests: 1, Window: time.Hour})
	h.enqueue(t, 2)
	svc := NewService(h.ws.ID, h.deps, Options{})

	// Concurrency allows both, but only one request remains.
	if n, _ := svc.Tick(context.Background()); n != 1 {
		t.Fatalf("first tick claimed %d, want 1", n)
	}
	svc.Wait()
	h.enqueue(t, 1)
	if n, _ := svc.Tick(context.Background()); n != 0 {
		t.Errorf("exhausted budget claimed %d jobs", n)
	}
	if got := h.countStatus(t, queue.StatusPending); got != 2 {
		t.Errorf("pending = %d, want 2", got)
	}
	if got := h.countStatus(t, queue.StatusCompleted); got != 1 {
		t.Errorf("completed = %d, want 1", got)
	}
}

func TestStop_LetsInFlightJobFinish(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	exec := executor.Func(func(ctx context.Context, req executor.Request) (*executor.Result, error) {
		once.Do(func() { close(started) })
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
		return &executor.Result{Output: executor.DocumentOutput("Research", longContent, 1)}, nil
	})
	h := newHarness(t, exec, func(w *models.Workspace) { w.WorkerMaxConcurrency = 1 })
	ids := h.enqueue(t, 2)
	svc := NewService(h.ws.ID, h.deps, Options{PollInterval: 10 * time.Millisecond})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc.TriggerProcessing()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never started")
	}
	svc.Stop()

	var done int
	for _, id := range ids {
		job, err := h.queue.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		switch job.Status {
		case queue.StatusCompleted:
			done++
			if job.Attempt != 1 {
				t.Errorf("attempt = %d, want 1", job.Attempt)
			}
		case queue.StatusPending:
		default:
			t.Errorf("job %s status = %q, want completed or pending", id, job.Status)
		}
	}
	if done != 1 {
		t.Errorf("completed = %d, want 1", done)
	}
	if st := svc.Status(); st.IsRunning || st.ActiveJobs != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestHealthy(t *testing.T) {
	h := newHarness(t, newCountingExecutor(), nil)
	svc := NewService(h.ws.ID, h.deps, Options{PollInterval: 10 * time.Millisecond})
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return now }

	if svc.Healthy(now) {
		t.Error("stopped service should not be healthy")
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()
	eventually(t, func() bool { return svc.Status().LastPollAt != nil })

	if !svc.Healthy(now.Add(9 * time.Second)) {
		t.Error("recent poll should be healthy")
	}
	if svc.Healthy(now.Add(10 * time.Second)) {
		t.Error("poll older than the stale threshold should be unhealthy")
	}
}
