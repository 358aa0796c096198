package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/stageline/internal/config"
	"github.com/zulandar/stageline/internal/db"
	"github.com/zulandar/stageline/internal/pipeline"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close(gormDB) })
	return gormDB
}

// testQueue returns a queue whose clock is controlled by the returned pointer.
func testQueue(t *testing.T) (*Queue, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := New(testDB(t), RetryPolicy{}, nil)
	q.Now = func() time.Time { return now }
	return q, &now
}

func mustCreate(t *testing.T, q *Queue, typ pipeline.JobType) string {
	t.Helper()
	job, err := q.Create(context.Background(), CreateRequest{WorkspaceID: "ws", ProjectID: "p1", Type: typ})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job.ID
}

func TestBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{5, 8 * time.Minute},
		{6, 10 * time.Minute},
		{20, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestCreate_Validation(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	_, err := q.Create(ctx, CreateRequest{WorkspaceID: "ws", Type: "make_coffee"})
	var serr *StructuralError
	if !errors.As(err, &serr) || serr.Field != "type" {
		t.Errorf("error = %v, want StructuralError on type", err)
	}

	_, err = q.Create(ctx, CreateRequest{Type: pipeline.JobGeneratePRD})
	if !errors.As(err, &serr) || serr.Field != "workspaceId" {
		t.Errorf("error = %v, want StructuralError on workspaceId", err)
	}

	job, err := q.Create(ctx, CreateRequest{WorkspaceID: "ws", Type: pipeline.JobGeneratePRD, Input: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusPending || job.MaxAttempts != 3 {
		t.Errorf("job = %s/%d", job.Status, job.MaxAttempts)
	}
	got, _ := q.Get(ctx, job.ID)
	if got.Input["k"] != "v" {
		t.Errorf("Input = %v", got.Input)
	}
}

func TestClaim_OldestFirstAndLimit(t *testing.T) {
	q, now := testQueue(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, mustCreate(t, q, pipeline.JobGeneratePRD))
		*now = now.Add(time.Second)
	}

	jobs, err := q.Claim(ctx, "ws", "w1", 2, ClaimOptions{})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("claimed %d, want 2", len(jobs))
	}
	if jobs[0].ID != ids[0] || jobs[1].ID != ids[1] {
		t.Errorf("claimed %s,%s want oldest %s,%s", jobs[0].ID, jobs[1].ID, ids[0], ids[1])
	}
	for _, j := range jobs {
		if j.Status != StatusRunning || j.WorkerID != "w1" || j.Attempt != 1 || j.StartedAt == nil {
			t.Errorf("claimed job = %+v", j)
		}
	}

	pending, _ := q.List(ctx, Filter{WorkspaceID: "ws", Status: StatusPending})
	if len(pending) != 3 {
		t.Errorf("pending = %d, want 3", len(pending))
	}

	if jobs, _ := q.Claim(ctx, "other", "w1", 10, ClaimOptions{}); len(jobs) != 0 {
		t.Errorf("claimed %d jobs from another workspace", len(jobs))
	}
}

func TestClaim_ConcurrentWorkersNeverShareAJob(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	const total = 30
	for i := 0; i < total; i++ {
		mustCreate(t, q, pipeline.JobGenerateResearch)
	}

	var (
		mu     sync.Mutex
		owners = make(map[string]string)
		wg     sync.WaitGroup
		dupes  []string
	)
	for w := 0; w < 5; w++ {
		workerID := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := q.Claim(ctx, "ws", workerID, 4, ClaimOptions{})
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					if prev, ok := owners[j.ID]; ok {
						dupes = append(dupes, fmt.Sprintf("%s claimed by %s and %s", j.ID, prev, workerID))
					}
					owners[j.ID] = workerID
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(dupes) > 0 {
		t.Fatalf("double claims: %v", dupes)
	}
	if len(owners) != total {
		t.Errorf("claimed %d distinct jobs, want %d", len(owners), total)
	}
}

func TestClaim_SkipsDeferredAndRespectsCreatedBefore(t *testing.T) {
	q, now := testQueue(t)
	ctx := context.Background()
	start := *now
	old := mustCreate(t, q, pipeline.JobGeneratePRD)
	*now = now.Add(10 * time.Minute)
	young := mustCreate(t, q, pipeline.JobGeneratePRD)

	jobs, err := q.Claim(ctx, "ws", "w1", 10, ClaimOptions{CreatedBefore: start.Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != old {
		t.Fatalf("claimed %v, want only %s", jobs, old)
	}

	// Fail the old job: it is deferred by the backoff and not claimable yet.
	if _, err := q.Fail(ctx, old, "w1", errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	jobs, _ = q.Claim(ctx, "ws", "w1", 10, ClaimOptions{})
	if len(jobs) != 1 || jobs[0].ID != young {
		t.Fatalf("claimed %v, want only %s", jobs, young)
	}

	*now = now.Add(31 * time.Second)
	jobs, _ = q.Claim(ctx, "ws", "w1", 10, ClaimOptions{})
	if len(jobs) != 1 || jobs[0].ID != old {
		t.Fatalf("after backoff claimed %v, want %s", jobs, old)
	}
	if jobs[0].Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", jobs[0].Attempt)
	}
}

func TestFail_ExhaustsAttempts(t *testing.T) {
	q, now := testQueue(t)
	ctx := context.Background()
	id := mustCreate(t, q, pipeline.JobGeneratePRD)

	var last string
	for attempt := 1; attempt <= 3; attempt++ {
		jobs, err := q.Claim(ctx, "ws", "w1", 1, ClaimOptions{})
		if err != nil || len(jobs) != 1 {
			t.Fatalf("attempt %d: claim = %v, %v", attempt, jobs, err)
		}
		job, err := q.Fail(ctx, id, "w1", fmt.Errorf("attempt %d", attempt))
		if err != nil {
			t.Fatalf("Fail: %v", err)
		}
		last = job.Status
		*now = now.Add(time.Hour)
	}
	if last != StatusFailed {
		t.Errorf("final status = %q, want failed", last)
	}
	job, _ := q.Get(ctx, id)
	if job.Error != "attempt 3" || job.CompletedAt == nil {
		t.Errorf("job = %+v", job)
	}
}

func TestCompleteAndFail_GuardOwner(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	id := mustCreate(t, q, pipeline.JobGeneratePRD)
	q.Claim(ctx, "ws", "w1", 1, ClaimOptions{})

	if _, err := q.Complete(ctx, id, "w2", nil, nil); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Complete by other worker: %v, want ErrNotClaimed", err)
	}
	if _, err := q.Fail(ctx, id, "w2", errors.New("x")); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Fail by other worker: %v, want ErrNotClaimed", err)
	}

	job, err := q.Complete(ctx, id, "w1", map[string]any{"content": "ok"}, []string{"short"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if job.Status != StatusCompleted || job.Output["content"] != "ok" || len(job.Warnings) != 1 {
		t.Errorf("job = %+v", job)
	}
	if _, err := q.Complete(ctx, id, "w1", nil, nil); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("second Complete: %v, want ErrNotClaimed", err)
	}
}

func TestRelease_DoesNotConsumeAttempt(t *testing.T) {
	q, now := testQueue(t)
	ctx := context.Background()
	id := mustCreate(t, q, pipeline.JobGeneratePRD)
	q.Claim(ctx, "ws", "w1", 1, ClaimOptions{})

	if err := q.Release(ctx, id, "w1", 5*time.Second); err != nil {
		t.Fatalf("Release: %v", err)
	}
	job, _ := q.Get(ctx, id)
	if job.Status != StatusPending || job.Attempt != 0 || job.WorkerID != "" {
		t.Errorf("job = %s attempt=%d worker=%q", job.Status, job.Attempt, job.WorkerID)
	}
	if jobs, _ := q.Claim(ctx, "ws", "w1", 1, ClaimOptions{}); len(jobs) != 0 {
		t.Error("released job should be deferred")
	}
	*now = now.Add(5 * time.Second)
	if jobs, _ := q.Claim(ctx, "ws", "w1", 1, ClaimOptions{}); len(jobs) != 1 {
		t.Error("released job should be claimable after delay")
	}
}

func TestRetry(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	id := mustCreate(t, q, pipeline.JobGeneratePRD)

	var serr *StructuralError
	if _, err := q.Retry(ctx, id); !errors.As(err, &serr) {
		t.Errorf("Retry(pending) = %v, want StructuralError", err)
	}

	q.db.Exec("UPDATE jobs SET status = ?, attempt = 3, error = 'x' WHERE id = ?", StatusFailed, id)
	job, err := q.Retry(ctx, id)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if job.Status != StatusPending || job.Attempt != 0 || job.Error != "" {
		t.Errorf("job = %+v", job)
	}

	if _, err := q.Retry(ctx, "missing"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("Retry(missing) = %v, want not found", err)
	}
}

func TestMarkAwaitingAgentAndClaimByID(t *testing.T) {
	q, now := testQueue(t)
	ctx := context.Background()
	cutoff := *now
	old := mustCreate(t, q, pipeline.JobGeneratePRD)
	*now = now.Add(time.Minute)
	young := mustCreate(t, q, pipeline.JobGeneratePRD)

	n, err := q.MarkAwaitingAgent(ctx, "ws", cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("marked %d, want 1", n)
	}
	if j, _ := q.Get(ctx, young); !j.AwaitingAgent {
		t.Error("young job should await agent")
	}
	if j, _ := q.Get(ctx, old); j.AwaitingAgent {
		t.Error("old job should not await agent")
	}

	job, err := q.ClaimByID(ctx, young, "agent-1")
	if err != nil {
		t.Fatalf("ClaimByID: %v", err)
	}
	if job.AwaitingAgent || job.WorkerID != "agent-1" {
		t.Errorf("job = %+v", job)
	}
	if _, err := q.ClaimByID(ctx, young, "agent-2"); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("second ClaimByID = %v, want ErrNotClaimed", err)
	}
}

func TestRequeueStale(t *testing.T) {
	q, now := testQueue(t)
	ctx := context.Background()
	id := mustCreate(t, q, pipeline.JobGeneratePRD)
	agentJob := mustCreate(t, q, pipeline.JobGeneratePRD)
	if _, err := q.ClaimByID(ctx, agentJob, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if jobs, err := q.Claim(ctx, "ws", WorkerIDPrefix+"a1", 1, ClaimOptions{}); err != nil || len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("Claim = %v, %v", jobs, err)
	}
	*now = now.Add(time.Hour)

	n, err := q.RequeueStale(ctx, "ws", now.Add(-20*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RequeueStale = %d, %v", n, err)
	}
	job, _ := q.Get(ctx, id)
	if job.Status != StatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if job.Attempt != 0 {
		t.Errorf("attempt = %d, want 0", job.Attempt)
	}
	if job.WorkerID != "" || job.StartedAt != nil {
		t.Errorf("worker = %q, started = %v; want cleared", job.WorkerID, job.StartedAt)
	}
	held, _ := q.Get(ctx, agentJob)
	if held.Status != StatusRunning || held.WorkerID != "agent-1" {
		t.Errorf("agent job = %q/%q, want running/agent-1", held.Status, held.WorkerID)
	}
}

func TestActiveCountAndSummary(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	a := mustCreate(t, q, pipeline.JobGeneratePRD)
	mustCreate(t, q, pipeline.JobGeneratePRD)
	if _, err := q.ClaimByID(ctx, a, "w1"); err != nil {
		t.Fatal(err)
	}
	q.Complete(ctx, a, "w1", nil, nil)

	n, err := ActiveCount(q.db, "p1")
	if err != nil || n != 1 {
		t.Errorf("ActiveCount = %d, %v; want 1", n, err)
	}
	sum, err := ProjectSummary(q.db, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if sum[StatusCompleted] != 1 || sum[StatusPending] != 1 {
		t.Errorf("summary = %v", sum)
	}
	if !IsTerminal(StatusFailed) || IsTerminal(StatusRunning) {
		t.Error("IsTerminal mismatch")
	}
}
