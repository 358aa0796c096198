package workflow

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/stageline/internal/config"
	"github.com/zulandar/stageline/internal/db"
	"github.com/zulandar/stageline/internal/documents"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/notify"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/queue"
	"github.com/zulandar/stageline/internal/workspace"
	"gorm.io/gorm"
)

type triggerRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *triggerRecorder) Trigger(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, workspaceID)
}

func (r *triggerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

type harness struct {
	db      *gorm.DB
	queue   *queue.Queue
	engine  *Engine
	trigger *triggerRecorder
	ws      *models.Workspace
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gormDB, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close(gormDB) })

	ws, err := workspace.NewService(gormDB, nil).Create(context.Background(), "acme", nil)
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	q := queue.New(gormDB, queue.DefaultRetryPolicy(), nil)
	tr := &triggerRecorder{}
	return &harness{
		db:      gormDB,
		queue:   q,
		engine:  New(gormDB, q, notify.New(gormDB, nil), tr, nil),
		trigger: tr,
		ws:      ws,
	}
}

func (h *harness) setWorkspace(t *testing.T, updates map[string]any) {
	t.Helper()
	if err := h.db.Model(&models.Workspace{}).Where("id = ?", h.ws.ID).Updates(updates).Error; err != nil {
		t.Fatal(err)
	}
}

func (h *harness) setColumn(t *testing.T, stage pipeline.StageID, updates map[string]any) {
	t.Helper()
	if err := h.db.Model(&models.Column{}).
		Where("workspace_id = ? AND stage = ?", h.ws.ID, string(stage)).
		Updates(updates).Error; err != nil {
		t.Fatal(err)
	}
}

func (h *harness) newProject(t *testing.T, stage pipeline.StageID, docs ...pipeline.DocumentType) *models.Project {
	t.Helper()
	p, err := h.engine.CreateProject(context.Background(), CreateProjectInput{
		WorkspaceID: h.ws.ID,
		Name:        "Onboarding revamp",
		Stage:       stage,
	}, "alice")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	for _, d := range docs {
		if _, err := documents.SaveTx(h.db, documents.Input{ProjectID: p.ID, Type: d, Content: "content for " + string(d)}); err != nil {
			t.Fatal(err)
		}
	}
	return p
}

func (h *harness) jobTypes(t *testing.T, projectID string) []string {
	t.Helper()
	var types []string
	h.db.Model(&models.Job{}).Where("project_id = ?", projectID).Order("type").Pluck("type", &types)
	return types
}

func (h *harness) notifications(t *testing.T, typ notify.Type) int64 {
	t.Helper()
	var n int64
	h.db.Model(&models.Notification{}).Where("type = ?", string(typ)).Count(&n)
	return n
}

func (h *harness) stage(t *testing.T, projectID string) string {
	t.Helper()
	p, err := h.engine.GetProject(context.Background(), projectID)
	if err != nil {
		t.Fatal(err)
	}
	return p.Stage
}

func TestRequestTransition_MissingDocuments(t *testing.T) {
	h := newHarness(t)
	p := h.newProject(t, pipeline.StageDiscovery)

	res, err := h.engine.RequestTransition(context.Background(), p.ID, pipeline.StagePRD, "alice")
	var perr *PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want PreconditionError", err)
	}
	if res.Allowed {
		t.Error("transition should not be allowed")
	}
	if want := []string{"missing:research"}; !reflect.DeepEqual(res.BlockingReasons, want) {
		t.Errorf("BlockingReasons = %v, want %v", res.BlockingReasons, want)
	}
	var mde *MissingDocumentError
	if !errors.As(err, &mde) || len(mde.Types) != 1 || mde.Types[0] != pipeline.DocResearch {
		t.Errorf("MissingDocumentError = %+v", mde)
	}
	if got := h.stage(t, p.ID); got != string(pipeline.StageDiscovery) {
		t.Errorf("stage = %s, want discovery", got)
	}
}

func TestRequestTransition_Approvals(t *testing.T) {
	h := newHarness(t)
	h.setColumn(t, pipeline.StageDesign, map[string]any{"required_approvals": 2})
	p := h.newProject(t, pipeline.StagePRD, pipeline.DocPRD)
	ctx := context.Background()

	res, err := h.engine.RequestTransition(ctx, p.ID, pipeline.StageDesign, "alice")
	var ape *ApprovalPendingError
	if !errors.As(err, &ape) || ape.Have != 0 || ape.Need != 2 {
		t.Fatalf("error = %v, want ApprovalPendingError 0/2", err)
	}
	if want := []string{"approvals:0/2"}; !reflect.DeepEqual(res.BlockingReasons, want) {
		t.Errorf("BlockingReasons = %v, want %v", res.BlockingReasons, want)
	}

	st, err := h.engine.Approve(ctx, p.ID, pipeline.StageDesign, "bob")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if st.Have != 1 || st.Need != 2 {
		t.Errorf("approval status = %+v", st)
	}
	if st, _ = h.engine.Approve(ctx, p.ID, pipeline.StageDesign, "bob"); st.Have != 1 {
		t.Errorf("repeat approval counted: have = %d", st.Have)
	}
	if _, err := h.engine.RequestTransition(ctx, p.ID, pipeline.StageDesign, "alice"); err == nil {
		t.Fatal("transition accepted with 1 of 2 approvals")
	}

	if _, err := h.engine.Approve(ctx, p.ID, pipeline.StageDesign, "carol"); err != nil {
		t.Fatal(err)
	}
	res, err = h.engine.RequestTransition(ctx, p.ID, pipeline.StageDesign, "alice")
	if err != nil {
		t.Fatalf("transition with 2 of 2 approvals: %v", err)
	}
	if !res.Allowed || res.From != pipeline.StagePRD || res.To != pipeline.StageDesign {
		t.Errorf("result = %+v", res)
	}
}

func TestRequestTransition_Structural(t *testing.T) {
	h := newHarness(t)
	p := h.newProject(t, pipeline.StageDiscovery, pipeline.DocResearch)
	ctx := context.Background()

	tests := []struct {
		name   string
		target pipeline.StageID
	}{
		{"skips a stage", pipeline.StageDesign},
		{"unknown stage", pipeline.StageID("launch")},
		{"same stage", pipeline.StageDiscovery},
		{"backwards without loop", pipeline.StageInbox},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.engine.RequestTransition(ctx, p.ID, tt.target, "alice")
			var se *StructuralError
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want StructuralError", err)
			}
			if res.Allowed {
				t.Error("transition should not be allowed")
			}
		})
	}

	h.setColumn(t, pipeline.StagePRD, map[string]any{"enabled": false})
	var se *StructuralError
	if _, err := h.engine.RequestTransition(ctx, p.ID, pipeline.StagePRD, "alice"); !errors.As(err, &se) {
		t.Errorf("disabled stage: error = %v, want StructuralError", err)
	}
	// design becomes the next enabled stage; it still needs a prd and an approval.
	_, err := h.engine.RequestTransition(ctx, p.ID, pipeline.StageDesign, "alice")
	var perr *PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("next enabled stage: error = %v, want PreconditionError", err)
	}
	if want := []string{"missing:prd", "approvals:0/1"}; !reflect.DeepEqual(perr.Reasons, want) {
		t.Errorf("reasons = %v, want %v", perr.Reasons, want)
	}
}

func TestRequestTransition_LoopBack(t *testing.T) {
	h := newHarness(t)
	p := h.newProject(t, pipeline.StageValidate, pipeline.DocResearch, pipeline.DocPRD, pipeline.DocDesignBrief)
	ctx := context.Background()

	res, err := h.engine.RequestTransition(ctx, p.ID, pipeline.StagePrototype, "alice")
	if err != nil {
		t.Fatalf("loop back to prototype: %v", err)
	}
	if !res.Allowed {
		t.Error("loop back should be allowed")
	}

	// prototype may only loop back to design.
	var se *StructuralError
	if _, err := h.engine.RequestTransition(ctx, p.ID, pipeline.StagePRD, "alice"); !errors.As(err, &se) {
		t.Errorf("prototype -> prd: error = %v, want StructuralError", err)
	}
}

func TestRequestTransition_CollectsEveryReason(t *testing.T) {
	h := newHarness(t)
	p := h.newProject(t, pipeline.StageDiscovery)
	h.db.Model(&models.Project{}).Where("id = ?", p.ID).Updates(map[string]any{"status": StatusPaused, "is_locked": true})

	res, err := h.engine.RequestTransition(context.Background(), p.ID, pipeline.StagePRD, "alice")
	if err == nil {
		t.Fatal("expected error")
	}
	want := []string{"status:paused", ReasonLocked, "missing:research"}
	if !reflect.DeepEqual(res.BlockingReasons, want) {
		t.Errorf("BlockingReasons = %v, want %v", res.BlockingReasons, want)
	}
}

func TestRequestTransition_SingleFlight(t *testing.T) {
	h := newHarness(t)
	p := h.newProject(t, pipeline.StageDiscovery, pipeline.DocResearch)

	mu := h.engine.lockFor(p.ID)
	mu.Lock()
	res, err := h.engine.RequestTransition(context.Background(), p.ID, pipeline.StagePRD, "alice")
	mu.Unlock()

	var perr *PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want PreconditionError", err)
	}
	if want := []string{ReasonTransitionInFlight}; !reflect.DeepEqual(res.BlockingReasons, want) {
		t.Errorf("BlockingReasons = %v, want %v", res.BlockingReasons, want)
	}
	if _, err := h.engine.RequestTransition(context.Background(), p.ID, pipeline.StagePRD, "alice"); err != nil {
		t.Errorf("after unlock: %v", err)
	}
}

func TestRequestTransition_LockedAfterPreconditions(t *testing.T) {
	h := newHarness(t)
	p := h.newProject(t, pipeline.StageDiscovery, pipeline.DocResearch)
	ctx := context.Background()

	before, err := h.engine.History(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Now runs after the precondition read, so the lock lands in between.
	now := h.engine.Now
	h.engine.Now = func() time.Time {
		h.db.Model(&models.Project{}).Where("id = ?", p.ID).Update("is_locked", true)
		return now()
	}

	res, err := h.engine.RequestTransition(ctx, p.ID, pipeline.StagePRD, "alice")
	var perr *PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want PreconditionError", err)
	}
	if want := []string{ReasonLocked}; !reflect.DeepEqual(res.BlockingReasons, want) {
		t.Errorf("BlockingReasons = %v, want %v", res.BlockingReasons, want)
	}
	if got := h.stage(t, p.ID); got != string(pipeline.StageDiscovery) {
		t.Errorf("stage = %q, want %q", got, pipeline.StageDiscovery)
	}
	after, err := h.engine.History(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Errorf("history entries = %d, want %d", len(after), len(before))
	}
}

func TestRequestTransition_Automation(t *testing.T) {
	tests := []struct {
		name       string
		settings   map[string]any
		wantJobs   []string
		wantPaused bool
	}{
		{
			name:     "manual",
			settings: map[string]any{"automation_mode": "manual"},
		},
		{
			name:       "auto_to_stage stops at prd",
			settings:   map[string]any{"automation_mode": "auto_to_stage", "automation_stop_stage": "prd"},
			wantJobs:   []string{"score_stage_alignment"},
			wantPaused: true,
		},
		{
			name:     "auto_to_stage before the stop stage",
			settings: map[string]any{"automation_mode": "auto_to_stage", "automation_stop_stage": "design"},
			wantJobs: []string{"generate_prd", "score_stage_alignment"},
		},
		{
			name:     "auto_all",
			settings: map[string]any{"automation_mode": "auto_all"},
			wantJobs: []string{"generate_prd", "score_stage_alignment"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.setWorkspace(t, tt.settings)
			p := h.newProject(t, pipeline.StageDiscovery, pipeline.DocResearch)

			res, err := h.engine.RequestTransition(context.Background(), p.ID, pipeline.StagePRD, "alice")
			if err != nil {
				t.Fatalf("RequestTransition: %v", err)
			}
			if res.Paused != tt.wantPaused {
				t.Errorf("Paused = %v, want %v", res.Paused, tt.wantPaused)
			}
			if got := h.jobTypes(t, p.ID); !reflect.DeepEqual(got, tt.wantJobs) && len(got)+len(tt.wantJobs) > 0 {
				t.Errorf("jobs = %v, want %v", got, tt.wantJobs)
			}
			if len(res.EnqueuedJobs) != len(tt.wantJobs) {
				t.Errorf("EnqueuedJobs = %d, want %d", len(res.EnqueuedJobs), len(tt.wantJobs))
			}

			wantApproval := int64(0)
			if tt.wantPaused {
				wantApproval = 1
			}
			if got := h.notifications(t, notify.TypeApprovalRequired); got != wantApproval {
				t.Errorf("approval_required notifications = %d, want %d", got, wantApproval)
			}
			if got := h.notifications(t, notify.TypeStageChanged); got != 1 {
				t.Errorf("stage_changed notifications = %d, want 1", got)
			}

			wantTriggers := 0
			if len(tt.wantJobs) > 0 {
				wantTriggers = 1
			}
			if got := h.trigger.count(); got != wantTriggers {
				t.Errorf("triggers = %d, want %d", got, wantTriggers)
			}
		})
	}
}

func TestRequestTransition_RecordsHistory(t *testing.T) {
	h := newHarness(t)
	p := h.newProject(t, pipeline.StageDiscovery, pipeline.DocResearch)
	ctx := context.Background()

	if _, err := h.engine.RequestTransition(ctx, p.ID, pipeline.StagePRD, "alice"); err != nil {
		t.Fatal(err)
	}
	hist, err := h.engine.History(ctx, p.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history entries = %d, want 2", len(hist))
	}
	if hist[0].Stage != "discovery" || hist[0].ExitedAt == nil {
		t.Errorf("first entry = %+v, want closed discovery", hist[0])
	}
	if hist[1].Stage != "prd" || hist[1].ExitedAt != nil || hist[1].TriggeredBy != "alice" {
		t.Errorf("second entry = %+v, want open prd by alice", hist[1])
	}

	if _, err := h.engine.History(ctx, "missing"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("unknown project: error = %v, want ErrRecordNotFound", err)
	}
}

func TestJobFinished_AutoAdvance(t *testing.T) {
	h := newHarness(t)
	h.setWorkspace(t, map[string]any{"automation_mode": "auto_all"})
	p := h.newProject(t, pipeline.StageDiscovery, pipeline.DocResearch)
	ctx := context.Background()

	if _, err := h.engine.RequestTransition(ctx, p.ID, pipeline.StagePRD, "alice"); err != nil {
		t.Fatal(err)
	}
	jobs, err := h.queue.Claim(ctx, h.ws.ID, "w1", 10, queue.ClaimOptions{})
	if err != nil || len(jobs) != 2 {
		t.Fatalf("claimed %d jobs, err %v", len(jobs), err)
	}
	if _, err := documents.SaveTx(h.db, documents.Input{ProjectID: p.ID, Type: pipeline.DocPRD, Content: "prd"}); err != nil {
		t.Fatal(err)
	}

	outputs := map[string]map[string]any{
		"generate_prd":          {"document": map[string]any{"title": "PRD", "content": "prd"}},
		"score_stage_alignment": {"alignment": map[string]any{"score": 0.8, "summary": "covers goals", "stage": "prd"}},
	}
	done, err := h.queue.Complete(ctx, jobs[0].ID, "w1", outputs[jobs[0].Type], nil)
	if err != nil {
		t.Fatal(err)
	}
	h.engine.JobFinished(ctx, done)
	if got := h.stage(t, p.ID); got != "prd" {
		t.Fatalf("advanced with a job still running: stage = %s", got)
	}

	done, err = h.queue.Complete(ctx, jobs[1].ID, "w1", outputs[jobs[1].Type], nil)
	if err != nil {
		t.Fatal(err)
	}
	h.engine.JobFinished(ctx, done)

	// design needs an approval, so the advance is blocked and reported.
	if got := h.stage(t, p.ID); got != "prd" {
		t.Errorf("stage = %s, want prd", got)
	}
	if got := h.notifications(t, notify.TypeStageBlocked); got != 1 {
		t.Errorf("stage_blocked notifications = %d, want 1", got)
	}

	project, _ := h.engine.GetProject(ctx, p.ID)
	if conf := project.Metadata.StageConfidence["prd"]; conf.Score != 0.8 || conf.Summary != "covers goals" {
		t.Errorf("stage confidence = %+v", conf)
	}

	if _, err := h.engine.Approve(ctx, p.ID, pipeline.StageDesign, "bob"); err != nil {
		t.Fatal(err)
	}
	h.engine.JobFinished(ctx, done)
	if got := h.stage(t, p.ID); got != "design" {
		t.Errorf("stage = %s, want design", got)
	}

	// design is human-in-the-loop: finishing its jobs must not move on.
	jobs, _ = h.queue.Claim(ctx, h.ws.ID, "w1", 10, queue.ClaimOptions{})
	for _, j := range jobs {
		out := map[string]any{"alignment": map[string]any{"score": 0.5}}
		if j.Type != "score_stage_alignment" {
			out = map[string]any{"document": map[string]any{"title": "doc", "content": "doc"}}
		}
		done, err := h.queue.Complete(ctx, j.ID, "w1", out, nil)
		if err != nil {
			t.Fatal(err)
		}
		h.engine.JobFinished(ctx, done)
	}
	if got := h.stage(t, p.ID); got != "design" {
		t.Errorf("left human-in-loop stage: stage = %s", got)
	}
}

func TestJobFinished_IgnoresFailuresAndManual(t *testing.T) {
	h := newHarness(t)
	p := h.newProject(t, pipeline.StageDiscovery, pipeline.DocResearch)
	ctx := context.Background()

	job, err := h.queue.Create(ctx, queue.CreateRequest{WorkspaceID: h.ws.ID, ProjectID: p.ID, Type: pipeline.JobGenerateResearch})
	if err != nil {
		t.Fatal(err)
	}
	h.queue.ClaimByID(ctx, job.ID, "w1")
	done, err := h.queue.Complete(ctx, job.ID, "w1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.engine.JobFinished(ctx, done)
	if got := h.stage(t, p.ID); got != "discovery" {
		t.Errorf("manual workspace advanced: stage = %s", got)
	}

	h.setWorkspace(t, map[string]any{"automation_mode": "auto_all"})
	failed := *done
	failed.Status = queue.StatusFailed
	h.engine.JobFinished(ctx, &failed)
	if got := h.stage(t, p.ID); got != "discovery" {
		t.Errorf("failed job advanced the project: stage = %s", got)
	}
}

func TestRecordAlignment_Invalid(t *testing.T) {
	h := newHarness(t)
	p := h.newProject(t, pipeline.StageDiscovery)

	tests := []struct {
		name   string
		output map[string]any
	}{
		{"missing alignment", map[string]any{}},
		{"score above one", map[string]any{"alignment": map[string]any{"score": 1.5}}},
		{"score not a number", map[string]any{"alignment": map[string]any{"score": "high"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.engine.RecordAlignment(context.Background(), p.ID, tt.output); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := h.engine.RecordAlignment(context.Background(), p.ID, map[string]any{"alignment": map[string]any{"score": 0.25}}); err != nil {
		t.Fatalf("RecordAlignment: %v", err)
	}
	project, _ := h.engine.GetProject(context.Background(), p.ID)
	if conf, ok := project.Metadata.StageConfidence["discovery"]; !ok || conf.Score != 0.25 {
		t.Errorf("stage confidence = %+v, want discovery 0.25", project.Metadata.StageConfidence)
	}
}

func TestApprove_Errors(t *testing.T) {
	h := newHarness(t)
	p := h.newProject(t, pipeline.StageDiscovery)
	ctx := context.Background()

	var perr *PreconditionError
	if _, err := h.engine.Approve(ctx, p.ID, pipeline.StagePRD, ""); !errors.As(err, &perr) {
		t.Errorf("empty approver: error = %v", err)
	}
	var se *StructuralError
	if _, err := h.engine.Approve(ctx, p.ID, pipeline.StageID("launch"), "bob"); !errors.As(err, &se) {
		t.Errorf("unknown stage: error = %v", err)
	}
	if _, err := h.engine.Approve(ctx, "missing", pipeline.StagePRD, "bob"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("unknown project: error = %v", err)
	}
}

func TestCreateProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.engine.CreateProject(ctx, CreateProjectInput{WorkspaceID: h.ws.ID, Name: "  Billing  "}, "alice")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.Stage != "inbox" || p.Status != StatusActive || p.Name != "Billing" || p.Priority != 2 {
		t.Errorf("project = %+v", p)
	}
	hist, _ := h.engine.History(ctx, p.ID)
	if len(hist) != 1 || hist[0].Stage != "inbox" {
		t.Errorf("history = %+v", hist)
	}

	h.setColumn(t, pipeline.StageInbox, map[string]any{"enabled": false})
	p, err = h.engine.CreateProject(ctx, CreateProjectInput{WorkspaceID: h.ws.ID, Name: "Search"}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.Stage != "discovery" {
		t.Errorf("stage = %s, want first enabled stage discovery", p.Stage)
	}

	var se *StructuralError
	if _, err := h.engine.CreateProject(ctx, CreateProjectInput{WorkspaceID: h.ws.ID, Name: "X", Stage: pipeline.StageInbox}, "alice"); !errors.As(err, &se) {
		t.Errorf("disabled stage: error = %v", err)
	}
	if _, err := h.engine.CreateProject(ctx, CreateProjectInput{WorkspaceID: h.ws.ID, Name: " "}, "alice"); err == nil {
		t.Error("expected error for blank name")
	}
	if _, err := h.engine.CreateProject(ctx, CreateProjectInput{WorkspaceID: "missing", Name: "X"}, "alice"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("unknown workspace: error = %v", err)
	}

	list, err := h.engine.ListProjects(ctx, h.ws.ID)
	if err != nil || len(list) != 2 {
		t.Errorf("ListProjects = %d, %v", len(list), err)
	}
}

func TestUpdateStatus(t *testing.T) {
	tests := []struct {
		from, to string
		wantErr  bool
	}{
		{StatusActive, StatusPaused, false},
		{StatusActive, StatusArchived, false},
		{StatusPaused, StatusActive, false},
		{StatusArchived, StatusActive, false},
		{StatusArchived, StatusPaused, true},
		{StatusActive, "deleted", true},
		{StatusPaused, StatusPaused, false},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			h := newHarness(t)
			p := h.newProject(t, pipeline.StageInbox)
			h.db.Model(&models.Project{}).Where("id = ?", p.ID).Update("status", tt.from)

			got, err := h.engine.UpdateStatus(context.Background(), p.ID, tt.to)
			if tt.wantErr {
				var se *StatusError
				if !errors.As(err, &se) {
					t.Errorf("error = %v, want StatusError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}
			if got.Status != tt.to {
				t.Errorf("status = %s, want %s", got.Status, tt.to)
			}
		})
	}
}

func TestEngine_ConcurrentTransitions(t *testing.T) {
	h := newHarness(t)
	p := h.newProject(t, pipeline.StageDiscovery, pipeline.DocResearch)

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.RequestTransition(context.Background(), p.ID, pipeline.StagePRD, "alice")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Errorf("successful transitions = %d, want 1", ok)
	}
	hist, _ := h.engine.History(context.Background(), p.ID)
	if len(hist) != 2 {
		t.Errorf("history entries = %d, want 2", len(hist))
	}
}
