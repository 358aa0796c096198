package workspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/pipeline"
)

// InputError reports invalid settings or column values.
type InputError struct {
	Problems []string
}

func (e *InputError) Error() string {
	return "workspace: invalid input: " + strings.Join(e.Problems, "; ")
}

// Settings is a partial update of workspace settings. Nil fields are left
// unchanged.
type Settings struct {
	Name                        *string `json:"name"`
	AutomationMode              *string `json:"automationMode"`
	AutomationStopStage         *string `json:"automationStopStage"`
	AutomationNotifyStage       *string `json:"automationNotifyStage"`
	AIExecutionMode             *string `json:"aiExecutionMode"`
	AIValidationMode            *string `json:"aiValidationMode"`
	AIFallbackAfterMinutes      *int    `json:"aiFallbackAfterMinutes"`
	WorkerEnabled               *bool   `json:"workerEnabled"`
	WorkerMaxConcurrency        *int    `json:"workerMaxConcurrency"`
	BrowserNotificationsEnabled *bool   `json:"browserNotificationsEnabled"`
	NotifyOnJobComplete         *bool   `json:"notifyOnJobComplete"`
	NotifyOnJobFailed           *bool   `json:"notifyOnJobFailed"`
	NotifyOnApprovalRequired    *bool   `json:"notifyOnApprovalRequired"`
}

// columns returns the column updates described by st, or the validation
// problems found.
func (st Settings) columns() (map[string]any, []string) {
	up := make(map[string]any)
	var problems []string

	if st.Name != nil {
		if *st.Name == "" {
			problems = append(problems, "name must not be empty")
		}
		up["name"] = *st.Name
	}
	if st.AutomationMode != nil {
		if !pipeline.AutomationMode(*st.AutomationMode).Valid() {
			problems = append(problems, fmt.Sprintf("unknown automationMode %q", *st.AutomationMode))
		}
		up["automation_mode"] = *st.AutomationMode
	}
	if st.AutomationStopStage != nil {
		if *st.AutomationStopStage != "" && !pipeline.StageID(*st.AutomationStopStage).Valid() {
			problems = append(problems, fmt.Sprintf("unknown automationStopStage %q", *st.AutomationStopStage))
		}
		up["automation_stop_stage"] = *st.AutomationStopStage
	}
	if st.AutomationNotifyStage != nil {
		v := *st.AutomationNotifyStage
		if v != pipeline.NotifyAlways && !pipeline.StageID(v).Valid() {
			problems = append(problems, fmt.Sprintf("automationNotifyStage %q must be a stage or %q", v, pipeline.NotifyAlways))
		}
		up["automation_notify_stage"] = v
	}
	if st.AIExecutionMode != nil {
		if !pipeline.ExecutionMode(*st.AIExecutionMode).Valid() {
			problems = append(problems, fmt.Sprintf("unknown aiExecutionMode %q", *st.AIExecutionMode))
		}
		up["ai_execution_mode"] = *st.AIExecutionMode
	}
	if st.AIValidationMode != nil {
		if !pipeline.ValidationMode(*st.AIValidationMode).Valid() {
			problems = append(problems, fmt.Sprintf("unknown aiValidationMode %q", *st.AIValidationMode))
		}
		up["ai_validation_mode"] = *st.AIValidationMode
	}
	if st.AIFallbackAfterMinutes != nil {
		if *st.AIFallbackAfterMinutes < 1 {
			problems = append(problems, "aiFallbackAfterMinutes must be at least 1")
		}
		up["ai_fallback_after_minutes"] = *st.AIFallbackAfterMinutes
	}
	if st.WorkerMaxConcurrency != nil {
		if *st.WorkerMaxConcurrency < 1 {
			problems = append(problems, "workerMaxConcurrency must be at least 1")
		}
		up["worker_max_concurrency"] = *st.WorkerMaxConcurrency
	}
	for col, v := range map[string]*bool{
		"worker_enabled":                st.WorkerEnabled,
		"browser_notifications_enabled": st.BrowserNotificationsEnabled,
		"notify_on_job_complete":        st.NotifyOnJobComplete,
		"notify_on_job_failed":          st.NotifyOnJobFailed,
		"notify_on_approval_required":   st.NotifyOnApprovalRequired,
	} {
		if v != nil {
			up[col] = *v
		}
	}
	return up, problems
}

// UpdateSettings applies a partial settings update and returns the stored
// workspace.
func (s *Service) UpdateSettings(ctx context.Context, id string, st Settings) (*models.Workspace, error) {
	up, problems := st.columns()
	if len(problems) > 0 {
		return nil, &InputError{Problems: problems}
	}
	ws, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(up) == 0 {
		return ws, nil
	}
	if err := s.db.WithContext(ctx).Model(ws).Updates(up).Error; err != nil {
		return nil, fmt.Errorf("workspace: update settings %s: %w", id, err)
	}
	s.log.Info("workspace settings updated", "workspace", id, "fields", len(up))
	return s.Get(ctx, id)
}
