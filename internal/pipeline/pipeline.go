package pipeline

import "sort"

// Rules holds the free-form and looping rules attached to a stage.
type Rules struct {
	ContextPaths    []string  `yaml:"context_paths" json:"contextPaths,omitempty"`
	ContextNotes    string    `yaml:"context_notes" json:"contextNotes,omitempty"`
	LoopGroupID     string    `yaml:"loop_group_id" json:"loopGroupId,omitempty"`
	LoopTargets     []StageID `yaml:"loop_targets" json:"loopTargets,omitempty"`
	DependencyNotes string    `yaml:"dependency_notes" json:"dependencyNotes,omitempty"`
}

// StageConfig is a single entry of a workspace pipeline.
type StageConfig struct {
	Stage             StageID        `yaml:"stage" json:"stage" validate:"required"`
	DisplayName       string         `yaml:"display_name" json:"displayName" validate:"required"`
	Color             string         `yaml:"color" json:"color"`
	Order             int            `yaml:"order" json:"order" validate:"gte=0"`
	Enabled           bool           `yaml:"enabled" json:"enabled"`
	AutoTriggerJobs   []JobType      `yaml:"auto_trigger_jobs" json:"autoTriggerJobs"`
	RequiredDocuments []DocumentType `yaml:"required_documents" json:"requiredDocuments"`
	RequiredApprovals int            `yaml:"required_approvals" json:"requiredApprovals" validate:"gte=0"`
	HumanInLoop       bool           `yaml:"human_in_loop" json:"humanInLoop"`
	Rules             Rules          `yaml:"rules" json:"rules"`
}

// Pipeline is the ordered set of stages configured for a workspace.
type Pipeline struct {
	Stages []StageConfig `yaml:"stages" json:"stages" validate:"min=1,dive"`
}

// Stage returns the configuration for id.
func (p *Pipeline) Stage(id StageID) (*StageConfig, bool) {
	for i := range p.Stages {
		if p.Stages[i].Stage == id {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

// Ordered returns the stages sorted by Order.
func (p *Pipeline) Ordered() []StageConfig {
	out := make([]StageConfig, len(p.Stages))
	copy(out, p.Stages)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Next returns the first enabled stage ordered after id. Disabled stages are
// skipped.
func (p *Pipeline) Next(id StageID) (*StageConfig, bool) {
	cur, ok := p.Stage(id)
	if !ok {
		return nil, false
	}
	var best *StageConfig
	for i := range p.Stages {
		s := &p.Stages[i]
		if !s.Enabled || s.Order <= cur.Order {
			continue
		}
		if best == nil || s.Order < best.Order {
			best = s
		}
	}
	return best, best != nil
}

// CanLoop reports whether from may loop back to to: to must be listed in
// from's loop targets and both stages must share a non-empty loop group.
func (p *Pipeline) CanLoop(from, to StageID) bool {
	src, ok := p.Stage(from)
	if !ok || src.Rules.LoopGroupID == "" {
		return false
	}
	dst, ok := p.Stage(to)
	if !ok || dst.Rules.LoopGroupID != src.Rules.LoopGroupID {
		return false
	}
	for _, t := range src.Rules.LoopTargets {
		if t == to {
			return true
		}
	}
	return false
}
