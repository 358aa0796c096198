package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// UnmarshalYAML decodes a stage entry. An omitted "enabled" key means the
// stage is enabled.
func (s *StageConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain StageConfig
	raw := plain{Enabled: true}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*s = StageConfig(raw)
	return nil
}

// Load reads a pipeline YAML file from path and returns a validated Pipeline.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Pipeline.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("pipeline: parse: %w", err)
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ValidationError lists every problem found in a pipeline definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "pipeline: validation failed: " + strings.Join(e.Problems, "; ")
}

// ApplyDefaults fills in display names and colors left empty.
func (p *Pipeline) ApplyDefaults() {
	for i := range p.Stages {
		s := &p.Stages[i]
		if s.DisplayName == "" {
			s.DisplayName = defaultDisplayName(s.Stage)
		}
		if s.Color == "" {
			s.Color = defaultColors[s.Stage]
		}
	}
}

// Validate checks enum membership, order uniqueness and loop references.
// All violations are reported together.
func (p *Pipeline) Validate() error {
	var errs []string

	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	seenStage := make(map[StageID]bool)
	seenOrder := make(map[int]StageID)
	for i, s := range p.Stages {
		if s.Stage != "" && !s.Stage.Valid() {
			errs = append(errs, fmt.Sprintf("stages[%d]: unknown stage %q", i, s.Stage))
		}
		if seenStage[s.Stage] {
			errs = append(errs, fmt.Sprintf("stages[%d]: duplicate stage %q", i, s.Stage))
		}
		seenStage[s.Stage] = true
		if other, ok := seenOrder[s.Order]; ok {
			errs = append(errs, fmt.Sprintf("stages[%d]: order %d already used by %q", i, s.Order, other))
		} else {
			seenOrder[s.Order] = s.Stage
		}
		for _, j := range s.AutoTriggerJobs {
			if !j.Valid() {
				errs = append(errs, fmt.Sprintf("stages[%d]: unknown job type %q", i, j))
			}
		}
		for _, d := range s.RequiredDocuments {
			if !d.Valid() {
				errs = append(errs, fmt.Sprintf("stages[%d]: unknown document type %q", i, d))
			}
		}
	}

	for i, s := range p.Stages {
		if len(s.Rules.LoopTargets) > 0 && s.Rules.LoopGroupID == "" {
			errs = append(errs, fmt.Sprintf("stages[%d]: loop_targets require loop_group_id", i))
			continue
		}
		for _, t := range s.Rules.LoopTargets {
			target, ok := p.Stage(t)
			if !ok {
				errs = append(errs, fmt.Sprintf("stages[%d]: loop target %q does not exist", i, t))
				continue
			}
			if target.Rules.LoopGroupID != s.Rules.LoopGroupID {
				errs = append(errs, fmt.Sprintf("stages[%d]: loop target %q is not in loop group %q", i, t, s.Rules.LoopGroupID))
			}
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Problems: errs}
	}
	return nil
}

func defaultDisplayName(id StageID) string {
	switch id {
	case StagePRD:
		return "PRD"
	case StageGA:
		return "GA"
	}
	s := string(id)
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
