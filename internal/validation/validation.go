// Package validation checks job output according to a workspace's
// validation mode.
package validation

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"github.com/zulandar/stageline/internal/pipeline"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// minContentLength is the length below which light validation flags a
// generated document as suspiciously short.
const minContentLength = 100

// schemaFiles maps job types to the schema their output must satisfy.
// Job types without an entry accept any output.
var schemaFiles = map[pipeline.JobType]string{
	pipeline.JobGenerateResearch:        "document.json",
	pipeline.JobGeneratePRD:             "document.json",
	pipeline.JobGenerateDesignBrief:     "document.json",
	pipeline.JobGenerateEngineeringSpec: "document.json",
	pipeline.JobGenerateGTMBrief:        "document.json",
	pipeline.JobBuildPrototype:          "document.json",
	pipeline.JobGenerateTickets:         "document.json",
	pipeline.JobRunJuryEvaluation:       "jury_evaluation.json",
	pipeline.JobScoreStageAlignment:     "alignment.json",
	pipeline.JobCreateGitHubIssues:      "github_issues.json",
}

// FieldError is a single schema violation.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError reports output that failed schema validation.
type ValidationError struct {
	JobType pipeline.JobType
	Errors  []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return fmt.Sprintf("validation: %s output failed schema: %s", e.JobType, strings.Join(parts, "; "))
}

var (
	schemaMu    sync.Mutex
	schemaCache = map[string]*gojsonschema.Schema{}
)

func loadSchema(name string) (*gojsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[name]; ok {
		return s, nil
	}
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, fmt.Errorf("validation: read schema %s: %w", name, err)
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validation: compile schema %s: %w", name, err)
	}
	schemaCache[name] = s
	return s, nil
}

// Check validates output for jobType under mode. Light mode never fails; it
// returns warnings. Schema mode returns a *ValidationError on violation.
func Check(mode pipeline.ValidationMode, jobType pipeline.JobType, output map[string]any) ([]string, error) {
	switch mode {
	case pipeline.ValidateNone, "":
		return nil, nil
	case pipeline.ValidateLight:
		return light(jobType, output), nil
	case pipeline.ValidateSchema:
		return nil, Schema(jobType, output)
	default:
		return nil, fmt.Errorf("validation: unknown mode %q", mode)
	}
}

// Schema validates output against the JSON schema registered for jobType.
func Schema(jobType pipeline.JobType, output map[string]any) error {
	name, ok := schemaFiles[jobType]
	if !ok {
		return nil
	}
	s, err := loadSchema(name)
	if err != nil {
		return err
	}
	if output == nil {
		output = map[string]any{}
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(output))
	if err != nil {
		return fmt.Errorf("validation: validate %s output: %w", jobType, err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{JobType: jobType}
	for _, re := range result.Errors() {
		verr.Errors = append(verr.Errors, FieldError{Field: re.Field(), Message: re.Description()})
	}
	return verr
}

func light(jobType pipeline.JobType, output map[string]any) []string {
	if len(output) == 0 {
		return []string{"output is empty"}
	}
	var warnings []string
	if _, ok := pipeline.JobDocument(jobType); ok && jobType != pipeline.JobRunJuryEvaluation {
		doc, _ := output["document"].(map[string]any)
		if doc == nil {
			warnings = append(warnings, "output has no document")
		} else {
			content, _ := doc["content"].(string)
			if strings.TrimSpace(content) == "" {
				warnings = append(warnings, "document content is empty")
			} else if len(content) < minContentLength {
				warnings = append(warnings, fmt.Sprintf("document content is short (%d chars)", len(content)))
			}
			if title, _ := doc["title"].(string); title == "" {
				warnings = append(warnings, "document has no title")
			}
		}
	}
	switch jobType {
	case pipeline.JobRunJuryEvaluation:
		eval, _ := output["evaluation"].(map[string]any)
		for _, k := range []string{"approvalRate", "conditionalRate", "rejectionRate"} {
			if eval == nil || eval[k] == nil {
				warnings = append(warnings, "evaluation missing "+k)
			}
		}
	case pipeline.JobScoreStageAlignment:
		if a, _ := output["alignment"].(map[string]any); a == nil || a["score"] == nil {
			warnings = append(warnings, "alignment missing score")
		}
	}
	return warnings
}
