package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zulandar/stageline/internal/pipeline"
)

// Generation is the raw text produced by a model call.
type Generation struct {
	Text   string
	Tokens int
}

// TextModel is a language model that turns a prompt into text.
type TextModel interface {
	Generate(ctx context.Context, prompt string, jsonMode bool) (*Generation, error)
}

// GeneratorTypes are the job types a Generator can execute.
var GeneratorTypes = []pipeline.JobType{
	pipeline.JobAnalyzeTranscript,
	pipeline.JobGenerateResearch,
	pipeline.JobGeneratePRD,
	pipeline.JobGenerateDesignBrief,
	pipeline.JobGenerateEngineeringSpec,
	pipeline.JobGenerateGTMBrief,
	pipeline.JobBuildPrototype,
	pipeline.JobRunJuryEvaluation,
	pipeline.JobScoreStageAlignment,
	pipeline.JobGenerateTickets,
	pipeline.JobValidateTickets,
}

// Generator executes generation, evaluation and scoring jobs with a
// TextModel.
type Generator struct {
	model TextModel
}

// NewGenerator creates a Generator backed by model.
func NewGenerator(model TextModel) *Generator {
	return &Generator{model: model}
}

// Execute builds the prompt for the job, calls the model and shapes the
// output for the job type.
func (g *Generator) Execute(ctx context.Context, req Request) (*Result, error) {
	jobType := pipeline.JobType(req.Job.Type)
	prompt, jsonMode, err := buildPrompt(jobType, req)
	if err != nil {
		return nil, err
	}
	gen, err := g.model.Generate(ctx, prompt, jsonMode)
	if err != nil {
		return nil, err
	}

	var output map[string]any
	switch {
	case jobType == pipeline.JobRunJuryEvaluation:
		eval, err := parseJSONObject(gen.Text)
		if err != nil {
			return nil, fmt.Errorf("executor: parse jury evaluation: %w", err)
		}
		output = map[string]any{KeyEvaluation: eval, KeyTokensUsed: gen.Tokens}
		if report, ok := eval["report"].(string); ok && report != "" {
			output[KeyDocument] = map[string]any{"title": "Jury report", "content": report}
		}
	case jobType == pipeline.JobScoreStageAlignment:
		a, err := parseJSONObject(gen.Text)
		if err != nil {
			return nil, fmt.Errorf("executor: parse alignment: %w", err)
		}
		if stage, ok := req.Job.Input["stage"].(string); ok {
			a["stage"] = stage
		}
		output = map[string]any{KeyAlignment: a, KeyTokensUsed: gen.Tokens}
	default:
		if docType, ok := pipeline.JobDocument(jobType); ok {
			output = DocumentOutput(documentTitle(docType, req), gen.Text, gen.Tokens)
		} else {
			output = map[string]any{"summary": gen.Text, KeyTokensUsed: gen.Tokens}
		}
	}
	return &Result{Output: output, TokensUsed: gen.Tokens}, nil
}

func documentTitle(d pipeline.DocumentType, req Request) string {
	name := "project"
	if req.Project != nil && req.Project.Name != "" {
		name = req.Project.Name
	}
	return fmt.Sprintf("%s: %s", name, strings.ReplaceAll(string(d), "_", " "))
}

var jobInstructions = map[pipeline.JobType]string{
	pipeline.JobAnalyzeTranscript:       "Summarize the transcript below into the problem, the affected users, and the evidence offered.",
	pipeline.JobGenerateResearch:        "Write a research document: user problems, existing alternatives, market signals and open questions.",
	pipeline.JobGeneratePRD:             "Write a product requirements document with goals, non-goals, user stories and success metrics.",
	pipeline.JobGenerateDesignBrief:     "Write a design brief covering user flows, key screens and interaction principles.",
	pipeline.JobGenerateEngineeringSpec: "Write an engineering specification: architecture, data model, interfaces and risks.",
	pipeline.JobGenerateGTMBrief:        "Write a go-to-market brief: audience, positioning, launch plan and channels.",
	pipeline.JobBuildPrototype:          "Describe a clickable prototype for this product: screens, states and the happy path. Output prototype notes.",
	pipeline.JobGenerateTickets:         "Break the work into engineering tickets. Start each ticket with a line \"## <title>\" followed by its description and acceptance criteria.",
	pipeline.JobValidateTickets:         "Review the tickets below for gaps, duplicates and missing acceptance criteria. List the problems found.",
	pipeline.JobRunJuryEvaluation: `Act as the synthetic jury described below and evaluate the product.
Respond with a JSON object: {"approvalRate": number 0-1, "conditionalRate": number 0-1,
"rejectionRate": number 0-1, "verdict": "pass"|"fail"|"conditional",
"topConcerns": [string], "topSuggestions": [string], "report": string}.
The three rates must not sum to more than 1. List at most 10 concerns and 10 suggestions.`,
	pipeline.JobScoreStageAlignment: `Score how well the project's documents satisfy the stage named below.
Respond with a JSON object: {"score": number 0-1, "summary": string}.`,
}

func buildPrompt(jobType pipeline.JobType, req Request) (string, bool, error) {
	instr, ok := jobInstructions[jobType]
	if !ok {
		return "", false, fmt.Errorf("%w for %s", ErrNoExecutor, jobType)
	}
	var b strings.Builder
	b.WriteString(instr)
	b.WriteString("\n\n")
	if req.Project != nil {
		fmt.Fprintf(&b, "Project: %s (stage %s)\n", req.Project.Name, req.Project.Stage)
	}
	if len(req.Job.Input) > 0 {
		in, _ := json.Marshal(req.Job.Input)
		fmt.Fprintf(&b, "Job input: %s\n", in)
	}
	for _, d := range req.Documents {
		fmt.Fprintf(&b, "\n--- %s (v%d) ---\n%s\n", d.Type, d.Version, d.Content)
	}
	jsonMode := jobType == pipeline.JobRunJuryEvaluation || jobType == pipeline.JobScoreStageAlignment
	return b.String(), jsonMode, nil
}

// parseJSONObject decodes model output into a JSON object, tolerating a
// markdown code fence around it.
func parseJSONObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return nil, err
	}
	return out, nil
}
