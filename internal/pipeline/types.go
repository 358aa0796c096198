// Package pipeline defines the stage pipeline of a workspace: the closed set of
// stages, job types and document types, plus the per-stage configuration that
// drives the workflow engine.
package pipeline

import "fmt"

// StageID identifies a pipeline stage.
type StageID string

const (
	StageInbox     StageID = "inbox"
	StageDiscovery StageID = "discovery"
	StagePRD       StageID = "prd"
	StageDesign    StageID = "design"
	StagePrototype StageID = "prototype"
	StageValidate  StageID = "validate"
	StageTickets   StageID = "tickets"
	StageBuild     StageID = "build"
	StageAlpha     StageID = "alpha"
	StageBeta      StageID = "beta"
	StageGA        StageID = "ga"
)

var allStages = []StageID{
	StageInbox, StageDiscovery, StagePRD, StageDesign, StagePrototype,
	StageValidate, StageTickets, StageBuild, StageAlpha, StageBeta, StageGA,
}

// AllStages returns every known stage in canonical order.
func AllStages() []StageID {
	out := make([]StageID, len(allStages))
	copy(out, allStages)
	return out
}

// Valid reports whether s is a known stage.
func (s StageID) Valid() bool {
	for _, k := range allStages {
		if s == k {
			return true
		}
	}
	return false
}

// ParseStageID converts a raw string to a StageID, rejecting unknown values.
func ParseStageID(s string) (StageID, error) {
	id := StageID(s)
	if !id.Valid() {
		return "", fmt.Errorf("pipeline: unknown stage %q", s)
	}
	return id, nil
}

// JobType identifies a generation, evaluation or deployment action.
type JobType string

const (
	JobAnalyzeTranscript       JobType = "analyze_transcript"
	JobGenerateResearch        JobType = "generate_research"
	JobGeneratePRD             JobType = "generate_prd"
	JobGenerateDesignBrief     JobType = "generate_design_brief"
	JobGenerateEngineeringSpec JobType = "generate_engineering_spec"
	JobGenerateGTMBrief        JobType = "generate_gtm_brief"
	JobBuildPrototype          JobType = "build_prototype"
	JobRunJuryEvaluation       JobType = "run_jury_evaluation"
	JobScoreStageAlignment     JobType = "score_stage_alignment"
	JobGenerateTickets         JobType = "generate_tickets"
	JobValidateTickets         JobType = "validate_tickets"
	JobCreateGitHubIssues      JobType = "create_github_issues"
	JobDeployPreview           JobType = "deploy_preview"
)

var allJobTypes = []JobType{
	JobAnalyzeTranscript, JobGenerateResearch, JobGeneratePRD, JobGenerateDesignBrief,
	JobGenerateEngineeringSpec, JobGenerateGTMBrief, JobBuildPrototype, JobRunJuryEvaluation,
	JobScoreStageAlignment, JobGenerateTickets, JobValidateTickets, JobCreateGitHubIssues,
	JobDeployPreview,
}

// AllJobTypes returns every known job type.
func AllJobTypes() []JobType {
	out := make([]JobType, len(allJobTypes))
	copy(out, allJobTypes)
	return out
}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	for _, k := range allJobTypes {
		if t == k {
			return true
		}
	}
	return false
}

// ParseJobType converts a raw string to a JobType, rejecting unknown values.
func ParseJobType(s string) (JobType, error) {
	t := JobType(s)
	if !t.Valid() {
		return "", fmt.Errorf("pipeline: unknown job type %q", s)
	}
	return t, nil
}

// DocumentType identifies the kind of document a project accumulates.
type DocumentType string

const (
	DocTranscript      DocumentType = "transcript"
	DocResearch        DocumentType = "research"
	DocPRD             DocumentType = "prd"
	DocDesignBrief     DocumentType = "design_brief"
	DocEngineeringSpec DocumentType = "engineering_spec"
	DocGTMBrief        DocumentType = "gtm_brief"
	DocPrototypeNotes  DocumentType = "prototype_notes"
	DocJuryReport      DocumentType = "jury_report"
	DocTickets         DocumentType = "tickets"
)

// documentStageMap maps each document type to the stage it is scored against.
var documentStageMap = map[DocumentType]StageID{
	DocTranscript:      StageInbox,
	DocResearch:        StageDiscovery,
	DocPRD:             StagePRD,
	DocDesignBrief:     StageDesign,
	DocEngineeringSpec: StageDesign,
	DocPrototypeNotes:  StagePrototype,
	DocJuryReport:      StageValidate,
	DocTickets:         StageTickets,
	DocGTMBrief:        StageGA,
}

// Valid reports whether d is a known document type.
func (d DocumentType) Valid() bool {
	_, ok := documentStageMap[d]
	return ok
}

// ParseDocumentType converts a raw string to a DocumentType, rejecting unknown values.
func ParseDocumentType(s string) (DocumentType, error) {
	d := DocumentType(s)
	if !d.Valid() {
		return "", fmt.Errorf("pipeline: unknown document type %q", s)
	}
	return d, nil
}

// DocumentStage returns the stage a document type is aligned with.
func DocumentStage(d DocumentType) (StageID, bool) {
	s, ok := documentStageMap[d]
	return s, ok
}

// Phase is the subject of an iteration loop.
type Phase string

const (
	PhaseResearch  Phase = "research"
	PhasePRD       Phase = "prd"
	PhasePrototype Phase = "prototype"
)

// Valid reports whether p is a known iteration phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseResearch, PhasePRD, PhasePrototype:
		return true
	}
	return false
}

// AutomationMode controls how much of the pipeline runs without a human.
type AutomationMode string

const (
	AutomationManual      AutomationMode = "manual"
	AutomationAutoToStage AutomationMode = "auto_to_stage"
	AutomationAutoAll     AutomationMode = "auto_all"
)

// Valid reports whether m is a known automation mode.
func (m AutomationMode) Valid() bool {
	switch m {
	case AutomationManual, AutomationAutoToStage, AutomationAutoAll:
		return true
	}
	return false
}

// ExecutionMode selects who executes AI jobs.
type ExecutionMode string

const (
	ExecServer ExecutionMode = "server"
	ExecCursor ExecutionMode = "cursor"
	ExecHybrid ExecutionMode = "hybrid"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ExecServer, ExecCursor, ExecHybrid:
		return true
	}
	return false
}

// ValidationMode selects how strictly job output is checked.
type ValidationMode string

const (
	ValidateNone   ValidationMode = "none"
	ValidateLight  ValidationMode = "light"
	ValidateSchema ValidationMode = "schema"
)

// Valid reports whether m is a known validation mode.
func (m ValidationMode) Valid() bool {
	switch m {
	case ValidateNone, ValidateLight, ValidateSchema:
		return true
	}
	return false
}

// NotifyAlways is the automationNotifyStage value that notifies on every stage.
const NotifyAlways = "always"

// jobDocuments maps generation jobs to the document type they produce.
var jobDocuments = map[JobType]DocumentType{
	JobGenerateResearch:        DocResearch,
	JobGeneratePRD:             DocPRD,
	JobGenerateDesignBrief:     DocDesignBrief,
	JobGenerateEngineeringSpec: DocEngineeringSpec,
	JobGenerateGTMBrief:        DocGTMBrief,
	JobBuildPrototype:          DocPrototypeNotes,
	JobRunJuryEvaluation:       DocJuryReport,
	JobGenerateTickets:         DocTickets,
}

// JobDocument returns the document type a job produces, if any.
func JobDocument(t JobType) (DocumentType, bool) {
	d, ok := jobDocuments[t]
	return d, ok
}
