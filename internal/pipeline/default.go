package pipeline

// LoopGroupIterate is the loop group of the default pipeline: a project in
// validate may be sent back to prototype, design or prd.
const LoopGroupIterate = "iterate"

var defaultColors = map[StageID]string{
	StageInbox:     "#9e9e9e",
	StageDiscovery: "#2196f3",
	StagePRD:       "#3f51b5",
	StageDesign:    "#9c27b0",
	StagePrototype: "#e91e63",
	StageValidate:  "#ff9800",
	StageTickets:   "#795548",
	StageBuild:     "#607d8b",
	StageAlpha:     "#009688",
	StageBeta:      "#4caf50",
	StageGA:        "#36a64f",
}

// Default returns the canonical eleven-stage pipeline.
func Default() *Pipeline {
	iterate := func(targets ...StageID) Rules {
		return Rules{LoopGroupID: LoopGroupIterate, LoopTargets: targets}
	}
	p := &Pipeline{Stages: []StageConfig{
		{Stage: StageInbox, Order: 0, AutoTriggerJobs: []JobType{JobAnalyzeTranscript}},
		{Stage: StageDiscovery, Order: 1, AutoTriggerJobs: []JobType{JobGenerateResearch},
			Rules: Rules{ContextPaths: []string{"research/"}}},
		{Stage: StagePRD, Order: 2, AutoTriggerJobs: []JobType{JobGeneratePRD},
			RequiredDocuments: []DocumentType{DocResearch}, Rules: iterate()},
		{Stage: StageDesign, Order: 3,
			AutoTriggerJobs:   []JobType{JobGenerateDesignBrief, JobGenerateEngineeringSpec},
			RequiredDocuments: []DocumentType{DocPRD}, RequiredApprovals: 1, HumanInLoop: true,
			Rules: iterate()},
		{Stage: StagePrototype, Order: 4, AutoTriggerJobs: []JobType{JobBuildPrototype},
			RequiredDocuments: []DocumentType{DocDesignBrief}, Rules: iterate(StageDesign)},
		{Stage: StageValidate, Order: 5, AutoTriggerJobs: []JobType{JobRunJuryEvaluation},
			RequiredDocuments: []DocumentType{DocPrototypeNotes},
			Rules:             iterate(StagePrototype, StageDesign, StagePRD)},
		{Stage: StageTickets, Order: 6, AutoTriggerJobs: []JobType{JobGenerateTickets, JobValidateTickets},
			RequiredDocuments: []DocumentType{DocJuryReport}, RequiredApprovals: 1},
		{Stage: StageBuild, Order: 7, AutoTriggerJobs: []JobType{JobCreateGitHubIssues},
			RequiredDocuments: []DocumentType{DocTickets}},
		{Stage: StageAlpha, Order: 8, AutoTriggerJobs: []JobType{JobDeployPreview}},
		{Stage: StageBeta, Order: 9},
		{Stage: StageGA, Order: 10, AutoTriggerJobs: []JobType{JobGenerateGTMBrief}, HumanInLoop: true},
	}}
	for i := range p.Stages {
		p.Stages[i].Enabled = true
	}
	p.ApplyDefaults()
	return p
}
