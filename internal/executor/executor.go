// Package executor defines how jobs are executed. An Executor turns a claimed
// job plus its project context into output; the worker owns claiming,
// retries, validation and persistence.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/pipeline"
)

// ErrRateLimited is returned (possibly wrapped) by an executor whose upstream
// provider refused the call for rate reasons. The job is released, not failed.
var ErrRateLimited = errors.New("executor: rate limited")

// ErrNoExecutor is returned when no executor handles a job type.
var ErrNoExecutor = errors.New("executor: no executor registered")

// Output keys shared by executors, validation and the worker.
const (
	KeyDocument   = "document"
	KeyEvaluation = "evaluation"
	KeyAlignment  = "alignment"
	KeyIssues     = "issues"
	KeyTokensUsed = "tokensUsed"
)

// Request is everything an executor may use to run a job.
type Request struct {
	Job       models.Job
	Project   *models.Project
	Documents []models.Document
}

// Result is the outcome of a successful execution.
type Result struct {
	Output     map[string]any
	TokensUsed int
}

// Executor runs a single job.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req Request) (*Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (*Result, error) { return f(ctx, req) }

// Registry maps job types to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[pipeline.JobType]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[pipeline.JobType]Executor)}
}

// Register sets the executor for the given job types.
func (r *Registry) Register(e Executor, types ...pipeline.JobType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.executors[t] = e
	}
}

// Lookup returns the executor for t.
func (r *Registry) Lookup(t pipeline.JobType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	return e, ok
}

// Types returns the job types that have an executor.
func (r *Registry) Types() []pipeline.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []pipeline.JobType
	for _, t := range pipeline.AllJobTypes() {
		if _, ok := r.executors[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Execute runs req with the executor registered for its job type.
func (r *Registry) Execute(ctx context.Context, req Request) (*Result, error) {
	e, ok := r.Lookup(pipeline.JobType(req.Job.Type))
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoExecutor, req.Job.Type)
	}
	return e.Execute(ctx, req)
}

// DocumentOutput builds the output of a document-producing job.
func DocumentOutput(title, content string, tokens int) map[string]any {
	return map[string]any{
		KeyDocument:   map[string]any{"title": title, "content": content},
		KeyTokensUsed: tokens,
	}
}

// DocumentFromOutput extracts the generated document from job output.
func DocumentFromOutput(output map[string]any) (title, content string, ok bool) {
	doc, _ := output[KeyDocument].(map[string]any)
	if doc == nil {
		return "", "", false
	}
	content, _ = doc["content"].(string)
	title, _ = doc["title"].(string)
	return title, content, content != ""
}

// LatestDocument returns the highest version of typ among docs.
func LatestDocument(docs []models.Document, typ pipeline.DocumentType) (*models.Document, bool) {
	var best *models.Document
	for i := range docs {
		d := &docs[i]
		if d.Type != string(typ) {
			continue
		}
		if best == nil || d.Version > best.Version {
			best = d
		}
	}
	return best, best != nil
}
