package ensemble

import "fmt"

// WorkflowType selects one of the built-in task graph templates.
type WorkflowType string

const (
	WorkflowFeatureDevelopment WorkflowType = "feature_development"
	WorkflowBugFix             WorkflowType = "bug_fix"
	WorkflowInfrastructure     WorkflowType = "infrastructure"
	WorkflowDocumentation      WorkflowType = "documentation"
	WorkflowAnalysis           WorkflowType = "analysis"
)

// WorkflowTypes lists the built-in workflow types in a stable order.
var WorkflowTypes = []WorkflowType{
	WorkflowFeatureDevelopment,
	WorkflowBugFix,
	WorkflowInfrastructure,
	WorkflowDocumentation,
	WorkflowAnalysis,
}

// ParseWorkflowType validates a workflow type name.
func ParseWorkflowType(s string) (WorkflowType, error) {
	wt := WorkflowType(s)
	for _, known := range WorkflowTypes {
		if wt == known {
			return wt, nil
		}
	}
	return "", &ErrValidation{Message: fmt.Sprintf("unknown workflow type %q", s)}
}

// RouteFunc inspects a finished task and returns the ids of downstream
// tasks to skip. Routes fire only on COMPLETED tasks; failures are handled
// by dependency propagation.
type RouteFunc func(res TaskResult, st *WorkflowState) []string

// taskSpec is one node of a workflow template.
type taskSpec struct {
	id            string
	role          Role
	op            Operation
	after         []string
	optionalAfter []string
}

type workflowTemplate struct {
	tasks  []taskSpec
	routes map[string]RouteFunc
}

// skipVerificationWhenNothingBuilt skips the verification steps when the
// implementation produced no files: there is nothing to test or deploy.
func skipVerificationWhenNothingBuilt(targets ...string) RouteFunc {
	return func(res TaskResult, _ *WorkflowState) []string {
		if len(res.FilesWritten) == 0 {
			return targets
		}
		return nil
	}
}

var templates = map[WorkflowType]workflowTemplate{
	WorkflowFeatureDevelopment: {
		tasks: []taskSpec{
			{id: "analyze", role: RoleAnalyst, op: OpAnalyze},
			{id: "design", role: RoleDeveloper, op: OpDesign, after: []string{"analyze"}},
			{id: "implement", role: RoleDeveloper, op: OpImplement, after: []string{"design"}},
			{id: "test", role: RoleTester, op: OpTest, after: []string{"implement"}},
			{id: "infra", role: RoleOperator, op: OpInfra, after: []string{"implement"}},
			// Documentation is written even when implementation or
			// verification fails; a failed run gets a failure writeup.
			{id: "document", role: RoleWriter, op: OpDocument, optionalAfter: []string{"implement", "test", "infra"}},
		},
		routes: map[string]RouteFunc{
			"implement": skipVerificationWhenNothingBuilt("test", "infra"),
		},
	},
	WorkflowBugFix: {
		tasks: []taskSpec{
			{id: "analyze", role: RoleAnalyst, op: OpAnalyze},
			{id: "fix", role: RoleDeveloper, op: OpFix, after: []string{"analyze"}},
			{id: "regress", role: RoleTester, op: OpRegress, after: []string{"fix"}},
			{id: "release_notes", role: RoleWriter, op: OpReleaseNotes, after: []string{"fix"}, optionalAfter: []string{"regress"}},
		},
		routes: map[string]RouteFunc{
			"fix": skipVerificationWhenNothingBuilt("regress"),
		},
	},
	WorkflowInfrastructure: {
		tasks: []taskSpec{
			{id: "design", role: RoleOperator, op: OpDesign},
			{id: "implement", role: RoleOperator, op: OpImplement, after: []string{"design"}},
			{id: "test", role: RoleTester, op: OpTest, after: []string{"implement"}},
			{id: "document", role: RoleWriter, op: OpDocument, optionalAfter: []string{"implement", "test"}},
		},
		routes: map[string]RouteFunc{
			"implement": skipVerificationWhenNothingBuilt("test"),
		},
	},
	WorkflowDocumentation: {
		tasks: []taskSpec{
			{id: "gather", role: RoleAnalyst, op: OpGather},
			{id: "draft", role: RoleWriter, op: OpDraft, after: []string{"gather"}},
			{id: "review", role: RoleWriter, op: OpReview, after: []string{"draft"}},
		},
	},
	WorkflowAnalysis: {
		tasks: []taskSpec{
			{id: "gather", role: RoleAnalyst, op: OpGather},
			{id: "technical", role: RoleDeveloper, op: OpTechnical, after: []string{"gather"}},
			{id: "operational", role: RoleOperator, op: OpOperational, after: []string{"gather"}},
			{id: "summarize", role: RoleWriter, op: OpSummarize, after: []string{"technical", "operational"}},
		},
	},
}

// Instantiate builds the task graph and routing table for a workflow type.
// Tasks whose role is disabled are spliced out: their dependents inherit
// their dependencies, so the graph stays connected.
func Instantiate(wt WorkflowType, disabled map[Role]bool) (*TaskGraph, map[string]RouteFunc, error) {
	tpl, ok := templates[wt]
	if !ok {
		return nil, nil, &ErrValidation{Message: fmt.Sprintf("unknown workflow type %q", wt)}
	}

	specs := make(map[string]taskSpec, len(tpl.tasks))
	for _, ts := range tpl.tasks {
		specs[ts.id] = ts
	}
	removed := func(id string) bool { return disabled[specs[id].role] }

	// resolve follows edges through removed tasks to the nearest kept
	// ancestors.
	var resolve func(id string, seen map[string]bool) []string
	resolve = func(id string, seen map[string]bool) []string {
		if seen[id] {
			return nil
		}
		seen[id] = true
		if !removed(id) {
			return []string{id}
		}
		var out []string
		for _, dep := range append(append([]string{}, specs[id].after...), specs[id].optionalAfter...) {
			out = append(out, resolve(dep, seen)...)
		}
		return out
	}

	g := NewTaskGraph()
	for _, ts := range tpl.tasks {
		if removed(ts.id) {
			continue
		}
		if err := g.AddTask(Task{ID: ts.id, Role: ts.role, Op: ts.op, Prompt: operationInstruction(ts.op)}); err != nil {
			return nil, nil, err
		}
	}
	for _, ts := range tpl.tasks {
		if removed(ts.id) {
			continue
		}
		// Splicing can route two template edges to the same kept ancestor;
		// each resolved edge is added once.
		added := map[string]bool{}
		for _, dep := range ts.after {
			for _, r := range resolve(dep, map[string]bool{ts.id: true}) {
				if !added[r] {
					added[r] = true
					g.DependOn(ts.id, r)
				}
			}
		}
		for _, dep := range ts.optionalAfter {
			for _, r := range resolve(dep, map[string]bool{ts.id: true}) {
				if !added[r] {
					added[r] = true
					g.OptionallyAfter(ts.id, r)
				}
			}
		}
	}
	if err := g.Validate(); err != nil {
		return nil, nil, err
	}

	routes := make(map[string]RouteFunc)
	for id, fn := range tpl.routes {
		if removed(id) {
			continue
		}
		routes[id] = fn
	}
	return g, routes, nil
}
