package ensemble

import "fmt"

// Role identifies the specialist persona a worker runs as. Each role has a
// default system prompt; the prompt can be overridden per engine.
type Role string

const (
	RoleAnalyst   Role = "analyst"
	RoleDeveloper Role = "developer"
	RoleTester    Role = "tester"
	RoleOperator  Role = "operator"
	RoleWriter    Role = "writer"
)

// Roles lists all built-in roles in a stable order.
var Roles = []Role{RoleAnalyst, RoleDeveloper, RoleTester, RoleOperator, RoleWriter}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", &ErrValidation{Message: fmt.Sprintf("unknown role %q", s)}
}

// Operation names what a task asks its role to do. The operation selects
// the task-specific instruction appended to the role's system prompt.
type Operation string

const (
	OpAnalyze      Operation = "analyze"
	OpGather       Operation = "gather"
	OpDesign       Operation = "design"
	OpImplement    Operation = "implement"
	OpFix          Operation = "fix"
	OpTest         Operation = "test"
	OpRegress      Operation = "regress"
	OpInfra        Operation = "infra"
	OpOperational  Operation = "operational"
	OpTechnical    Operation = "technical"
	OpDocument     Operation = "document"
	OpReleaseNotes Operation = "release_notes"
	OpDraft        Operation = "draft"
	OpReview       Operation = "review"
	OpSummarize    Operation = "summarize"
)

// DefaultSystemPrompt returns the built-in persona prompt for a role.
func DefaultSystemPrompt(r Role) string {
	switch r {
	case RoleAnalyst:
		return "You are a senior business analyst. You turn raw requirements into " +
			"precise, testable specifications. You identify stakeholders, constraints, " +
			"acceptance criteria, and risks. You ask no questions; when information is " +
			"missing you state your assumption explicitly. Structure your output in " +
			"markdown with clear sections."
	case RoleDeveloper:
		return "You are a senior software developer. You design and implement clean, " +
			"working code that satisfies the given specification. Emit every file as a " +
			"fenced code block preceded by a 'File: <path>' line with a relative path. " +
			"Prefer small, focused files. Include error handling and note any " +
			"trade-offs you made."
	case RoleTester:
		return "You are a QA engineer. You write thorough automated tests for the " +
			"code you are given: happy paths, edge cases, and failure modes. Emit " +
			"every test file as a fenced code block preceded by a 'File: <path>' line. " +
			"Summarize coverage gaps you could not address."
	case RoleOperator:
		return "You are a DevOps engineer. You produce deployment and infrastructure " +
			"configuration: containers, CI pipelines, runtime manifests, and " +
			"operational runbooks. Emit every file as a fenced code block preceded by " +
			"a 'File: <path>' line. Call out secrets handling and resource sizing " +
			"assumptions."
	case RoleWriter:
		return "You are a technical writer. You produce clear, accurate documentation " +
			"from the material you are given: READMEs, API references, release notes, " +
			"and summaries. Emit standalone documents as fenced code blocks preceded " +
			"by a 'File: <path>' line. Write for a reader who has not seen the rest " +
			"of the project."
	}
	return ""
}

// operationInstruction is the task-level instruction appended after the
// persona prompt for a given operation.
func operationInstruction(op Operation) string {
	switch op {
	case OpAnalyze:
		return "Analyze the requirement. Produce a structured specification with scope, acceptance criteria, assumptions, and risks."
	case OpGather:
		return "Gather and organize the relevant facts from the requirement and context. List what is known, what is assumed, and what is out of scope."
	case OpDesign:
		return "Design the solution. Describe the architecture, the components and their responsibilities, and the data flow."
	case OpImplement:
		return "Implement the solution as working code files."
	case OpFix:
		return "Diagnose the defect described in the requirement and implement the fix as code files. Explain the root cause first."
	case OpTest:
		return "Write automated tests for the implementation produced upstream."
	case OpRegress:
		return "Write a regression test that reproduces the original defect and verifies the fix."
	case OpInfra:
		return "Produce the deployment configuration and infrastructure files for the implementation."
	case OpOperational:
		return "Assess the operational implications: deployment, scaling, monitoring, and failure handling."
	case OpTechnical:
		return "Assess the technical implications: feasibility, complexity, dependencies, and risks."
	case OpDocument:
		return "Write the project documentation covering what was built, how to run it, and how to test it."
	case OpReleaseNotes:
		return "Write release notes for the change: what was broken, what was fixed, and any impact on users."
	case OpDraft:
		return "Draft the requested document in full."
	case OpReview:
		return "Review the draft produced upstream. Correct errors, tighten the prose, and emit the final version."
	case OpSummarize:
		return "Summarize the findings from all upstream outputs into a single executive summary."
	}
	return ""
}
