package pipeline

import (
	"fmt"
	"strings"
)

// DefaultPlannerPrompt is the default system prompt for the planning step.
const DefaultPlannerPrompt = `You are a senior software engineer planning a code change.

Given a repository, its runtime, and a task description, produce a plan that a
coding agent working in a checkout of the repository will follow.

Return ONLY a JSON object (no other text) in this exact format:

{
  "commitMessage": "Imperative one-line commit message",
  "prTitle": "Short pull request title",
  "prBody": "Pull request description in markdown",
  "planMarkdown": "Step-by-step plan in markdown: files to modify, approach, how to verify"
}

Keep the plan concise and actionable. Focus on WHAT to change and WHY; the
coding agent handles implementation details.`

// docsToolPrompt is appended when the documentation lookup tool is offered.
const docsToolPrompt = `

You may call the docs_lookup tool to consult library documentation. You have
at most %d lookups; use them only when the task depends on an API you are
unsure about.`

// plannerUserPrompt renders the planning request.
func plannerUserPrompt(rc *RepoContext, prompt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Repository\n%s (default branch %s, %s)\n\n", rc.FullName(), rc.DefaultBranch, rc.Kind)
	if rc.Summary != "" {
		b.WriteString(rc.Summary)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "## Task\n%s", prompt)
	return b.String()
}

// EnrichPrompt combines the original task with the plan for the coding agent.
func EnrichPrompt(task, plan string) string {
	var b strings.Builder
	b.WriteString("## Task\n")
	b.WriteString(task)
	if strings.TrimSpace(plan) != "" {
		b.WriteString("\n\n## Plan\n")
		b.WriteString(plan)
	}
	b.WriteString("\n\n## Instructions\nImplement the plan in the repository. Run the project's lint and tests where possible before finishing.")
	return b.String()
}
