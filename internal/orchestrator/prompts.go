package orchestrator

import (
	"fmt"
	"strings"

	"github.com/basket/agentcom/internal/goal"
	"github.com/basket/agentcom/internal/task"
)

const decomposerSystemPrompt = `You are a planning assistant for a software engineering fleet.
Decompose the goal into between 1 and 10 concrete tasks, each completable
by one engineer in one session. Reply with JSON only:
{"tasks":[{"description":"...","depends_on":[0],"file_paths":["path/in/repo"],"success_criteria":["..."],"complexity_tier":"trivial|standard|complex"}]}
depends_on holds 0-based indices of earlier tasks in your list. Only
reference files that actually exist in the repository listing.`

const verifierSystemPrompt = `You are a verification assistant. Judge whether the completed tasks
satisfy the goal. Reply with JSON only:
{"verdict":"pass"} or {"verdict":"fail","gaps":[{"description":"...","severity":"critical|major|minor"}]}`

const maxPromptFiles = 400

func buildDecompositionPrompt(g goal.Goal, files []string, feedback string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", g.Title)
	if g.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", g.Description)
	}
	if len(g.SuccessCriteria) > 0 {
		sb.WriteString("Success criteria:\n")
		for _, c := range g.SuccessCriteria {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if g.Repo != "" {
		fmt.Fprintf(&sb, "Repository: %s\n", g.Repo)
	}
	if len(files) > 0 {
		shown := files
		if len(shown) > maxPromptFiles {
			shown = shown[:maxPromptFiles]
		}
		fmt.Fprintf(&sb, "Repository files (%d of %d):\n", len(shown), len(files))
		for _, f := range shown {
			fmt.Fprintf(&sb, "  %s\n", f)
		}
	}
	if feedback != "" {
		fmt.Fprintf(&sb, "\nYour previous answer was rejected: %s\nProduce a corrected decomposition.\n", feedback)
	}
	return sb.String()
}

func buildVerificationPrompt(g goal.Goal, tasks []task.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", g.Title)
	if g.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", g.Description)
	}
	if len(g.SuccessCriteria) > 0 {
		sb.WriteString("Success criteria:\n")
		for _, c := range g.SuccessCriteria {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	sb.WriteString("\nTask results:\n")
	for _, t := range tasks {
		fmt.Fprintf(&sb, "- [%s] %s\n", t.Status, t.Description)
		if len(t.Result) > 0 {
			fmt.Fprintf(&sb, "  result: %v\n", t.Result)
		}
		for _, h := range t.FileHints {
			fmt.Fprintf(&sb, "  file: %s\n", h.Path)
		}
	}
	return sb.String()
}
