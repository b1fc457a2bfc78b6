package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-claw/internal/core"
	"github.com/basket/go-claw/internal/worker"
)

// DefaultHandlers returns the kind-handler registry: code_review,
// refactor, test_generation, analysis, isolated_execution, and generic
// (the fallback for any unrecognized kind).
func DefaultHandlers() map[core.TaskKind]KindHandler {
	return map[core.TaskKind]KindHandler{
		core.KindCodeReview:        codeReviewHandler,
		core.KindRefactor:          refactorHandler,
		core.KindTestGeneration:    testGenerationHandler,
		core.KindAnalysis:          analysisHandler,
		core.KindIsolatedExecution: isolatedExecutionHandler,
		core.KindGeneric:           genericHandler,
	}
}

func runAndRead(ctx context.Context, w *worker.Wrapper, command string, timeout time.Duration) ([]worker.TaggedLine, error) {
	if err := w.Send(command); err != nil {
		return nil, err
	}
	lines := w.ReadOutput(timeout)
	if len(lines) == 0 {
		return nil, fmt.Errorf("no output from worker for command %q", command)
	}
	return lines, nil
}

func joinLines(lines []worker.TaggedLine) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}

// codeReviewHandler runs `review <basename>` per file, parsing each
// response as JSON when well-formed (falling back to raw text with
// issues=0), and sums issue counts across files.
func codeReviewHandler(ctx context.Context, w *worker.Wrapper, task core.Task) (any, error) {
	perFile := make(map[string]any, len(task.Files))
	totalIssues := 0

	for _, f := range task.Files {
		lines, err := runAndRead(ctx, w, fmt.Sprintf("review %s", filepath.Base(f)), task.Timeout())
		if err != nil {
			return nil, err
		}
		raw := joinLines(lines)

		var parsed map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			perFile[f] = parsed
			if n, ok := parsed["issues"].(float64); ok {
				totalIssues += int(n)
			}
		} else {
			perFile[f] = map[string]any{"output": raw, "issues": 0}
		}
	}

	return map[string]any{"issues": totalIssues, "per_file": perFile}, nil
}

// refactorHandler runs `refactor <files…> [--description '…']` and returns
// the raw worker output.
func refactorHandler(ctx context.Context, w *worker.Wrapper, task core.Task) (any, error) {
	cmd := "refactor " + strings.Join(task.Files, " ")
	if task.Description != "" {
		cmd += fmt.Sprintf(" --description %q", task.Description)
	}
	lines, err := runAndRead(ctx, w, cmd, task.Timeout())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"refactored":     true,
		"files_affected": len(task.Files),
		"output":         joinLines(lines),
	}, nil
}

// testGenerationHandler runs `generate-tests <basename>` per file, parsing
// JSON when well-formed (falling back to raw text with test_count=0), and
// sums test counts across files.
func testGenerationHandler(ctx context.Context, w *worker.Wrapper, task core.Task) (any, error) {
	total := 0
	for _, f := range task.Files {
		lines, err := runAndRead(ctx, w, fmt.Sprintf("generate-tests %s", filepath.Base(f)), task.Timeout())
		if err != nil {
			return nil, err
		}
		raw := joinLines(lines)

		var parsed map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			if n, ok := parsed["test_count"].(float64); ok {
				total += int(n)
			}
		}
	}
	return map[string]any{"test_count": total}, nil
}

// analysisHandler runs `analyze <description>` and returns the raw output.
func analysisHandler(ctx context.Context, w *worker.Wrapper, task core.Task) (any, error) {
	lines, err := runAndRead(ctx, w, fmt.Sprintf("analyze %s", task.Description), task.Timeout())
	if err != nil {
		return nil, err
	}
	return map[string]any{"analysis_type": string(task.Kind), "result": joinLines(lines)}, nil
}

// isolatedExecutionHandler runs each of task.Commands in the workspace
// container, aborting on the first non-zero exit.
func isolatedExecutionHandler(ctx context.Context, w *worker.Wrapper, task core.Task) (any, error) {
	var results []map[string]any
	allSucceeded := true

	for _, cmd := range task.Commands {
		lines, err := runAndRead(ctx, w, cmd, task.Timeout())
		exit := 0
		var stderr string
		if err != nil {
			exit = 1
			stderr = err.Error()
			allSucceeded = false
		}
		results = append(results, map[string]any{
			"cmd":    cmd,
			"exit":   exit,
			"stdout": joinLines(lines),
			"stderr": stderr,
		})
		if exit != 0 {
			break
		}
	}

	return map[string]any{"results": results, "success": allSucceeded}, nil
}

// genericHandler sends task.Description as the command line verbatim and
// returns the raw output.
func genericHandler(ctx context.Context, w *worker.Wrapper, task core.Task) (any, error) {
	lines, err := runAndRead(ctx, w, task.Description, task.Timeout())
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": joinLines(lines)}, nil
}
