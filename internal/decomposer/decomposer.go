// Package decomposer scores a Task's complexity and, for tasks worth
// splitting, emits an ordered, kind-specific subtask DAG.
package decomposer

import (
	"fmt"
	"strings"

	"github.com/basket/go-claw/internal/core"
)

// Bucket is the complexity classification a ComplexityAnalysis resolves to.
type Bucket string

const (
	BucketSimple      Bucket = "simple"
	BucketModerate    Bucket = "moderate"
	BucketComplex     Bucket = "complex"
	BucketVeryComplex Bucket = "very_complex"
)

// ComplexityAnalysis is the weighted-factor scoring result for one Task.
type ComplexityAnalysis struct {
	DescriptionScore float64
	FileScore        float64
	KeywordScore     float64
	KindScore        float64
	ParallelScore    float64
	Overall          float64
	Bucket           Bucket
	SuggestedAgents  int
}

// SubtaskDefinition is one node in the DAG a decomposition rule emits.
type SubtaskDefinition struct {
	Kind             core.TaskKind
	Description      string
	Dependencies     []int // indices into the same subtask list
	EstimatedMinutes float64
	Priority         int
	RequiredSkills   []string
}

var keywordLevels = []struct {
	bucket   Bucket
	score    float64
	keywords []string
}{
	{BucketVeryComplex, 1.0, []string{"architecture", "redesign", "migrate", "rewrite", "overhaul"}},
	{BucketComplex, 0.7, []string{"refactor", "integrate", "optimize", "security"}},
	{BucketModerate, 0.4, []string{"update", "fix", "improve", "review"}},
	{BucketSimple, 0.2, []string{"add", "rename", "format", "comment"}},
}

var kindBaseScore = map[core.TaskKind]float64{
	core.KindGeneric:           0.3,
	core.KindCodeReview:        0.4,
	core.KindAnalysis:          0.4,
	core.KindTestGeneration:    0.5,
	core.KindRefactor:          0.7,
	core.KindIsolatedExecution: 0.3,
}

var parallelBoostKeywords = []string{"each", "all", "multiple"}
var parallelPenaltyKeywords = []string{"then", "after", "sequentially"}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func containsAny(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// Analyze scores task's complexity against a weighted-factor table.
func Analyze(task core.Task) ComplexityAnalysis {
	words := len(strings.Fields(task.Description))
	descScore := clamp01(float64(words) / 50.0)

	fileScore := clamp01(float64(len(task.Files)) / 10.0)

	keywordScore := 0.0
	for _, lvl := range keywordLevels {
		if containsAny(task.Description, lvl.keywords) && lvl.score > keywordScore {
			keywordScore = lvl.score
		}
	}

	kindScore := kindBaseScore[task.Kind]
	if kindScore == 0 {
		kindScore = 0.3
	}

	parallelScore := 0.5
	if len(task.Files) > 1 {
		parallelScore += 0.2
	}
	if containsAny(task.Description, parallelBoostKeywords) {
		parallelScore += 0.2
	}
	if containsAny(task.Description, parallelPenaltyKeywords) {
		parallelScore -= 0.3
	}
	parallelScore = clamp01(parallelScore)

	overall := 0.15*descScore + 0.25*fileScore + 0.25*keywordScore + 0.25*kindScore + 0.10*parallelScore

	var bucket Bucket
	var agents int
	switch {
	case overall < 0.3:
		bucket, agents = BucketSimple, 1
	case overall < 0.5:
		bucket, agents = BucketModerate, 2
	case overall < 0.7:
		bucket, agents = BucketComplex, 3
	default:
		bucket, agents = BucketVeryComplex, 5
	}

	return ComplexityAnalysis{
		DescriptionScore: descScore,
		FileScore:        fileScore,
		KeywordScore:     keywordScore,
		KindScore:        kindScore,
		ParallelScore:    parallelScore,
		Overall:          overall,
		Bucket:           bucket,
		SuggestedAgents:  agents,
	}
}

// Decompose analyzes task then emits its kind-specific subtask DAG,
// post-processed to minimize dependencies when parallel-friendly, or left
// as a sequential chain otherwise.
func Decompose(task core.Task) (ComplexityAnalysis, []SubtaskDefinition) {
	analysis := Analyze(task)
	subtasks := decomposeByKind(task, analysis)
	postProcess(subtasks, analysis)
	return analysis, subtasks
}

func decomposeByKind(task core.Task, analysis ComplexityAnalysis) []SubtaskDefinition {
	switch task.Kind {
	case core.KindRefactor:
		return []SubtaskDefinition{
			{Kind: core.KindAnalysis, Description: "analyze " + task.Description, Priority: task.Priority, EstimatedMinutes: 10},
			{Kind: core.KindTestGeneration, Description: "generate tests for " + task.Description, Priority: task.Priority, EstimatedMinutes: 15},
			{Kind: core.KindRefactor, Description: task.Description, Dependencies: []int{1}, Priority: task.Priority, EstimatedMinutes: 30},
			{Kind: core.KindCodeReview, Description: "verify " + task.Description, Dependencies: []int{2}, Priority: task.Priority, EstimatedMinutes: 10},
		}

	case core.KindCodeReview:
		subs := []SubtaskDefinition{
			{Kind: core.KindCodeReview, Description: "static analysis: " + task.Description, Priority: task.Priority, EstimatedMinutes: 10},
			{Kind: core.KindCodeReview, Description: "security review: " + task.Description, Priority: task.Priority, EstimatedMinutes: 10},
		}
		if analysis.Bucket == BucketComplex || analysis.Bucket == BucketVeryComplex {
			subs = append(subs, SubtaskDefinition{Kind: core.KindCodeReview, Description: "performance review: " + task.Description, Priority: task.Priority, EstimatedMinutes: 15})
		}
		if analysis.Bucket == BucketVeryComplex {
			subs = append(subs, SubtaskDefinition{Kind: core.KindCodeReview, Description: "architecture review: " + task.Description, Priority: task.Priority, EstimatedMinutes: 20})
		}
		return subs

	default: // generic and any other kind
		if len(task.Files) > 1 {
			subs := make([]SubtaskDefinition, len(task.Files))
			for i, f := range task.Files {
				subs[i] = SubtaskDefinition{
					Kind:             task.Kind,
					Description:      fmt.Sprintf("%s (%s)", task.Description, f),
					Priority:         task.Priority,
					EstimatedMinutes: 10,
					RequiredSkills:   []string{f},
				}
			}
			return subs
		}
		if analysis.Bucket == BucketModerate {
			return []SubtaskDefinition{
				{Kind: core.KindAnalysis, Description: "analyze " + task.Description, Priority: task.Priority, EstimatedMinutes: 10},
				{Kind: task.Kind, Description: "execute " + task.Description, Dependencies: []int{0}, Priority: task.Priority, EstimatedMinutes: 20},
			}
		}
		if analysis.Bucket == BucketComplex || analysis.Bucket == BucketVeryComplex {
			return []SubtaskDefinition{
				{Kind: core.KindAnalysis, Description: "plan " + task.Description, Priority: task.Priority, EstimatedMinutes: 15},
				{Kind: task.Kind, Description: "implement part A of " + task.Description, Dependencies: []int{0}, Priority: task.Priority, EstimatedMinutes: 30},
				{Kind: task.Kind, Description: "implement part B of " + task.Description, Dependencies: []int{0}, Priority: task.Priority, EstimatedMinutes: 30},
				{Kind: core.KindCodeReview, Description: "validate " + task.Description, Dependencies: []int{1, 2}, Priority: task.Priority, EstimatedMinutes: 15},
			}
		}
		return []SubtaskDefinition{
			{Kind: task.Kind, Description: task.Description, Priority: task.Priority, EstimatedMinutes: 10},
		}
	}
}

// postProcess applies the dependency-minimization rule in place: when
// parallel_potential exceeds 0.7, every non-analysis subtask after the
// first is re-pointed to depend on at most the first analysis subtask;
// otherwise subtasks are left as their kind-specific rule chained them.
func postProcess(subtasks []SubtaskDefinition, analysis ComplexityAnalysis) {
	if analysis.ParallelScore <= 0.7 || len(subtasks) == 0 {
		return
	}

	firstAnalysis := -1
	for i, s := range subtasks {
		if s.Kind == core.KindAnalysis {
			firstAnalysis = i
			break
		}
	}

	for i := range subtasks {
		if subtasks[i].Kind == core.KindAnalysis {
			continue
		}
		if firstAnalysis >= 0 && i != firstAnalysis {
			subtasks[i].Dependencies = []int{firstAnalysis}
		} else {
			subtasks[i].Dependencies = nil
		}
	}
}
