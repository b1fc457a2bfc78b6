package decomposer

import (
	"strings"
	"testing"

	"github.com/basket/go-claw/internal/core"
)

func TestAnalyzeBucketsByOverallScore(t *testing.T) {
	tests := []struct {
		name   string
		task   core.Task
		bucket Bucket
		agents int
	}{
		{
			name:   "short generic task is simple",
			task:   core.Task{ID: "t1", Kind: core.KindGeneric, Description: "add a comment"},
			bucket: BucketSimple,
			agents: 1,
		},
		{
			name: "refactor keyword across several files is complex",
			task: core.Task{
				ID: "t2", Kind: core.KindRefactor,
				Description: strings.Repeat("word ", 26) + "refactor",
				Files:       []string{"a.go", "b.go", "c.go", "d.go", "e.go"},
			},
			bucket: BucketComplex,
			agents: 3,
		},
		{
			name: "architecture keyword across many files is very complex",
			task: core.Task{
				ID: "t3", Kind: core.KindRefactor,
				Description: strings.Repeat("word ", 60) + "architecture redesign migrate",
				Files:       []string{"a.go", "b.go", "c.go", "d.go", "e.go", "f.go", "g.go", "h.go", "i.go", "j.go", "k.go"},
			},
			bucket: BucketVeryComplex,
			agents: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analysis := Analyze(tt.task)
			if analysis.Bucket != tt.bucket {
				t.Fatalf("bucket = %s, want %s (overall=%.3f)", analysis.Bucket, tt.bucket, analysis.Overall)
			}
			if analysis.SuggestedAgents != tt.agents {
				t.Fatalf("SuggestedAgents = %d, want %d", analysis.SuggestedAgents, tt.agents)
			}
		})
	}
}

func TestAnalyzeParallelScoreAdjustments(t *testing.T) {
	base := core.Task{ID: "t1", Kind: core.KindGeneric, Description: "do work"}
	baseline := Analyze(base).ParallelScore
	if baseline != 0.5 {
		t.Fatalf("baseline parallel score = %.2f, want 0.5", baseline)
	}

	multiFile := base
	multiFile.Files = []string{"a.go", "b.go"}
	if got := Analyze(multiFile).ParallelScore; got != 0.7 {
		t.Fatalf("multi-file parallel score = %.2f, want 0.7", got)
	}

	boosted := base
	boosted.Description = "update each file"
	if got := Analyze(boosted).ParallelScore; got != 0.7 {
		t.Fatalf("boosted parallel score = %.2f, want 0.7", got)
	}

	penalized := base
	penalized.Description = "do this then that sequentially"
	if got := Analyze(penalized).ParallelScore; got != 0.2 {
		t.Fatalf("penalized parallel score = %.2f, want 0.2", got)
	}
}

func TestDecomposeRefactorChainsAnalyzeTestRefactorVerify(t *testing.T) {
	task := core.Task{ID: "t1", Kind: core.KindRefactor, Description: "refactor one small thing"}
	_, subtasks := Decompose(task)

	if len(subtasks) != 4 {
		t.Fatalf("len(subtasks) = %d, want 4", len(subtasks))
	}
	wantKinds := []core.TaskKind{core.KindAnalysis, core.KindTestGeneration, core.KindRefactor, core.KindCodeReview}
	for i, k := range wantKinds {
		if subtasks[i].Kind != k {
			t.Fatalf("subtasks[%d].Kind = %s, want %s", i, subtasks[i].Kind, k)
		}
	}
	if len(subtasks[2].Dependencies) == 0 || len(subtasks[3].Dependencies) == 0 {
		t.Fatal("expected refactor and verify subtasks to carry dependencies")
	}
}

func TestDecomposeCodeReviewAddsStagesByComplexity(t *testing.T) {
	simple := core.Task{ID: "t1", Kind: core.KindCodeReview, Description: "review"}
	_, simpleSubs := Decompose(simple)
	if len(simpleSubs) != 2 {
		t.Fatalf("simple review subtasks = %d, want 2", len(simpleSubs))
	}

	veryComplex := core.Task{
		ID: "t2", Kind: core.KindCodeReview,
		Description: strings.Repeat("word ", 60) + "architecture redesign migrate security",
		Files:       []string{"a.go", "b.go", "c.go", "d.go", "e.go", "f.go", "g.go", "h.go", "i.go", "j.go", "k.go"},
	}
	_, vcSubs := Decompose(veryComplex)
	if len(vcSubs) != 4 {
		t.Fatalf("very complex review subtasks = %d, want 4 (static, security, performance, architecture)", len(vcSubs))
	}
}

func TestDecomposeGenericMultiFileOneSubtaskPerFile(t *testing.T) {
	task := core.Task{ID: "t1", Kind: core.KindGeneric, Description: "update", Files: []string{"a.go", "b.go", "c.go"}}
	_, subtasks := Decompose(task)
	if len(subtasks) != 3 {
		t.Fatalf("subtasks = %d, want 3", len(subtasks))
	}
}

func moderateGenericTask() core.Task {
	return core.Task{ID: "t1", Kind: core.KindGeneric, Description: strings.Repeat("word ", 37) + "improve"}
}

func TestDecomposeGenericModerateAnalyzeThenExecute(t *testing.T) {
	task := moderateGenericTask()
	analysis, subtasks := Decompose(task)
	if analysis.Bucket != BucketModerate {
		t.Fatalf("bucket = %s, want moderate (overall=%.3f)", analysis.Bucket, analysis.Overall)
	}
	if len(subtasks) != 2 {
		t.Fatalf("subtasks = %d, want 2", len(subtasks))
	}
	if subtasks[0].Kind != core.KindAnalysis {
		t.Fatalf("subtasks[0].Kind = %s, want analysis", subtasks[0].Kind)
	}
}

func TestPostProcessMinimizesDepsWhenHighlyParallel(t *testing.T) {
	task := core.Task{ID: "t1", Kind: core.KindGeneric, Description: "update each file", Files: []string{"a.go", "b.go"}}
	analysis, subtasks := Decompose(task)
	if analysis.ParallelScore <= 0.7 {
		t.Fatalf("test setup expected parallel score > 0.7, got %.2f", analysis.ParallelScore)
	}
	for _, s := range subtasks {
		if len(s.Dependencies) > 1 {
			t.Fatalf("subtask %q has %d deps, want at most 1 under high parallel potential", s.Description, len(s.Dependencies))
		}
	}
}

func TestPostProcessChainsSequentiallyWhenLowParallel(t *testing.T) {
	task := moderateGenericTask()
	analysis, subtasks := Decompose(task)
	if analysis.ParallelScore > 0.7 {
		t.Fatalf("test setup expected parallel score <= 0.7, got %.2f", analysis.ParallelScore)
	}
	if analysis.Bucket != BucketModerate {
		t.Fatalf("test setup expected moderate bucket, got %s", analysis.Bucket)
	}
	if len(subtasks[1].Dependencies) != 1 || subtasks[1].Dependencies[0] != 0 {
		t.Fatalf("second subtask should depend on the first analysis subtask, deps=%v", subtasks[1].Dependencies)
	}
}
