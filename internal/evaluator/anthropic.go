package evaluator

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/basket/go-claw/internal/core"
)

const anthropicJudgeMaxTokens = 512

// AnthropicJudge scores tasks with the Anthropic Messages API.
type AnthropicJudge struct {
	client anthropic.Client
	model  string
}

// NewAnthropicJudge constructs a judge against model (e.g.
// "claude-3-7-sonnet-20250219") using apiKey.
func NewAnthropicJudge(apiKey, model string) *AnthropicJudge {
	return &AnthropicJudge{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name identifies this provider for breaker tracking and logging.
func (j *AnthropicJudge) Name() string { return "anthropic" }

// Judge sends the task/result pair to the model and parses its JSON verdict.
func (j *AnthropicJudge) Judge(ctx context.Context, task core.Task, result core.TaskResult) (Judgment, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(j.model),
		MaxTokens: anthropicJudgeMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(judgePrompt(task, result))),
		},
	}

	msg, err := j.client.Messages.New(ctx, params)
	if err != nil {
		return Judgment{}, fmt.Errorf("evaluator: anthropic judge: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}
	return parseJudgment(text)
}
