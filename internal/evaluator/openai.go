package evaluator

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/basket/go-claw/internal/core"
)

// OpenAIJudge scores tasks with the OpenAI Chat Completions API. baseURL
// lets it double as a judge against any OpenAI-compatible endpoint.
type OpenAIJudge struct {
	client openai.Client
	model  string
}

// NewOpenAIJudge constructs a judge against model using apiKey. An optional
// baseURL overrides the API endpoint for OpenAI-compatible services.
func NewOpenAIJudge(apiKey, model string, baseURL ...string) *OpenAIJudge {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if len(baseURL) > 0 && baseURL[0] != "" {
		opts = append(opts, option.WithBaseURL(baseURL[0]))
	}
	return &OpenAIJudge{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Name identifies this provider for breaker tracking and logging.
func (j *OpenAIJudge) Name() string { return "openai" }

// Judge sends the task/result pair to the model and parses its JSON verdict.
func (j *OpenAIJudge) Judge(ctx context.Context, task core.Task, result core.TaskResult) (Judgment, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(j.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(judgePrompt(task, result)),
		},
	}

	resp, err := j.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Judgment{}, fmt.Errorf("evaluator: openai judge: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Judgment{}, fmt.Errorf("evaluator: openai judge: empty response")
	}
	return parseJudgment(resp.Choices[0].Message.Content)
}
