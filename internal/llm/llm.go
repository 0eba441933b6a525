package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tranqh/papergrade/internal/llm/prompts"
	"github.com/tranqh/papergrade/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// Effort is the reasoning-budget hint chosen from a question's difficulty.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Per-tier completion token budgets. Kept generous enough that a full
// judgement object fits; truncation beyond this is what the recovery
// path exists for.
const (
	budgetLow    = 1500
	budgetMedium = 2500
	budgetHigh   = 4000
	budgetReport = 2500
)

func (e Effort) budget() int {
	switch e {
	case EffortLow:
		return budgetLow
	case EffortHigh:
		return budgetHigh
	default:
		return budgetMedium
	}
}

// Current describes the part being graded.
type Current struct {
	GroupIndex   int    `json:"group_index"`
	PartLabel    string `json:"part_label"`
	QuestionText string `json:"question_text"`
	AnswerText   string `json:"student_answer"`
}

// Payload is the structured grading request sent to the oracle.
type Payload struct {
	Current Current              `json:"current"`
	Context []model.ContextEntry `json:"context_previous"`
}

// Response is the tagged outcome of a grading call: Judgement is set when
// the oracle's output parsed, otherwise Raw carries whatever partial text
// was produced for the recovery path.
type Response struct {
	Judgement *model.Judgement
	Raw       string
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.Variant
}

// New creates a new oracle client.
func New(baseURL, apiKey, modelName, variant string) (*Client, error) {
	if err := prompts.Load(); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	if !prompts.IsValidVariant(variant) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: prompts.Variant(variant),
	}, nil
}

// Ping verifies the endpoint is reachable and the credentials work.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Judge sends one (question, answer, context) payload to the oracle.
// A transport failure is an error; a response that does not parse is not —
// it comes back as an unparsed Response for the recovery protocol.
func (c *Client) Judge(ctx context.Context, p Payload, effort Effort) (Response, error) {
	system, err := prompts.JudgeSystem(c.variant)
	if err != nil {
		return Response{}, err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}
	user := "Grade the current part using the question, the student's answer and the prior-part context. " +
		"Return strict JSON matching the required schema.\n\n" + string(data)

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature:         0.1,
		MaxCompletionTokens: effort.budget(),
	})
	if err != nil {
		return Response{}, fmt.Errorf("oracle API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("oracle returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("oracle response", "raw", raw)

	if j, ok := ParseJudgement(raw); ok {
		return Response{Judgement: &j, Raw: raw}, nil
	}
	return Response{Raw: raw}, nil
}

// Summarize asks the report oracle to edit the grading records into a
// student-facing Markdown summary.
func (c *Client) Summarize(ctx context.Context, records []model.GradingRecord, info model.ExamInfo) (string, error) {
	system, err := prompts.ReportSystem(info)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal records: %w", err)
	}
	user := "Below are the per-part grading results in order. Edit them into a single report for the student.\n\n" + string(data)

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature:         0.2,
		MaxCompletionTokens: budgetReport,
	})
	if err != nil {
		return "", fmt.Errorf("report API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("report oracle returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ParseJudgement attempts to read a schema-valid judgement out of raw
// oracle output. The object may arrive wrapped in markdown fences or
// surrounding prose.
func ParseJudgement(raw string) (model.Judgement, bool) {
	text := extractJSON(raw)
	if text == "" {
		return model.Judgement{}, false
	}
	var j model.Judgement
	if err := json.Unmarshal([]byte(text), &j); err != nil {
		return model.Judgement{}, false
	}
	j.Normalize()
	return j, true
}

// extractJSON finds the first balanced JSON object in a response
// (handles markdown wrappers).
func extractJSON(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	for i := start; i < len(response); i++ {
		switch response[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}

	return ""
}
