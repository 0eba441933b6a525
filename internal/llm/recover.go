package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tranqh/papergrade/internal/llm/prompts"
	"github.com/tranqh/papergrade/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// maxResumeRounds bounds the resume loop; each round depends on the
// previous round's accumulated text, so this also bounds total latency.
const maxResumeRounds = 2

// resumeFunc asks the oracle for the missing tail of a partial
// structured value.
type resumeFunc func(ctx context.Context, partial string) (string, error)

// Recover turns a primary response that failed to parse into a
// schema-valid judgement. It asks the oracle to emit only the missing
// tail of the structured value, stitching each fragment onto the
// accumulated text; after the round bound it falls back to a minimal
// syntactic repair, and finally to an empty judgement.
func (c *Client) Recover(ctx context.Context, partial string, effort Effort) model.Judgement {
	return recoverJudgement(ctx, partial, func(ctx context.Context, p string) (string, error) {
		return c.resume(ctx, p, effort)
	})
}

// recoverJudgement drives the resume/repair/fallback state machine.
// Every terminal fallback logs distinctly so operators can tell a
// resumed result from a default one.
func recoverJudgement(ctx context.Context, partial string, resume resumeFunc) model.Judgement {
	if strings.TrimSpace(partial) == "" {
		slog.Warn("judgement recovery: no partial text produced, using empty fallback")
		return fallbackJudgement()
	}

	acc := partial
	for round := 1; round <= maxResumeRounds; round++ {
		fragment, err := resume(ctx, acc)
		if err != nil {
			slog.Warn("judgement resume round failed", "round", round, "error", err)
			break
		}
		acc += fragment
		if j, ok := ParseJudgement(acc); ok {
			slog.Info("judgement resumed", "rounds", round)
			return j
		}
	}

	// A response cut mid-object is usually missing only the closing
	// delimiter; append it once and retry.
	repaired := strings.TrimSpace(acc)
	if !strings.HasSuffix(repaired, "}") {
		repaired += "}"
	}
	if j, ok := ParseJudgement(repaired); ok {
		slog.Warn("judgement repaired after truncation")
		return j
	}

	slog.Warn("judgement recovery exhausted, using empty fallback")
	return fallbackJudgement()
}

// fallbackJudgement is the schema-valid default: empty lists, empty text,
// not correct. The orchestrator never stalls on a judging failure.
func fallbackJudgement() model.Judgement {
	return model.Judgement{Gaps: []string{}, Errors: []string{}}
}

// resume streams one continuation round: only the remaining tokens of the
// structured value, never a restatement of what was already emitted.
func (c *Client) resume(ctx context.Context, partial string, effort Effort) (string, error) {
	system, err := prompts.JudgeSystem(c.variant)
	if err != nil {
		return "", err
	}

	user := "Here is the partial JSON you returned. Return only the remaining JSON tokens needed to " +
		"complete a valid value. Do not repeat keys or values that were already emitted. Strict JSON only.\n\n" + partial

	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature:         0.1,
		MaxCompletionTokens: effort.budget(),
		Stream:              true,
	})
	if err != nil {
		return "", fmt.Errorf("resume stream: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A stream cut partway still yielded usable tokens.
			if sb.Len() > 0 {
				slog.Debug("resume stream ended early", "error", err)
				break
			}
			return "", fmt.Errorf("resume recv: %w", err)
		}
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	return sb.String(), nil
}
