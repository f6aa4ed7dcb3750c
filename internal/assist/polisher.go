package assist

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/outreachly/campaign-engine/pkg/logging"
)

// BedrockConverseAPI is the subset of the Bedrock client used for copy polish.
type BedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Polisher rewrites campaign copy for tone and length using a Bedrock model.
// Every failure mode returns the original text; polish is best-effort and
// never blocks an operator.
type Polisher struct {
	client    BedrockConverseAPI
	modelID   string
	maxLength int
	logger    *logging.Logger
}

func NewPolisher(client BedrockConverseAPI, modelID string, logger *logging.Logger) *Polisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Polisher{
		client:    client,
		modelID:   modelID,
		maxLength: 320,
		logger:    logger.Component("assist"),
	}
}

// Polish returns a reworked version of body, or body unchanged when the
// model is unavailable or responds unusably.
func (p *Polisher) Polish(ctx context.Context, body, tone string) string {
	body = strings.TrimSpace(body)
	if body == "" || p == nil || p.client == nil {
		return body
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.modelID),
		System: []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: polishSystemPrompt},
		},
		Messages: []brtypes.Message{
			{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: polishPrompt(body, tone, p.maxLength)},
				},
			},
		},
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(256),
			Temperature: aws.Float32(0.4),
		},
	}

	resp, err := p.client.Converse(ctx, input)
	if err != nil {
		p.logger.Warn("polish request failed, returning original", "error", err)
		return body
	}
	polished := strings.TrimSpace(extractResponseText(resp))
	if polished == "" || len(polished) > p.maxLength {
		return body
	}
	// A rewrite that drops template placeholders would break rendering.
	for _, token := range placeholders(body) {
		if !strings.Contains(polished, token) {
			p.logger.Warn("polish dropped a placeholder, returning original", "placeholder", token)
			return body
		}
	}
	return polished
}

func extractResponseText(resp *bedrockruntime.ConverseOutput) string {
	if resp == nil || resp.Output == nil {
		return ""
	}
	output, ok := resp.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok || len(output.Value.Content) == 0 {
		return ""
	}
	textBlock, ok := output.Value.Content[0].(*brtypes.ContentBlockMemberText)
	if !ok {
		return ""
	}
	return textBlock.Value
}

func placeholders(body string) []string {
	var out []string
	rest := body
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			return out
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			return out
		}
		out = append(out, rest[start:start+end+2])
		rest = rest[start+end+2:]
	}
}

const polishSystemPrompt = `You rewrite SMS marketing copy. Keep it short, friendly, and compliant. Preserve any {{placeholder}} tokens exactly as written. Return ONLY the rewritten message with no preamble.`

func polishPrompt(body, tone string, maxLength int) string {
	if tone == "" {
		tone = "friendly"
	}
	return fmt.Sprintf("Rewrite this SMS in a %s tone, under %d characters:\n\n%s", tone, maxLength, body)
}
