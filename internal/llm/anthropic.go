package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/casetrace/casetrace/internal/logging"
)

// AnthropicConfig holds configuration for the Anthropic oracle.
type AnthropicConfig struct {
	Model     string
	MaxTokens int
}

// DefaultAnthropicConfig returns default configuration.
func DefaultAnthropicConfig() AnthropicConfig {
	return AnthropicConfig{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 4096,
	}
}

// AnthropicOracle implements Oracle using the Anthropic Claude API.
type AnthropicOracle struct {
	client anthropic.Client
	config AnthropicConfig
	logger *logging.Logger
}

// NewAnthropicOracle creates an Anthropic oracle. The API key is read from
// the ANTHROPIC_API_KEY environment variable.
func NewAnthropicOracle(config AnthropicConfig) *AnthropicOracle {
	if config.Model == "" {
		config.Model = DefaultAnthropicConfig().Model
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultAnthropicConfig().MaxTokens
	}
	return &AnthropicOracle{
		client: anthropic.NewClient(),
		config: config,
		logger: logging.GetLogger("llm.anthropic"),
	}
}

// NewAnthropicOracleWithKey creates an Anthropic oracle with an explicit key.
func NewAnthropicOracleWithKey(apiKey string, config AnthropicConfig) *AnthropicOracle {
	oracle := NewAnthropicOracle(config)
	oracle.client = anthropic.NewClient(option.WithAPIKey(apiKey))
	return oracle
}

// Complete implements Oracle.Complete.
func (a *AnthropicOracle) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	params := a.baseParams(req)

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var textParts []string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			textParts = append(textParts, block.Text)
		}
	}
	return strings.Join(textParts, ""), nil
}

// CompleteWithFunctions implements Oracle.CompleteWithFunctions.
func (a *AnthropicOracle) CompleteWithFunctions(ctx context.Context, req CompletionRequest, functions []FunctionDef) (*FunctionCall, error) {
	params := a.baseParams(req)

	tools := make([]anthropic.ToolUnionParam, 0, len(functions))
	for _, fn := range functions {
		properties := fn.Parameters["properties"]
		required, _ := fn.Parameters["required"].([]string)
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        fn.Name,
				Description: anthropic.String(fn.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: properties,
					Required:   required,
				},
			},
		})
	}
	params.Tools = tools

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic API call failed: %w", err)
	}

	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "tool_use" {
			var args map[string]interface{}
			if err := json.Unmarshal(block.Input, &args); err != nil {
				return nil, fmt.Errorf("failed to decode tool arguments: %w", err)
			}
			return &FunctionCall{Function: block.Name, Arguments: args}, nil
		}
	}
	return nil, ErrNoFunctionCall
}

// EstimateTokens implements Oracle.EstimateTokens.
func (a *AnthropicOracle) EstimateTokens(text string) int {
	return estimateTokens(text)
}

// Model implements Oracle.Model.
func (a *AnthropicOracle) Model() string {
	return a.config.Model
}

func (a *AnthropicOracle) baseParams(req CompletionRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.config.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.config.Model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	systemPrompt := req.SystemPrompt
	// Claude has no native JSON mode; fold the format hint into the system
	// prompt instead.
	if req.ResponseFormat == ResponseFormatJSON {
		jsonHint := "Respond with a single valid JSON object and nothing else."
		if systemPrompt == "" {
			systemPrompt = jsonHint
		} else {
			systemPrompt += "\n" + jsonHint
		}
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	return params
}
