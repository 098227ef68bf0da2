package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/casetrace/casetrace/internal/logging"
)

// GeminiConfig holds configuration for the Gemini oracle.
type GeminiConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// DefaultGeminiConfig returns default configuration.
func DefaultGeminiConfig() GeminiConfig {
	return GeminiConfig{
		Model:     "gemini-2.0-flash",
		MaxTokens: 4096,
	}
}

// GeminiOracle implements Oracle using the Google Gemini API.
type GeminiOracle struct {
	client *genai.Client
	config GeminiConfig
	logger *logging.Logger
}

// NewGeminiOracle creates a Gemini oracle.
func NewGeminiOracle(ctx context.Context, config GeminiConfig) (*GeminiOracle, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if config.Model == "" {
		config.Model = DefaultGeminiConfig().Model
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultGeminiConfig().MaxTokens
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: config.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiOracle{
		client: client,
		config: config,
		logger: logging.GetLogger("llm.gemini"),
	}, nil
}

// Complete implements Oracle.Complete.
func (g *GeminiOracle) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.config.Model, genai.Text(req.Prompt), g.generateConfig(req))
	if err != nil {
		return "", fmt.Errorf("gemini API call failed: %w", err)
	}
	return resp.Text(), nil
}

// CompleteWithFunctions implements Oracle.CompleteWithFunctions.
func (g *GeminiOracle) CompleteWithFunctions(ctx context.Context, req CompletionRequest, functions []FunctionDef) (*FunctionCall, error) {
	declarations := make([]*genai.FunctionDeclaration, 0, len(functions))
	for _, fn := range functions {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:                 fn.Name,
			Description:          fn.Description,
			ParametersJsonSchema: fn.Parameters,
		})
	}

	config := g.generateConfig(req)
	// JSON response mode and tool calling are mutually exclusive.
	config.ResponseMIMEType = ""
	config.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}

	resp, err := g.client.Models.GenerateContent(ctx, g.config.Model, genai.Text(req.Prompt), config)
	if err != nil {
		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}

	calls := resp.FunctionCalls()
	if len(calls) == 0 {
		return nil, ErrNoFunctionCall
	}
	return &FunctionCall{Function: calls[0].Name, Arguments: calls[0].Args}, nil
}

// EstimateTokens implements Oracle.EstimateTokens.
func (g *GeminiOracle) EstimateTokens(text string) int {
	return estimateTokens(text)
}

// Model implements Oracle.Model.
func (g *GeminiOracle) Model() string {
	return g.config.Model
}

func (g *GeminiOracle) generateConfig(req CompletionRequest) *genai.GenerateContentConfig {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.config.MaxTokens
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(maxTokens),
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.ResponseFormat == ResponseFormatJSON {
		config.ResponseMIMEType = "application/json"
	}
	return config
}
