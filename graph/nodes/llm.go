package nodes

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stepflow-ai/stepflow/graph"
	"github.com/stepflow-ai/stepflow/types"
)

// GenerateRequest is the engine-side view of a completion call.
type GenerateRequest struct {
	Messages    []types.Message
	System      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// GenerateResponse carries the provider's completion.
type GenerateResponse struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider is the opaque language-model boundary. Streaming, retries, and
// provider selection live behind it; the engine only sees this contract.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// LLMExecutor appends the node's prompt to the conversation, calls the
// provider, and appends the assistant reply.
type LLMExecutor struct {
	provider Provider
	logger   *zap.Logger
}

// NewLLMExecutor creates an llm executor bound to a provider.
func NewLLMExecutor(provider Provider, logger *zap.Logger) *LLMExecutor {
	return &LLMExecutor{provider: provider, logger: logger}
}

func (e *LLMExecutor) CanExecute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (bool, error) {
	return true, nil
}

func (e *LLMExecutor) Execute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (map[string]any, error) {
	if e.provider == nil {
		return nil, fmt.Errorf("no llm provider configured")
	}

	var appended []types.Message
	messages := make([]types.Message, len(state.Messages))
	copy(messages, state.Messages)

	if prompt := configString(config, "prompt", ""); prompt != "" {
		userMsg := types.Message{
			Role:      types.RoleUser,
			Content:   prompt,
			Timestamp: time.Now(),
		}
		messages = append(messages, userMsg)
		appended = append(appended, userMsg)
	}

	resp, err := e.provider.Generate(ctx, GenerateRequest{
		Messages:    messages,
		System:      configString(config, "system", ""),
		Model:       configString(config, "model", ""),
		Temperature: configFloat(config, "temperature", 0),
		MaxTokens:   configInt(config, "max_tokens", 0),
	})
	if err != nil {
		return nil, fmt.Errorf("llm generate: %w", err)
	}

	appended = append(appended, types.Message{
		Role:      types.RoleAssistant,
		Content:   resp.Content,
		Timestamp: time.Now(),
	})

	return map[string]any{
		types.KeyMessages: appended,
		KeyLLMOutput: map[string]any{
			"content":           resp.Content,
			"model":             resp.Model,
			"prompt_tokens":     resp.PromptTokens,
			"completion_tokens": resp.CompletionTokens,
		},
	}, nil
}

func (e *LLMExecutor) ValidateConfig(config map[string]any) graph.ConfigValidation {
	if _, ok := config["temperature"]; ok {
		t := configFloat(config, "temperature", -1)
		if t < 0 || t > 2 {
			return graph.InvalidConfig("temperature must be between 0 and 2")
		}
	}
	return graph.ValidConfig()
}

// LLMCatalogEntry describes the llm node type.
func LLMCatalogEntry() graph.CatalogEntry {
	return graph.CatalogEntry{
		Name:        "LLM",
		Description: "Calls the configured language model provider.",
		Reads:       []string{types.KeyMessages},
		Writes:      []string{types.KeyMessages, KeyLLMOutput},
	}
}
