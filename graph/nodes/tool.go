package nodes

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stepflow-ai/stepflow/graph"
	"github.com/stepflow-ai/stepflow/types"
)

// ToolRequest is a single tool invocation.
type ToolRequest struct {
	Tool      string         `json:"tool"`
	Operation string         `json:"operation,omitempty"`
	Params    map[string]any `json:"params,omitempty"`

	// Token is the scoped credential minted for this invocation. Empty when
	// the tool requires no delegation.
	Token string `json:"-"`
}

// Invoker performs the actual tool call (HTTP, MCP, whatever the host
// wires in). The engine never performs network calls itself.
type Invoker interface {
	Invoke(ctx context.Context, req ToolRequest) (map[string]any, error)
}

// TokenProvider mints scoped credentials at the delegation boundary.
// Consumed by tool executors only, never by the engine.
type TokenProvider interface {
	MintScopedToken(ctx context.Context, grantID, audience string, scopes []string) (string, error)
}

// RetryConfig defines the tool executor's internal retry behavior. Retries
// are opaque to the state machine: the engine sees one execution.
type RetryConfig struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	InitialBackoff    time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `json:"max_backoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns a conservative strategy: 3 attempts with
// exponential backoff 1s/2s/4s capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Backoff computes the delay before the given retry attempt.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	backoff := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if backoff > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return backoff
}

// ToolExecutor invokes an external tool through an Invoker, minting a
// scoped token for the run's grant when a token provider is configured.
type ToolExecutor struct {
	invoker Invoker
	tokens  TokenProvider
	retry   RetryConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// ToolOption configures a ToolExecutor.
type ToolOption func(*ToolExecutor)

// WithRetry overrides the retry configuration.
func WithRetry(cfg RetryConfig) ToolOption {
	return func(e *ToolExecutor) { e.retry = cfg }
}

// WithRateLimit bounds outbound tool invocations per second.
func WithRateLimit(perSecond float64, burst int) ToolOption {
	return func(e *ToolExecutor) { e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// NewToolExecutor creates a tool executor.
func NewToolExecutor(invoker Invoker, tokens TokenProvider, logger *zap.Logger, opts ...ToolOption) *ToolExecutor {
	e := &ToolExecutor{
		invoker: invoker,
		tokens:  tokens,
		retry:   DefaultRetryConfig(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *ToolExecutor) CanExecute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (bool, error) {
	return true, nil
}

func (e *ToolExecutor) Execute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (map[string]any, error) {
	if e.invoker == nil {
		return nil, fmt.Errorf("no tool invoker configured")
	}

	req := ToolRequest{
		Tool:      configString(config, "tool", ""),
		Operation: configString(config, "operation", ""),
		Params:    configMap(config, "params"),
	}

	if e.tokens != nil && ec.GrantID != "" {
		audience := configString(config, "audience", req.Tool)
		scopes := configStrings(config, "scopes")
		token, err := e.tokens.MintScopedToken(ctx, ec.GrantID, audience, scopes)
		if err != nil {
			return nil, types.NewError(types.ErrAuthorization,
				fmt.Sprintf("minting scoped token for tool %q", req.Tool)).WithCause(err)
		}
		req.Token = token
	}

	result, err := e.invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		KeyToolOutput: result,
	}, nil
}

func (e *ToolExecutor) invoke(ctx context.Context, req ToolRequest) (map[string]any, error) {
	maxRetries := e.retry.MaxRetries
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if e.logger != nil {
				e.logger.Warn("retrying tool invocation",
					zap.String("tool", req.Tool),
					zap.Int("attempt", attempt),
					zap.Error(lastErr),
				)
			}
			select {
			case <-time.After(e.retry.Backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		result, err := e.invoker.Invoke(ctx, req)
		if err == nil {
			return result, nil
		}
		// Authorization failures are not transient.
		if types.IsCode(err, types.ErrAuthorization) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("tool %q failed after %d attempts: %w", req.Tool, maxRetries+1, lastErr)
}

func (e *ToolExecutor) ValidateConfig(config map[string]any) graph.ConfigValidation {
	if configString(config, "tool", "") == "" {
		return graph.InvalidConfig("tool is required")
	}
	return graph.ValidConfig()
}

// ToolCatalogEntry describes the tool node type.
func ToolCatalogEntry() graph.CatalogEntry {
	return graph.CatalogEntry{
		Name:        "Tool",
		Description: "Invokes an external tool with a grant-scoped credential.",
		Writes:      []string{KeyToolOutput},
	}
}
