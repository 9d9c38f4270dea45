package config

import (
	"fmt"
	"os"
	"strings"
)

// Validate checks the configuration for consistency. It fails fast so a
// misconfigured process dies at startup instead of at first use.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI, ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: %q (supported: %s, %s, %s, %s)", ErrInvalidProvider,
			c.Provider, ProviderGemini, ProviderGoogleAI, ProviderOllama, ProviderOpenAI)
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidModelName)
	}
	if strings.TrimSpace(c.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder model is empty", ErrInvalidEmbedderModel)
	}

	if err := c.validateAPIKey(); err != nil {
		return err
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d (must be 1-65535)", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.HybridAlpha < 0 || c.HybridAlpha > 1 {
		return fmt.Errorf("%w: %g (must be in [0,1])", ErrInvalidHybridAlpha, c.HybridAlpha)
	}
	if c.DefaultTopK < 1 {
		return fmt.Errorf("%w: default_top_k %d (must be at least 1)", ErrInvalidChunkBudget, c.DefaultTopK)
	}
	if c.DefaultTokenBudget < 0 {
		return fmt.Errorf("%w: default_token_budget %d (must not be negative)", ErrInvalidChunkBudget, c.DefaultTokenBudget)
	}

	if c.ChunkMaxTokens < 1 {
		return fmt.Errorf("%w: chunk_max_tokens %d (must be at least 1)", ErrInvalidChunkBudget, c.ChunkMaxTokens)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkMaxTokens {
		return fmt.Errorf("%w: chunk_overlap %d (must be in [0, chunk_max_tokens))", ErrInvalidChunkBudget, c.ChunkOverlap)
	}

	if c.MaxTurns < 1 {
		return fmt.Errorf("%w: max_turns %d (must be at least 1)", ErrInvalidAgentBounds, c.MaxTurns)
	}
	if c.MaxPlanSteps < 1 {
		return fmt.Errorf("%w: max_plan_steps %d (must be at least 1)", ErrInvalidAgentBounds, c.MaxPlanSteps)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: requests_per_second %g (must not be negative)", ErrInvalidAgentBounds, c.RequestsPerSecond)
	}

	if c.MemoryEnabled {
		if c.MemoryTopK < 1 {
			return fmt.Errorf("%w: memory_top_k %d (must be at least 1)", ErrInvalidAgentBounds, c.MemoryTopK)
		}
		if c.MemoryMinSimilarity < 0 || c.MemoryMinSimilarity > 1 {
			return fmt.Errorf("%w: memory_min_similarity %g (must be in [0,1])", ErrInvalidAgentBounds, c.MemoryMinSimilarity)
		}
	}

	// An SMTP relay is optional, but a half-configured one is a mistake.
	if (c.SMTP.Host != "" || c.SMTP.From != "") && !c.SMTP.Configured() {
		return fmt.Errorf("%w: host, port and from are all required", ErrMissingSMTPConfig)
	}

	return nil
}

// validateAPIKey checks the provider's credential environment variable.
// The keys are consumed directly by the provider plugins; config only
// verifies presence.
func (c *Config) validateAPIKey() error {
	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
			return fmt.Errorf("%w: set GEMINI_API_KEY or GOOGLE_API_KEY", ErrMissingAPIKey)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: set OPENAI_API_KEY", ErrMissingAPIKey)
		}
	}
	// Ollama is local and needs no credential.
	return nil
}
