// Package embedding provides vector embedding generation for knowledge atoms.
// Supports multiple backends: Ollama (local) and Google GenAI (cloud).
package embedding

import (
	"context"
	"fmt"

	"kbingest/internal/config"
	"kbingest/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for engines that can verify
// availability before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine from configuration.
func NewEngine(cfg *config.Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbed, "NewEngine")
	defer timer.Stop()

	logging.Embed("Creating embedding engine with provider=%s dim=%d", cfg.EmbedProvider, cfg.EmbedDim)

	var engine Engine
	var err error

	switch cfg.EmbedProvider {
	case "ollama":
		logging.EmbedDebug("Ollama engine: endpoint=%s, model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.EmbedDim)
	case "genai":
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.EmbedDim)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.EmbedProvider)
		logging.EmbedError("Unsupported embedding provider: %s", cfg.EmbedProvider)
		return nil, err
	}

	if err != nil {
		logging.EmbedError("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embed("Embedding engine ready: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}
