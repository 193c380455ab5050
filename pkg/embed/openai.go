package embed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/remlabs/remd/pkg/config"
	"github.com/remlabs/remd/pkg/metrics"
)

// OpenAIService calls an OpenAI-compatible embedding endpoint through
// langchaingo, guarded by a circuit breaker so a misbehaving provider trips
// fast instead of tying up worker slots.
type OpenAIService struct {
	embedder  embeddings.Embedder
	breaker   *gobreaker.CircuitBreaker
	dimension int
	model     string
}

// NewOpenAIService builds the production embedding client.
func NewOpenAIService(cfg config.EmbeddingConfig) (*OpenAIService, error) {
	llm, err := openai.New(openai.WithEmbeddingModel(cfg.Model))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embedding",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &OpenAIService{
		embedder:  embedder,
		breaker:   breaker,
		dimension: cfg.Dimension,
		model:     cfg.Model,
	}, nil
}

func (s *OpenAIService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.embedder.EmbedDocuments(ctx, texts)
	})
	if err != nil {
		if isRateLimit(err) {
			metrics.EmbeddingCalls.WithLabelValues("rate_limited").Inc()
			return nil, ErrRateLimited
		}
		metrics.EmbeddingCalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embedding call failed: %w", err)
	}

	vectors := out.([][]float32)
	if err := checkDimension(vectors, s.dimension); err != nil {
		metrics.EmbeddingCalls.WithLabelValues("dimension_mismatch").Inc()
		return nil, err
	}
	metrics.EmbeddingCalls.WithLabelValues("ok").Inc()
	return vectors, nil
}

func (s *OpenAIService) Dimension() int { return s.dimension }

func (s *OpenAIService) Provider() string { return "openai/" + s.model }

func isRateLimit(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests")
}
