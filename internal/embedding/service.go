package embedding

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/time/rate"

	"github.com/calev/bookvec/internal/config"
)

// Client is the interface for embedding API clients
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Service wraps a Client with batching, bounded retry, rate limiting and
// deterministic truncation. Batching never reorders results: output index i
// always corresponds to input index i.
type Service struct {
	cfg     *config.EmbeddingConfig
	client  Client
	limiter *rate.Limiter
	encoder *tiktoken.Tiktoken
}

// NewService creates a new embedding service
func NewService(cfg *config.EmbeddingConfig) (*Service, error) {
	var client Client
	var err error

	switch cfg.Provider {
	case "openai":
		client, err = NewOpenAIClient(cfg)
	case "ollama":
		client, err = NewOllamaClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}

	return NewServiceWithClient(cfg, client)
}

// NewServiceWithClient builds a service around an existing client.
// Used by tests and by callers that bring their own transport.
func NewServiceWithClient(cfg *config.EmbeddingConfig, client Client) (*Service, error) {
	svc := &Service{cfg: cfg, client: client}
	if cfg.RateLimit > 0 {
		svc.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	if cfg.MaxTokens > 0 {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load token encoding: %w", err)
		}
		svc.encoder = enc
	}
	return svc, nil
}

// Embed generates an embedding for a single text
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts, preserving input order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, text := range texts {
		if text == "" {
			return nil, fmt.Errorf("cannot embed empty text at index %d", i)
		}
	}

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}

	results := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		embeddings, err := s.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch %d-%d: %w", start, end, err)
		}
		if len(embeddings) != end-start {
			return nil, fmt.Errorf("expected %d embeddings, got %d", end-start, len(embeddings))
		}
		copy(results[start:end], embeddings)
	}

	dims := s.client.Dimensions()
	for i, vec := range results {
		if dims > 0 && len(vec) != dims {
			return nil, fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(vec), dims)
		}
		if err := checkFinite(vec); err != nil {
			return nil, fmt.Errorf("embedding %d: %w", i, err)
		}
	}
	return results, nil
}

func (s *Service) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	attempts := s.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		vecs, err := s.client.EmbedBatch(ctx, batch)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", attempts, lastErr)
}

// Truncate clips text to the configured model window. The cut is made on
// token boundaries so repeated runs produce identical output. The second
// return reports whether anything was removed; callers persist it as a
// payload flag rather than dropping the text silently.
func (s *Service) Truncate(text string) (string, bool) {
	if s.encoder == nil || s.cfg.MaxTokens <= 0 {
		return text, false
	}
	tokens := s.encoder.Encode(text, nil, nil)
	if len(tokens) <= s.cfg.MaxTokens {
		return text, false
	}
	return s.encoder.Decode(tokens[:s.cfg.MaxTokens]), true
}

// Dimensions returns the dimension of the embeddings
func (s *Service) Dimensions() int {
	return s.client.Dimensions()
}

func checkFinite(vec []float32) error {
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite value at position %d", i)
		}
	}
	return nil
}

// Similarity computes cosine similarity between two vectors
func Similarity(a, b []float32) float32 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("vector dimension mismatch: %d vs %d", len(a), len(b)))
	}

	var dotProduct float32
	var normA float32
	var normB float32

	for i := 0; i < len(a); i++ {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
