package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/calev/bookvec/internal/config"
)

// Synthesizer turns retrieved chunks into a prose answer.
type Synthesizer interface {
	Answer(ctx context.Context, query string, chunks []Chunk) (string, error)
}

// LLMSynthesizer answers with a language model, grounding it on the
// retrieved chunks only.
type LLMSynthesizer struct {
	model llms.Model
}

// NewSynthesizer builds a synthesizer from config, or returns nil when
// synthesis is disabled.
func NewSynthesizer(cfg *config.SynthesisConfig) (*LLMSynthesizer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var model llms.Model
	var err error
	switch cfg.Provider {
	case "ollama":
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaURL),
		)
	case "openai":
		model, err = openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		)
	default:
		return nil, fmt.Errorf("unsupported synthesis provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesis model: %w", err)
	}
	return &LLMSynthesizer{model: model}, nil
}

func (s *LLMSynthesizer) Answer(ctx context.Context, query string, chunks []Chunk) (string, error) {
	prompt := buildPrompt(query, chunks)
	answer, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt,
		llms.WithTemperature(0.2),
	)
	if err != nil {
		return "", fmt.Errorf("answer synthesis failed: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

func buildPrompt(query string, chunks []Chunk) string {
	var sb strings.Builder
	sb.WriteString("Answer the question using only the excerpts below. ")
	sb.WriteString("If the excerpts do not contain the answer, say so.\n\n")
	for i, c := range chunks {
		sb.WriteString(fmt.Sprintf("Excerpt %d", i+1))
		if c.Title != "" {
			sb.WriteString(" (from " + c.Title)
			if c.Author != "" {
				sb.WriteString(" by " + c.Author)
			}
			sb.WriteString(")")
		}
		sb.WriteString(":\n")
		sb.WriteString(c.Text)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Question: " + query + "\n")
	return sb.String()
}
