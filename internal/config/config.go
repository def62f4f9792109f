package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Search    SearchConfig    `yaml:"search,omitempty"`
	Synthesis SynthesisConfig `yaml:"synthesis,omitempty"`
	Ingest    IngestConfig    `yaml:"ingest,omitempty"`
}

// StoreConfig holds vector store configuration
type StoreConfig struct {
	Backend string `yaml:"backend"` // "qdrant" | "local"

	// Qdrant specific
	QdrantURL    string `yaml:"qdrant_url"`
	QdrantAPIKey string `yaml:"qdrant_api_key,omitempty"`
	QdrantPort   int    `yaml:"qdrant_port,omitempty"`

	// Local store specific
	// If empty, uses ~/.bookvec/data/vectors.db
	LocalPath string `yaml:"local_path,omitempty"`

	Collection string `yaml:"collection"` // default collection name

	// Path to manifest file; defaults to ~/.bookvec/data/manifest.json
	ManifestPath string `yaml:"manifest_path,omitempty"`

	// Directory for per-collection text indexes; defaults to ~/.bookvec/data/textindex
	TextIndexDir string `yaml:"text_index_dir,omitempty"`
}

// EmbeddingConfig holds embedding service configuration
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "openai" | "ollama"

	// OpenAI-compatible endpoint
	APIKey   string `yaml:"api_key,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Model    string `yaml:"model"`

	// Ollama specific
	OllamaURL string `yaml:"ollama_url,omitempty"`

	Dimensions int     `yaml:"dimensions"`            // vector size, fixed per collection
	BatchSize  int     `yaml:"batch_size"`            // texts per request
	MaxTokens  int     `yaml:"max_tokens,omitempty"`  // model window; longer inputs are truncated
	RateLimit  float64 `yaml:"rate_limit,omitempty"`  // requests per second, 0 = unlimited
	MaxRetries int     `yaml:"max_retries,omitempty"` // transient failure retries
}

// ChunkingConfig holds semantic chunker parameters
type ChunkingConfig struct {
	Threshold    float64 `yaml:"threshold"`      // similarity boundary, default 0.5
	MinChunkSize int     `yaml:"min_chunk_size"` // characters
	MaxChunkSize int     `yaml:"max_chunk_size"` // characters
	Hierarchical bool    `yaml:"hierarchical,omitempty"`
}

// SearchConfig holds query-side configuration
type SearchConfig struct {
	DefaultTopK   int     `yaml:"default_top_k,omitempty"`
	VectorWeight  float64 `yaml:"vector_weight,omitempty"`  // hybrid mode weight
	KeywordWeight float64 `yaml:"keyword_weight,omitempty"` // hybrid mode weight
	SynonymsPath  string  `yaml:"synonyms_path,omitempty"`  // optional query expansion groups
}

// SynthesisConfig holds answer synthesis (LLM) configuration
type SynthesisConfig struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Provider  string `yaml:"provider,omitempty"` // "ollama" | "openai"
	APIKey    string `yaml:"api_key,omitempty"`
	Model     string `yaml:"model,omitempty"`
	OllamaURL string `yaml:"ollama_url,omitempty"`
}

// IngestConfig holds ingestion pipeline options
type IngestConfig struct {
	Workers     int      `yaml:"workers,omitempty"`      // parallel document pipelines
	MoveTo      string   `yaml:"move_to,omitempty"`      // move sources here on success
	Exclude     []string `yaml:"exclude,omitempty"`      // doublestar patterns
	ProgressDir string   `yaml:"progress_dir,omitempty"` // progress record location
	Domain      string   `yaml:"domain,omitempty"`       // fixed domain tag; empty or "auto" classifies
}

// Load loads configuration from the default config file.
// Default location: ~/.bookvec/config/bookvec.yaml
func Load() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromFile(path)
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	// Secrets may live in a .env next to the working directory
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			defaultPath, _ := DefaultConfigPath()
			return nil, &ConfigNotFoundError{
				RequestedPath: path,
				DefaultPath:   defaultPath,
			}
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ConfigNotFoundError is returned when config file is not found
type ConfigNotFoundError struct {
	RequestedPath string
	DefaultPath   string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("config file not found at: %s\n\nDefault location: %s\n\nYou can:\n"+
		"  1. Create the config file at the default location\n"+
		"  2. Specify a custom path with -config flag\n"+
		"  3. Run 'bookvec config init' to create a template",
		e.RequestedPath, e.DefaultPath)
}

// IsConfigNotFound checks if error is config not found
func IsConfigNotFound(err error) bool {
	_, ok := err.(*ConfigNotFoundError)
	return ok
}

// applyEnv pulls secrets from the environment when the file leaves them empty.
func (c *Config) applyEnv() {
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = os.Getenv("BOOKVEC_EMBEDDING_API_KEY")
	}
	if c.Synthesis.APIKey == "" {
		c.Synthesis.APIKey = os.Getenv("BOOKVEC_SYNTHESIS_API_KEY")
	}
	if c.Store.QdrantAPIKey == "" {
		c.Store.QdrantAPIKey = os.Getenv("BOOKVEC_QDRANT_API_KEY")
	}
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = "qdrant"
	}
	if c.Store.QdrantPort == 0 {
		c.Store.QdrantPort = 6333
	}
	if c.Store.QdrantURL == "" {
		c.Store.QdrantURL = fmt.Sprintf("http://127.0.0.1:%d", c.Store.QdrantPort)
	}
	if c.Store.Collection == "" {
		c.Store.Collection = "books"
	}
	c.Store.LocalPath = expandPath(c.Store.LocalPath)
	c.Store.ManifestPath = expandPath(c.Store.ManifestPath)
	c.Store.TextIndexDir = expandPath(c.Store.TextIndexDir)
	if c.Store.LocalPath == "" {
		c.Store.LocalPath = defaultDataPath("vectors.db")
	}
	if c.Store.ManifestPath == "" {
		c.Store.ManifestPath = defaultDataPath("manifest.json")
	}
	if c.Store.TextIndexDir == "" {
		c.Store.TextIndexDir = defaultDataPath("textindex")
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "ollama"
	}
	if c.Embedding.Model == "" {
		switch c.Embedding.Provider {
		case "openai":
			c.Embedding.Model = "text-embedding-3-small"
		default:
			c.Embedding.Model = "nomic-embed-text"
		}
	}
	if c.Embedding.Endpoint == "" {
		c.Embedding.Endpoint = "https://api.openai.com/v1/embeddings"
	}
	if c.Embedding.OllamaURL == "" {
		c.Embedding.OllamaURL = "http://localhost:11434"
	}
	if c.Embedding.Dimensions == 0 {
		switch c.Embedding.Provider {
		case "openai":
			c.Embedding.Dimensions = 1536
		default:
			c.Embedding.Dimensions = 768
		}
	}
	if c.Embedding.BatchSize == 0 {
		c.Embedding.BatchSize = 16
	}
	if c.Embedding.MaxRetries == 0 {
		c.Embedding.MaxRetries = 3
	}

	if c.Chunking.Threshold == 0 {
		c.Chunking.Threshold = 0.5
	}
	if c.Chunking.MinChunkSize == 0 {
		c.Chunking.MinChunkSize = 200
	}
	if c.Chunking.MaxChunkSize == 0 {
		c.Chunking.MaxChunkSize = 1500
	}

	if c.Search.DefaultTopK == 0 {
		c.Search.DefaultTopK = 5
	}
	if c.Search.VectorWeight == 0 && c.Search.KeywordWeight == 0 {
		c.Search.VectorWeight = 0.7
		c.Search.KeywordWeight = 0.3
	}
	c.Search.SynonymsPath = expandPath(c.Search.SynonymsPath)

	if c.Synthesis.Provider == "" {
		c.Synthesis.Provider = "ollama"
	}
	if c.Synthesis.Model == "" {
		c.Synthesis.Model = "mistral"
	}
	if c.Synthesis.OllamaURL == "" {
		c.Synthesis.OllamaURL = c.Embedding.OllamaURL
	}

	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = 2
	}
	c.Ingest.MoveTo = expandPath(c.Ingest.MoveTo)
	c.Ingest.ProgressDir = expandPath(c.Ingest.ProgressDir)
	if c.Ingest.ProgressDir == "" {
		c.Ingest.ProgressDir = defaultDataPath("progress")
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "qdrant", "local":
	default:
		return fmt.Errorf("unsupported store backend: %s", c.Store.Backend)
	}

	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("openai provider requires api_key")
		}
	case "ollama":
	default:
		return fmt.Errorf("unsupported embedding provider: %s", c.Embedding.Provider)
	}

	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("dimensions must be positive, got: %d", c.Embedding.Dimensions)
	}
	if c.Embedding.BatchSize <= 0 || c.Embedding.BatchSize > 256 {
		return fmt.Errorf("batch_size must be between 1 and 256, got: %d", c.Embedding.BatchSize)
	}

	if c.Chunking.Threshold < -1 || c.Chunking.Threshold > 1 {
		return fmt.Errorf("threshold must be within [-1, 1], got: %v", c.Chunking.Threshold)
	}
	if c.Chunking.MinChunkSize <= 0 {
		return fmt.Errorf("min_chunk_size must be positive, got: %d", c.Chunking.MinChunkSize)
	}
	if c.Chunking.MaxChunkSize < c.Chunking.MinChunkSize {
		return fmt.Errorf("max_chunk_size (%d) must be >= min_chunk_size (%d)",
			c.Chunking.MaxChunkSize, c.Chunking.MinChunkSize)
	}

	if c.Ingest.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got: %d", c.Ingest.Workers)
	}

	return nil
}

// expandPath expands ~ and $HOME to the user's home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "$HOME/") || path == "$HOME" {
		homeDir := os.Getenv("HOME")
		if homeDir == "" {
			var err error
			homeDir, err = os.UserHomeDir()
			if err != nil {
				return path
			}
		}
		if path == "$HOME" {
			return homeDir
		}
		return filepath.Join(homeDir, path[6:])
	}

	if strings.HasPrefix(path, "~/") || path == "~" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return homeDir
		}
		return filepath.Join(homeDir, path[2:])
	}

	return path
}

func defaultDataPath(name string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".bookvec", "data", name)
	}
	return filepath.Join(homeDir, ".bookvec", "data", name)
}

// SaveToFile saves the configuration to a specific file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

const defaultConfigTemplate = `# bookvec configuration
#
# Copy and edit this file for your environment.
# Default location: $HOME/.bookvec/config/bookvec.yaml

store:
  # Backend: "qdrant" or "local"
  backend: qdrant
  qdrant_url: http://127.0.0.1:6333
  collection: books

embedding:
  # Provider: "ollama" or "openai"
  provider: ollama
  model: nomic-embed-text
  dimensions: 768
  batch_size: 16
  max_retries: 3

  # OpenAI configuration (alternative)
  # provider: openai
  # api_key: your-openai-api-key
  # model: text-embedding-3-small
  # dimensions: 1536

chunking:
  threshold: 0.5
  min_chunk_size: 200
  max_chunk_size: 1500

synthesis:
  enabled: false
  provider: ollama
  model: mistral
`

// WriteDefaultTemplate creates a default configuration file if it does not exist.
// It returns true if a file was created, false if it already existed.
func WriteDefaultTemplate(path string) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("config path is empty")
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o644); err != nil {
		return false, fmt.Errorf("failed to write config template: %w", err)
	}

	return true, nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".bookvec", "config", "bookvec.yaml"), nil
}
