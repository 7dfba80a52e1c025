package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"reqline/internal/domain"
)

// Config models reqline.yml.
type Config struct {
	Confidence struct {
		Threshold float64 `yaml:"threshold" json:"threshold"`
		Default   float64 `yaml:"default" json:"default"`
	} `yaml:"confidence" json:"confidence"`
	Pipeline struct {
		Workers int `yaml:"workers" json:"workers"`
	} `yaml:"pipeline" json:"pipeline"`
	Generation struct {
		TestTypes []domain.TestType `yaml:"test_types" json:"test_types"`
	} `yaml:"generation" json:"generation"`
	Search struct {
		ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
		Overlap   int `yaml:"overlap" json:"overlap"`
		TopK      int `yaml:"top_k" json:"top_k"`
	} `yaml:"search" json:"search"`
	Collaborators struct {
		Gemini  GeminiConfig  `yaml:"gemini" json:"gemini"`
		Tickets TicketsConfig `yaml:"tickets" json:"tickets"`
	} `yaml:"collaborators" json:"collaborators"`
}

type GeminiConfig struct {
	Model      string `yaml:"model" json:"model"`
	JudgeModel string `yaml:"judge_model" json:"judge_model"`
	// EmbeddingModel is used for requirement chunks and search queries.
	EmbeddingModel string `yaml:"embedding_model" json:"embedding_model"`
}

type TicketsConfig struct {
	URL            string `yaml:"url" json:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	Secret         string `yaml:"secret" json:"-"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Confidence.Threshold < 0 || c.Confidence.Threshold > 1 {
		return fmt.Errorf("config.confidence.threshold must be within [0,1]")
	}
	if c.Confidence.Default < 0 || c.Confidence.Default > 1 {
		return fmt.Errorf("config.confidence.default must be within [0,1]")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("config.pipeline.workers must be at least 1")
	}
	if len(c.Generation.TestTypes) == 0 {
		return fmt.Errorf("config.generation.test_types is required")
	}
	seen := map[domain.TestType]bool{}
	for _, tt := range c.Generation.TestTypes {
		if !tt.Valid() {
			return fmt.Errorf("config.generation.test_types has unknown type %q", tt)
		}
		if seen[tt] {
			return fmt.Errorf("config.generation.test_types lists %q twice", tt)
		}
		seen[tt] = true
	}
	if c.Search.ChunkSize < 1 {
		return fmt.Errorf("config.search.chunk_size must be at least 1")
	}
	if c.Search.Overlap < 0 || c.Search.Overlap >= c.Search.ChunkSize {
		return fmt.Errorf("config.search.overlap must be within [0,chunk_size)")
	}
	if c.Search.TopK < 1 {
		return fmt.Errorf("config.search.top_k must be at least 1")
	}
	if c.Collaborators.Tickets.TimeoutSeconds < 0 {
		return fmt.Errorf("config.collaborators.tickets.timeout_seconds must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reqline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their template defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `confidence:
  # approve at or above this overall/reviewer confidence
  threshold: 0.7
  # overall confidence when an extraction carries no numeric scores
  default: 0.5

pipeline:
  workers: 4

generation:
  test_types: [positive, negative, boundary]

search:
  # approximate characters per embedded chunk
  chunk_size: 500
  # characters carried over between neighbouring chunks
  overlap: 50
  top_k: 5

collaborators:
  gemini:
    model: gemini-2.5-flash-lite
    judge_model: gemini-2.5-pro
    embedding_model: text-embedding-004
  tickets:
    url: ""
    timeout_seconds: 10
`
