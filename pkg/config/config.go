// Package config loads and validates the refract configuration from YAML
// files with environment variable overrides for credentials.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/refract-ml/refract/pkg/errors"
)

// Config is the root configuration for both optimization and inference runs.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Dataset   DatasetConfig   `yaml:"dataset"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Scorer    ScorerConfig    `yaml:"scorer"`
	Oracle    OracleConfig    `yaml:"oracle"`
	GEPA      GEPAConfig      `yaml:"gepa"`
	Registry  RegistryConfig  `yaml:"registry"`
	Inference InferenceConfig `yaml:"inference"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR FATAL"`
	File  string `yaml:"file"`
}

type DatasetConfig struct {
	Path            string   `yaml:"path" validate:"required"`
	ExcludeContexts []string `yaml:"exclude_contexts"`
	MaxTrain        int      `yaml:"max_train_per_context" validate:"min=1"`
	MaxEval         int      `yaml:"max_eval_per_context" validate:"min=0"`
	Seed            int64    `yaml:"seed"`
}

type SandboxConfig struct {
	Interpreter []string      `yaml:"interpreter"`
	OutputFile  string        `yaml:"output_file"`
	WorkRoot    string        `yaml:"work_root"`
	Timeout     time.Duration `yaml:"timeout" validate:"min=1s"`
	MemoryMB    int           `yaml:"memory_mb" validate:"min=0"`
	Seed        int64         `yaml:"seed"`
}

type ScorerConfig struct {
	EndpointURL string        `yaml:"endpoint_url" validate:"omitempty,url"`
	Timeout     time.Duration `yaml:"timeout" validate:"min=1s"`
}

type OracleConfig struct {
	Provider string        `yaml:"provider" validate:"oneof=anthropic chat"`
	Model    string        `yaml:"model" validate:"required"`
	BaseURL  string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout" validate:"min=1s"`
}

type GEPAConfig struct {
	PopulationSize   int           `yaml:"population_size" validate:"min=2"`
	MaxGenerations   int           `yaml:"max_generations" validate:"min=1"`
	MutationRate     float64       `yaml:"mutation_rate" validate:"min=0,max=1"`
	CrossoverRate    float64       `yaml:"crossover_rate" validate:"min=0,max=1"`
	Epsilon          float64       `yaml:"epsilon" validate:"min=0"`
	StagnationLimit  int           `yaml:"stagnation_limit" validate:"min=1"`
	FitnessCeiling   float64       `yaml:"fitness_ceiling" validate:"min=0,max=1"`
	Workers          int           `yaml:"workers" validate:"min=1"`
	ContextWorkers   int           `yaml:"context_workers" validate:"min=1"`
	GenerationBudget time.Duration `yaml:"generation_budget" validate:"min=0"`
	SeedInstruction  string        `yaml:"seed_instruction"`
}

type RegistryConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type InferenceConfig struct {
	MaxIterations int    `yaml:"max_iterations" validate:"min=1"`
	RunsDir       string `yaml:"runs_dir"`
}

// Default returns the configuration used when a field is absent from the
// YAML file. Evolutionary defaults follow the optimizer's published ones;
// dataset split caps follow the training pipeline's.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO"},
		Dataset: DatasetConfig{
			Path:     "data/testmini.parquet",
			MaxTrain: 5,
			MaxEval:  20,
			Seed:     42,
		},
		Sandbox: SandboxConfig{
			Interpreter: []string{"python3"},
			OutputFile:  "output.png",
			Timeout:     60 * time.Second,
			MemoryMB:    1024,
			Seed:        42,
		},
		Scorer: ScorerConfig{
			Timeout: 30 * time.Second,
		},
		Oracle: OracleConfig{
			Provider: "chat",
			Model:    "Qwen/Qwen3-VL-8B-Instruct",
			BaseURL:  "http://localhost:8000/v1",
			Timeout:  120 * time.Second,
		},
		GEPA: GEPAConfig{
			PopulationSize:   8,
			MaxGenerations:   10,
			MutationRate:     0.3,
			CrossoverRate:    0.7,
			Epsilon:          0.01,
			StagnationLimit:  3,
			FitnessCeiling:   0.95,
			Workers:          3,
			ContextWorkers:   2,
			GenerationBudget: 15 * time.Minute,
			SeedInstruction: "You are an expert Python developer and artist. " +
				"Write a self-contained Python script that visually recreates the input image " +
				"using libraries like Matplotlib or PIL, and save the result to output.png.",
		},
		Registry: RegistryConfig{Path: "refract.db"},
		Inference: InferenceConfig{
			MaxIterations: 3,
			RunsDir:       "runs",
		},
	}
}

// Load reads the YAML file at path on top of the defaults, applies
// environment overrides, and validates the result. A missing file yields the
// validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.WithFields(
					errors.Wrap(err, errors.InvalidInput, "failed to read config file"),
					errors.Fields{"path": path})
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WithFields(
				errors.Wrap(err, errors.InvalidInput, "failed to parse config file"),
				errors.Fields{"path": path})
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv pulls credentials from the environment so they stay out of config
// files. File values win only when the variable is unset.
func (c *Config) applyEnv() {
	if c.Oracle.APIKey == "" {
		switch c.Oracle.Provider {
		case "anthropic":
			c.Oracle.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		default:
			c.Oracle.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if v := os.Getenv("REFRACT_EMBED_URL"); v != "" && c.Scorer.EndpointURL == "" {
		c.Scorer.EndpointURL = v
	}
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, errors.ValidationFailed, "invalid configuration")
	}
	return nil
}
