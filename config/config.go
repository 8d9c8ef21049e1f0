package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/candelahealth/streamrun/pipeline"
)

// Settings is the root structure for one pipeline run's configuration
// (e.g. from YAML, overlaid from the environment).
type Settings struct {
	Category     string `yaml:"category" envconfig:"RUN_CATEGORY"`
	Name         string `yaml:"name" envconfig:"RUN_NAME"`
	ResourceType string `yaml:"resource_type" envconfig:"RESOURCE_TYPE"`

	// RunType: "fresh" | "resume". A resume run requires ReferenceRunID.
	RunType        string `yaml:"run_type" envconfig:"RUN_TYPE" default:"fresh"`
	ReferenceRunID string `yaml:"reference_run_id" envconfig:"REFERENCE_RUN_ID"`

	MaxParallelism int `yaml:"max_parallelism" envconfig:"MAX_PARALLELISM" default:"4"`
	QueueCapacity  int `yaml:"queue_capacity" envconfig:"QUEUE_CAPACITY" default:"16"`

	DatabaseURL string `yaml:"database_url" envconfig:"DATABASE_URL"`
	ArtifactDir string `yaml:"artifact_dir" envconfig:"ARTIFACT_DIR"`

	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL" default:"info"`

	// ShutdownGrace bounds the run's total drain time (e.g. "30s"); zero
	// leaves the run unbounded. Applied by Context as a deadline.
	ShutdownGrace Duration `yaml:"shutdown_grace" envconfig:"SHUTDOWN_GRACE"`
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "60s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler so the environment
// overlay can set durations.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Parse parses YAML bytes into Settings.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return &s, nil
}

// Load reads and parses a YAML settings file, then applies the environment
// overlay (STREAMRUN_* variables take precedence over the file).
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := envconfig.Process("streamrun", s); err != nil {
		return nil, fmt.Errorf("settings from env: %w", err)
	}
	return s, nil
}

// FromEnv builds Settings from the environment alone (STREAMRUN_* variables
// and struct defaults).
func FromEnv() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("streamrun", &s); err != nil {
		return nil, fmt.Errorf("settings from env: %w", err)
	}
	return &s, nil
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	if _, err := s.PipelineRunType(); err != nil {
		return err
	}
	if s.RunType == "resume" && s.ReferenceRunID == "" {
		return fmt.Errorf("run_type resume requires reference_run_id")
	}
	if s.MaxParallelism < 1 {
		return fmt.Errorf("max_parallelism must be >= 1, got %d", s.MaxParallelism)
	}
	if s.QueueCapacity < 0 {
		return fmt.Errorf("queue_capacity must be >= 0, got %d", s.QueueCapacity)
	}
	return nil
}

// PipelineRunType maps RunType onto the engine's run type.
func (s *Settings) PipelineRunType() (pipeline.RunType, error) {
	switch s.RunType {
	case "", "fresh":
		return pipeline.RunFresh, nil
	case "resume":
		return pipeline.RunResume, nil
	default:
		return pipeline.RunFresh, fmt.Errorf("run_type %q not supported (use \"fresh\" or \"resume\")", s.RunType)
	}
}

// Options translates Settings into RunContext options. Collaborators are
// wired separately by the caller (they need live connections).
func (s *Settings) Options() ([]pipeline.RunOption, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	opts := []pipeline.RunOption{
		pipeline.WithCategory(s.Category, s.Name),
		pipeline.WithDefaults(pipeline.StepOptions{
			MaxParallelism: s.MaxParallelism,
			QueueCapacity:  s.QueueCapacity,
		}),
	}
	if s.RunType == "resume" {
		opts = append(opts, pipeline.WithResume(s.ReferenceRunID))
	}
	return opts, nil
}

// Context derives the run context from parent. When ShutdownGrace is set it
// becomes the run's deadline; a run that has not drained by then is canceled
// and Complete unwinds.
func (s *Settings) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if d := s.ShutdownGrace.Duration(); d > 0 {
		return context.WithTimeout(parent, d)
	}
	return context.WithCancel(parent)
}

// Logger builds a zap logger for the configured level. "none" yields a no-op
// logger.
func (s *Settings) Logger() (*zap.Logger, error) {
	if s.LogLevel == "none" {
		return zap.NewNop(), nil
	}
	level, err := zap.ParseAtomicLevel(s.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", s.LogLevel, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	return cfg.Build()
}
