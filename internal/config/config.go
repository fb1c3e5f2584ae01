package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"chapterline/internal/evidence"
	"chapterline/internal/period"
)

// Config models chapterline.yml.
type Config struct {
	DefaultTimezone string     `yaml:"default_timezone"`
	Generation      Generation `yaml:"generation"`
	Metrics         struct {
		RollupCap int `yaml:"rollup_cap"`
	} `yaml:"metrics"`
	Evidence Evidence `yaml:"evidence"`
	Server   struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

type Generation struct {
	Model             string        `yaml:"model"`
	ReportModel       string        `yaml:"report_model"`
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

type Evidence struct {
	Weights         map[string]int `yaml:"weights"`
	ShortPeriodDays int            `yaml:"short_period_days"`
	ShortCap        int            `yaml:"short_cap"`
	LongCap         int            `yaml:"long_cap"`
	ActivityCap     int            `yaml:"activity_cap"`
	HookCap         int            `yaml:"hook_cap"`
	HookFloor       int            `yaml:"hook_floor"`
	ImportantTag    string         `yaml:"important_tag"`
}

// ModelFor picks the model for a chapter kind; report chapters may use a dedicated model.
func (g Generation) ModelFor(kind string) string {
	if kind == "report" && g.ReportModel != "" {
		return g.ReportModel
	}
	return g.Model
}

// APIKey reads the generation secret from the configured environment variable.
func (g Generation) APIKey() string {
	name := g.APIKeyEnv
	if name == "" {
		name = "OPENAI_API_KEY"
	}
	return os.Getenv(name)
}

// EvidenceOptions merges configured overrides over the selector defaults.
func (c *Config) EvidenceOptions() evidence.Options {
	opts := evidence.DefaultOptions()
	e := c.Evidence
	if len(e.Weights) > 0 {
		w := evidence.Weights{}
		for k, v := range e.Weights {
			w[evidence.Reason(k)] = v
		}
		opts.Weights = w.Merge()
	}
	for _, o := range []struct {
		dst *int
		src int
	}{
		{&opts.ShortPeriodDays, e.ShortPeriodDays}, {&opts.ShortCap, e.ShortCap}, {&opts.LongCap, e.LongCap},
		{&opts.ActivityCap, e.ActivityCap}, {&opts.HookCap, e.HookCap}, {&opts.HookFloor, e.HookFloor},
	} {
		if o.src > 0 {
			*o.dst = o.src
		}
	}
	if e.ImportantTag != "" {
		opts.ImportantTag = e.ImportantTag
	}
	return opts
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.DefaultTimezone != "" {
		if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
			return fmt.Errorf("config.default_timezone %q: %w", c.DefaultTimezone, err)
		}
	}
	g := c.Generation
	if g.Model == "" {
		return fmt.Errorf("config.generation.model is required")
	}
	if g.Timeout < 0 {
		return fmt.Errorf("config.generation.timeout must not be negative")
	}
	if g.Concurrency < 1 {
		return fmt.Errorf("config.generation.concurrency must be at least 1")
	}
	if g.RequestsPerMinute < 0 {
		return fmt.Errorf("config.generation.requests_per_minute must not be negative")
	}
	if g.MaxRetries < 0 {
		return fmt.Errorf("config.generation.max_retries must not be negative")
	}
	if c.Metrics.RollupCap < 0 {
		return fmt.Errorf("config.metrics.rollup_cap must not be negative")
	}
	known := evidence.DefaultWeights()
	for reason, w := range c.Evidence.Weights {
		if _, ok := known[evidence.Reason(reason)]; !ok {
			return fmt.Errorf("config.evidence.weights has unknown reason %s", reason)
		}
		if w < 0 {
			return fmt.Errorf("config.evidence.weights.%s must not be negative", reason)
		}
	}
	return nil
}

// Timezone is the zone used when a template carries none.
func (c *Config) Timezone() string {
	if c.DefaultTimezone == "" {
		return period.DefaultZone
	}
	return c.DefaultTimezone
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "chapterline.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the workspace has no config file.
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML overlays raw YAML on the defaults and validates the result.
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

const defaultTemplate = `default_timezone: UTC

generation:
  model: gpt-4.1-mini
  report_model: ""
  api_key_env: OPENAI_API_KEY
  timeout: 90s
  max_retries: 3
  concurrency: 4
  requests_per_minute: 30

metrics:
  rollup_cap: 60

evidence:
  short_period_days: 14
  short_cap: 5
  long_cap: 10
  activity_cap: 80
  hook_cap: 3
  hook_floor: 40
  important_tag: important
  weights:
    first_goal_completion_ever: 90
    long_running_completed: 80
    user_flagged_important: 75
    first_arc_touch: 70
    first_goal_completion_in_period: 60
    high_effort: 50
    completed_in_period: 20

server:
  addr: 127.0.0.1:8080
`
