// Package config defines the typed configuration of sttq and loads it from
// a YAML file, STTQ_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"sttq/pkg/dispatch"
	"sttq/pkg/jobs"
)

// EnvPrefix is the prefix of every environment override (STTQ_QUEUE_DIR, ...).
const EnvPrefix = "STTQ"

// Config holds all sttq configuration.
type Config struct {
	HostID      string `mapstructure:"host_id" yaml:"host_id"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`

	Queue     QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Select    SelectConfig     `mapstructure:"select" yaml:"select"`
	Paths     PathsConfig      `mapstructure:"paths" yaml:"paths"`
	Process   ProcessConfig    `mapstructure:"process" yaml:"process"`
	Summarize SummarizeConfig  `mapstructure:"summarize" yaml:"summarize"`
	RateGate  RateGateConfig   `mapstructure:"rate_gate" yaml:"rate_gate"`
	Providers []ProviderConfig `mapstructure:"providers" yaml:"providers" validate:"dive"`
}

// QueueConfig locates the shared queue repository.
type QueueConfig struct {
	Dir           string        `mapstructure:"dir" yaml:"dir"`
	Remote        string        `mapstructure:"remote" yaml:"remote" validate:"required"`
	Branch        string        `mapstructure:"branch" yaml:"branch"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval" validate:"gt=0"`
	ChunkSize     int           `mapstructure:"chunk_size" yaml:"chunk_size" validate:"gt=0"`
	GitTimeout    time.Duration `mapstructure:"git_timeout" yaml:"git_timeout" validate:"gt=0"`
}

// SelectConfig controls which job a server takes next.
type SelectConfig struct {
	Policy        string  `mapstructure:"policy" yaml:"policy" validate:"oneof=less_than better_greater_than"`
	DurationLimit float64 `mapstructure:"duration_limit" yaml:"duration_limit" validate:"gt=0"`
	MaxCycles     int     `mapstructure:"max_cycles" yaml:"max_cycles" validate:"gte=1"`
}

// PathsConfig holds the local directories and files outside the queue.
type PathsConfig struct {
	NewListDir     string `mapstructure:"new_list_dir" yaml:"new_list_dir"`
	ArchiveListDir string `mapstructure:"archive_list_dir" yaml:"archive_list_dir"`
	WorkFile       string `mapstructure:"work_file" yaml:"work_file" validate:"required"`
	ResultsDir     string `mapstructure:"results_dir" yaml:"results_dir" validate:"required"`
	SaveDir        string `mapstructure:"save_dir" yaml:"save_dir"`
	LedgerDB       string `mapstructure:"ledger_db" yaml:"ledger_db"`
}

// ProcessConfig describes the external command that processes one job.
type ProcessConfig struct {
	Command []string      `mapstructure:"command" yaml:"command,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
}

// SummarizeConfig controls the Markdown summary batch.
type SummarizeConfig struct {
	Dir               string `mapstructure:"dir" yaml:"dir"`
	SummaryHeading    string `mapstructure:"summary_heading" yaml:"summary_heading" validate:"required"`
	TranscriptHeading string `mapstructure:"transcript_heading" yaml:"transcript_heading" validate:"required"`
	Credit            string `mapstructure:"credit" yaml:"credit"`
	SystemPrompt      string `mapstructure:"system_prompt" yaml:"system_prompt"`
	UserPrompt        string `mapstructure:"user_prompt" yaml:"user_prompt" validate:"required"`
}

// RateGateConfig enables the Redis-backed rate gate when RedisAddr is set.
type RateGateConfig struct {
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db" yaml:"redis_db" validate:"gte=0"`
}

// ProviderConfig is one AI provider account.
type ProviderConfig struct {
	Name        string        `mapstructure:"name" yaml:"name" validate:"required"`
	Kind        string        `mapstructure:"kind" yaml:"kind" validate:"omitempty,oneof=openai gemini"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
	Model       string        `mapstructure:"model" yaml:"model"`
	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval" validate:"gte=0"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
	Disabled    bool          `mapstructure:"disabled" yaml:"disabled,omitempty"`
}

const defaultUserPrompt = `Summarize the key points of the following video transcript.
Explain the reasoning behind each point and call out risks or open questions.

---
{{.Content}}
---
`

// Default returns the configuration used when nothing overrides a key.
func Default() Config {
	return Config{
		LogLevel: "info",
		Queue: QueueConfig{
			Remote:        "origin",
			RetryInterval: 10 * time.Second,
			ChunkSize:     100,
			GitTimeout:    2 * time.Minute,
		},
		Select: SelectConfig{
			Policy:        string(jobs.PolicyLessThan),
			DurationLimit: jobs.DefaultDurationLimit,
			MaxCycles:     3,
		},
		Paths: PathsConfig{
			NewListDir:     "data/new_lists",
			ArchiveListDir: "data/archived_lists",
			WorkFile:       "data/work/bv_list.txt",
			ResultsDir:     "data/work/results",
			SaveDir:        "data/save",
			LedgerDB:       "data/sttq.db",
		},
		Process: ProcessConfig{
			Timeout: 2 * time.Hour,
		},
		Summarize: SummarizeConfig{
			Dir:               "data/markdown",
			SummaryHeading:    "AI总结",
			TranscriptHeading: "视频文稿",
			Credit:            "> 本总结由 %s 生成",
			SystemPrompt:      "You are an experienced analyst who writes concise, well-structured summaries.",
			UserPrompt:        defaultUserPrompt,
		},
		Providers: []ProviderConfig{
			{
				Name:        "openai-main",
				Kind:        dispatch.KindOpenAI,
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				MinInterval: 2 * time.Second,
				Timeout:     2 * time.Minute,
			},
		},
	}
}

// SetDefaults registers Default() with v so that env overrides apply to
// keys missing from the config file. The sample provider list is only
// rendered by "sttq init", never applied implicitly.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("host_id", d.HostID)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("metrics_addr", d.MetricsAddr)

	v.SetDefault("queue.dir", d.Queue.Dir)
	v.SetDefault("queue.remote", d.Queue.Remote)
	v.SetDefault("queue.branch", d.Queue.Branch)
	v.SetDefault("queue.retry_interval", d.Queue.RetryInterval)
	v.SetDefault("queue.chunk_size", d.Queue.ChunkSize)
	v.SetDefault("queue.git_timeout", d.Queue.GitTimeout)

	v.SetDefault("select.policy", d.Select.Policy)
	v.SetDefault("select.duration_limit", d.Select.DurationLimit)
	v.SetDefault("select.max_cycles", d.Select.MaxCycles)

	v.SetDefault("paths.new_list_dir", d.Paths.NewListDir)
	v.SetDefault("paths.archive_list_dir", d.Paths.ArchiveListDir)
	v.SetDefault("paths.work_file", d.Paths.WorkFile)
	v.SetDefault("paths.results_dir", d.Paths.ResultsDir)
	v.SetDefault("paths.save_dir", d.Paths.SaveDir)
	v.SetDefault("paths.ledger_db", d.Paths.LedgerDB)

	v.SetDefault("process.timeout", d.Process.Timeout)

	v.SetDefault("summarize.dir", d.Summarize.Dir)
	v.SetDefault("summarize.summary_heading", d.Summarize.SummaryHeading)
	v.SetDefault("summarize.transcript_heading", d.Summarize.TranscriptHeading)
	v.SetDefault("summarize.credit", d.Summarize.Credit)
	v.SetDefault("summarize.system_prompt", d.Summarize.SystemPrompt)
	v.SetDefault("summarize.user_prompt", d.Summarize.UserPrompt)

	v.SetDefault("rate_gate.redis_addr", d.RateGate.RedisAddr)
	v.SetDefault("rate_gate.redis_db", d.RateGate.RedisDB)
}

// NewViper returns a viper instance with defaults, the STTQ env prefix and
// the search path for sttq.yaml. cfgFile, when set, replaces the search.
func NewViper(cfgFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("sttq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sttq")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads the config file into v. A missing file is not an error when
// no explicit path was requested; it returns the file used, if any.
func ReadFile(v *viper.Viper) (string, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("invalid config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// RequireQueue reports a setup error when queue.dir is unset.
func (c *Config) RequireQueue() error {
	if c.Queue.Dir == "" {
		return errors.New("queue.dir is not set (config file, --queue-dir or STTQ_QUEUE_DIR)")
	}
	return nil
}

// ErrNoCredentials is returned by RequireProviders when every enabled
// provider lacks an api_key.
var ErrNoCredentials = errors.New("no enabled provider has an api_key")

// RequireProviders reports a setup error when no provider is enabled or none
// of the enabled ones carries credentials. Keyless providers next to a keyed
// one are kept; they retire on their first call.
func (c *Config) RequireProviders() error {
	enabled := 0
	for _, p := range c.Providers {
		if p.Disabled {
			continue
		}
		enabled++
		if p.APIKey != "" {
			return nil
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no providers configured: %w", dispatch.ErrNoProviders)
	}
	return fmt.Errorf("%d enabled providers: %w", enabled, ErrNoCredentials)
}

// Policy returns the configured selection policy.
func (c *Config) Policy() (jobs.Policy, error) {
	return jobs.ParsePolicy(c.Select.Policy, c.Select.DurationLimit)
}

// ProviderConfigs converts the provider list for dispatch. Disabled
// providers are passed through as Failed so reports still name them.
func (c *Config) ProviderConfigs() []dispatch.ProviderConfig {
	out := make([]dispatch.ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		kind := p.Kind
		if kind == "" {
			kind = dispatch.KindOpenAI
		}
		out[i] = dispatch.ProviderConfig{
			Name:        p.Name,
			Kind:        kind,
			APIKey:      p.APIKey,
			BaseURL:     p.BaseURL,
			Model:       p.Model,
			MinInterval: p.MinInterval,
			Timeout:     p.Timeout,
			Failed:      p.Disabled,
		}
	}
	return out
}
