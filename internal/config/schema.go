package config

import "time"

// Config holds storypress configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Generation GenerationCfg `mapstructure:"generation" yaml:"generation"`
	Provider   ProviderCfg   `mapstructure:"provider" yaml:"provider"`
	Assembly   AssemblyCfg   `mapstructure:"assembly" yaml:"assembly"`
	SMTP       SMTPCfg       `mapstructure:"smtp" yaml:"smtp"`
}

// GenerationCfg governs the per-order generation run.
type GenerationCfg struct {
	// Workers is the fixed worker pool size per order.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// RequestsPerMinute caps illustration-service calls per rolling minute per order.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	// MaxAttempts is the per-page attempt budget.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// RetryBackoff is the fixed delay before retrying a transient failure.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	// FailureCeiling aborts an order after this many permanent page failures.
	FailureCeiling int `mapstructure:"failure_ceiling" yaml:"failure_ceiling"`
}

// ProviderCfg configures the illustration provider.
type ProviderCfg struct {
	Type       string        `mapstructure:"type" yaml:"type"`             // "openai"
	Model      string        `mapstructure:"model" yaml:"model"`           // image model name
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`       // supports ${ENV_VAR} syntax
	Size       string        `mapstructure:"size" yaml:"size"`             // output image size
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`       // HTTP timeout
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"` // SDK transport retries
}

// AssemblyCfg configures book assembly.
type AssemblyCfg struct {
	// Trace enables vector tracing of page images (raster fallback per page).
	Trace bool `mapstructure:"trace" yaml:"trace"`
	// TraceBinary is the potrace executable used for tracing.
	TraceBinary string `mapstructure:"trace_binary" yaml:"trace_binary"`
	// CaptionMaxLines caps wrapped caption lines; the last line is
	// truncated with an ellipsis on overflow.
	CaptionMaxLines int `mapstructure:"caption_max_lines" yaml:"caption_max_lines"`
}

// SMTPCfg configures completion notifications. Leave Host empty to
// log notifications instead of sending mail.
type SMTPCfg struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"` // supports ${ENV_VAR} syntax
	From     string `mapstructure:"from" yaml:"from"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Generation: GenerationCfg{
			Workers:           2,
			RequestsPerMinute: 4,
			MaxAttempts:       5,
			RetryBackoff:      5 * time.Second,
			FailureCeiling:    50,
		},
		Provider: ProviderCfg{
			Type:       "openai",
			Model:      "gpt-image-1",
			APIKey:     "${OPENAI_API_KEY}",
			Size:       "1024x1536",
			Timeout:    300 * time.Second,
			MaxRetries: 2,
		},
		Assembly: AssemblyCfg{
			Trace:           true,
			TraceBinary:     "potrace",
			CaptionMaxLines: 3,
		},
		SMTP: SMTPCfg{
			Port:     587,
			Password: "${SMTP_PASSWORD}",
			From:     "books@storypress.local",
		},
	}
}
