package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single source of tunable behaviour for the processor.
// Every field documented in spec.md's "Configuration surface" table has a
// named home here; nothing is read from an untyped map at call sites.
type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Dev struct {
		Mode bool `yaml:"mode"`
	} `yaml:"dev"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	ChatPlatform struct {
		BaseURL        string        `yaml:"base_url"`
		APIToken       string        `yaml:"api_token"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"chat_platform"`
	LLM struct {
		Provider   string `yaml:"provider"`
		Model      string `yaml:"model"`
		OpenAIKey  string `yaml:"openai_key"`
		OllamaURL  string `yaml:"ollama_url"`
		PromptPath string `yaml:"prompt_path"`
	} `yaml:"llm"`
	Governor struct {
		ContentMinChars  int           `yaml:"content_min_chars"`
		ContentMaxChars  int           `yaml:"content_max_chars"`
		ExternalCheckTTL time.Duration `yaml:"external_check_timeout"`
		BudgetMs         int           `yaml:"budget_ms"`
	} `yaml:"governor"`
	ServiceHours struct {
		Enabled bool `yaml:"enabled"`
		Start   int  `yaml:"start"`
		End     int  `yaml:"end"`
	} `yaml:"service_hours"`
	RateLimit struct {
		WindowMs   int `yaml:"window_ms"`
		MaxRequest int `yaml:"max_requests"`
	} `yaml:"rate_limit"`
	Dedupe struct {
		WindowMs int `yaml:"window_ms"`
	} `yaml:"dedupe"`
	Queue struct {
		MaxConcurrent     int           `yaml:"max_concurrent"`
		MaxRetries        int           `yaml:"max_retries"`
		RetryDelayMs      int           `yaml:"retry_delay_ms"`
		TypingEnabled     bool          `yaml:"typing_enabled"`
		TypingIntervalMs  int           `yaml:"typing_interval_ms"`
		ProcessingTimeout time.Duration `yaml:"processing_timeout"`
		ResultRetention   time.Duration `yaml:"result_retention"`
	} `yaml:"queue"`
	Cache struct {
		TTLFaq       time.Duration `yaml:"ttl_faq"`
		TTLGeneral   time.Duration `yaml:"ttl_general"`
		TTLTransient time.Duration `yaml:"ttl_transient"`
		MaxEntries   int           `yaml:"max_entries"`
		SweepEvery   time.Duration `yaml:"sweep_every"`
	} `yaml:"cache"`
	DLQ struct {
		AlertThreshold int           `yaml:"alert_threshold"`
		CheckInterval  time.Duration `yaml:"check_interval"`
		AlertSuppress  time.Duration `yaml:"alert_suppress"`
	} `yaml:"dlq"`
	Tuner struct {
		MinSamples           int           `yaml:"min_samples"`
		Window               time.Duration `yaml:"window"`
		FPRThreshold         float64       `yaml:"fpr_threshold"`
		RecallFloor          float64       `yaml:"recall_floor"`
		MinAdjustmentPct     float64       `yaml:"min_adjustment_percent"`
		ApprovalThresholdPct float64       `yaml:"approval_threshold_percent"`
		Cooldown             time.Duration `yaml:"cooldown"`
		WeeklyAutoApplyCap   int           `yaml:"weekly_auto_apply_cap"`
	} `yaml:"tuner"`
	Beacon struct {
		RulesPath string `yaml:"rules_path"`
	} `yaml:"beacon"`
	Policy struct {
		Path string `yaml:"path"`
	} `yaml:"policy"`
	ConfigHub struct {
		URL          string        `yaml:"url"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"config_hub"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns the baseline configuration; spec.md §6 documents each
// of these defaults.
func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8088"
	cfg.Dev.Mode = true

	cfg.ChatPlatform.RequestTimeout = 5 * time.Second

	cfg.LLM.Provider = "noop"
	cfg.LLM.PromptPath = "configs/prompts/v1"

	cfg.Governor.ContentMinChars = 1
	cfg.Governor.ContentMaxChars = 4000
	cfg.Governor.ExternalCheckTTL = 20 * time.Millisecond
	cfg.Governor.BudgetMs = 50

	cfg.ServiceHours.Enabled = false
	cfg.ServiceHours.Start = 9
	cfg.ServiceHours.End = 21

	cfg.RateLimit.WindowMs = 60_000
	cfg.RateLimit.MaxRequest = 10

	cfg.Dedupe.WindowMs = 5_000

	cfg.Queue.MaxConcurrent = 5
	cfg.Queue.MaxRetries = 2
	cfg.Queue.RetryDelayMs = 1000
	cfg.Queue.TypingEnabled = true
	cfg.Queue.TypingIntervalMs = 3_000
	cfg.Queue.ProcessingTimeout = 30 * time.Second
	cfg.Queue.ResultRetention = 5 * time.Minute

	cfg.Cache.TTLFaq = 24 * time.Hour
	cfg.Cache.TTLGeneral = 4 * time.Hour
	cfg.Cache.TTLTransient = 30 * time.Minute
	cfg.Cache.MaxEntries = 5000
	cfg.Cache.SweepEvery = 5 * time.Minute

	cfg.DLQ.AlertThreshold = 10
	cfg.DLQ.CheckInterval = 5 * time.Minute
	cfg.DLQ.AlertSuppress = 30 * time.Minute

	cfg.Tuner.MinSamples = 10
	cfg.Tuner.Window = 7 * 24 * time.Hour
	cfg.Tuner.FPRThreshold = 0.30
	cfg.Tuner.RecallFloor = 0.80
	cfg.Tuner.MinAdjustmentPct = 5
	cfg.Tuner.ApprovalThresholdPct = 15
	cfg.Tuner.Cooldown = 24 * time.Hour
	cfg.Tuner.WeeklyAutoApplyCap = 3

	cfg.Beacon.RulesPath = "configs/rules/beacon-rules-v1.yaml"
	cfg.Policy.Path = "configs/policy/outbound-v1.yaml"

	cfg.ConfigHub.PollInterval = 30 * time.Second

	cfg.Log.Level = "info"
	return cfg
}

// Load reads a YAML file (if present) over the defaults, then applies
// environment-variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)

	if cfg.Redis.URL == "" {
		return cfg, errors.New("missing redis.url (or CC_REDIS_URL)")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CC_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CC_DEV_MODE"); v != "" {
		cfg.Dev.Mode = parseBool(v, cfg.Dev.Mode)
	}
	if v := os.Getenv("CC_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CC_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CC_CHAT_BASE_URL"); v != "" {
		cfg.ChatPlatform.BaseURL = v
	}
	if v := os.Getenv("CC_CHAT_API_TOKEN"); v != "" {
		cfg.ChatPlatform.APIToken = v
	}
	if v := os.Getenv("CC_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("CC_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CC_OPENAI_API_KEY"); v != "" {
		cfg.LLM.OpenAIKey = v
	}
	if v := os.Getenv("CC_OLLAMA_URL"); v != "" {
		cfg.LLM.OllamaURL = v
	}
	if v := os.Getenv("CC_SERVICE_HOURS_ENABLED"); v != "" {
		cfg.ServiceHours.Enabled = parseBool(v, cfg.ServiceHours.Enabled)
	}
	if v := os.Getenv("CC_SERVICE_HOURS_START"); v != "" {
		cfg.ServiceHours.Start = parseIntSafe(v, cfg.ServiceHours.Start)
	}
	if v := os.Getenv("CC_SERVICE_HOURS_END"); v != "" {
		cfg.ServiceHours.End = parseIntSafe(v, cfg.ServiceHours.End)
	}
	if v := os.Getenv("CC_RATE_LIMIT_WINDOW_MS"); v != "" {
		cfg.RateLimit.WindowMs = parseIntSafe(v, cfg.RateLimit.WindowMs)
	}
	if v := os.Getenv("CC_RATE_LIMIT_MAX_REQUESTS"); v != "" {
		cfg.RateLimit.MaxRequest = parseIntSafe(v, cfg.RateLimit.MaxRequest)
	}
	if v := os.Getenv("CC_DEDUPE_WINDOW_MS"); v != "" {
		cfg.Dedupe.WindowMs = parseIntSafe(v, cfg.Dedupe.WindowMs)
	}
	if v := os.Getenv("CC_QUEUE_MAX_CONCURRENT"); v != "" {
		cfg.Queue.MaxConcurrent = parseIntSafe(v, cfg.Queue.MaxConcurrent)
	}
	if v := os.Getenv("CC_QUEUE_MAX_RETRIES"); v != "" {
		cfg.Queue.MaxRetries = parseIntSafe(v, cfg.Queue.MaxRetries)
	}
	if v := os.Getenv("CC_QUEUE_RETRY_DELAY_MS"); v != "" {
		cfg.Queue.RetryDelayMs = parseIntSafe(v, cfg.Queue.RetryDelayMs)
	}
	if v := os.Getenv("CC_QUEUE_TYPING_ENABLED"); v != "" {
		cfg.Queue.TypingEnabled = parseBool(v, cfg.Queue.TypingEnabled)
	}
	if v := os.Getenv("CC_QUEUE_TYPING_INTERVAL_MS"); v != "" {
		cfg.Queue.TypingIntervalMs = parseIntSafe(v, cfg.Queue.TypingIntervalMs)
	}
	if v := os.Getenv("CC_DLQ_ALERT_THRESHOLD"); v != "" {
		cfg.DLQ.AlertThreshold = parseIntSafe(v, cfg.DLQ.AlertThreshold)
	}
	if v := os.Getenv("CC_BEACON_RULES_PATH"); v != "" {
		cfg.Beacon.RulesPath = v
	}
	if v := os.Getenv("CC_POLICY_PATH"); v != "" {
		cfg.Policy.Path = v
	}
	if v := os.Getenv("CC_CONFIG_HUB_URL"); v != "" {
		cfg.ConfigHub.URL = v
	}
	if v := os.Getenv("CC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseIntSafe(input string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		return fallback
	}
	return v
}
