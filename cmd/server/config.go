package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/MegaGrindStone/companion-chat/internal/pipeline"
	"github.com/MegaGrindStone/companion-chat/internal/services"
	"github.com/MegaGrindStone/companion-chat/internal/tokens"
	"github.com/caarlos0/env/v11"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type titleGenConfig interface {
	titleGen(cfg config, completion services.Completion) (pipeline.TitleGenerator, error)
}

// BaseTitleGenConfig contains the common fields for all title generator configurations.
type BaseTitleGenConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	Endpoint     string         `yaml:"endpoint"`
	APIKey       string         `yaml:"apiKey"`
	DefaultModel models.ModelID `yaml:"defaultModel"`

	Pricing          tokens.Pricing `yaml:"pricing"`
	PriceNumber      int64          `yaml:"priceNumber"`
	TokenNumber      int64          `yaml:"tokenNumber"`
	AutoTitle        *bool          `yaml:"autoTitle"`
	CountTotalTokens bool           `yaml:"countTotalTokens"`

	Language            string             `yaml:"language"`
	RefusalMessage      string             `yaml:"refusalMessage"`
	SensitiveWordsFile  string             `yaml:"sensitiveWordsFile"`
	AugmentedCompanions []models.Companion `yaml:"augmentedCompanions"`
	UserID              string             `yaml:"userID"`

	RateLimit rateLimitConfig `yaml:"rateLimit"`
	Ledger    ledgerConfig    `yaml:"ledger"`
	History   historyConfig   `yaml:"history"`

	TitleGenerator titleGenConfig `yaml:"-"`
}

type rateLimitConfig struct {
	PerMinute int `yaml:"perMinute"`
	Burst     int `yaml:"burst"`
}

type ledgerConfig struct {
	// Driver is "sqlite", "postgres", or empty to keep the ledger in memory only.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type historyConfig struct {
	Enabled        bool   `yaml:"enabled"`
	DatabaseURL    string `yaml:"databaseURL"`
	EmbeddingModel string `yaml:"embeddingModel"`
}

type endpointTitleGenConfig struct {
	BaseTitleGenConfig `yaml:",inline"`
	MaxTokens          int `yaml:"maxTokens"`
}

type ollamaTitleGenConfig struct {
	BaseTitleGenConfig `yaml:",inline"`
	Host               string `yaml:"host"`
}

// envConfig holds the settings that may come from the environment. Non-empty values override the
// config file.
type envConfig struct {
	Port        string `env:"PORT"`
	LogLevel    string `env:"LOG_LEVEL"`
	Endpoint    string `env:"API_ENDPOINT"`
	APIKey      string `env:"OPENAI_API_KEY"`
	DatabaseURL string `env:"DATABASE_URL"`
	UserID      string `env:"CHAT_USER_ID"`
}

const (
	defaultPort        = "8080"
	defaultPriceNumber = 1
	defaultTokenNumber = 100000
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	// rawConfig shares every field but the title generator, which needs its provider first.
	type plain config
	var rawConfig struct {
		plain          `yaml:",inline"`
		TitleGenerator map[string]any `yaml:"titleGenerator"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	*c = config(rawConfig.plain)

	if len(rawConfig.TitleGenerator) == 0 {
		return nil
	}

	provider, ok := rawConfig.TitleGenerator["provider"].(string)
	if !ok {
		return fmt.Errorf("title generator provider is required")
	}

	titleGenRawYAML, err := yaml.Marshal(rawConfig.TitleGenerator)
	if err != nil {
		return err
	}

	var titleGen titleGenConfig
	switch provider {
	case "endpoint":
		titleGen = &endpointTitleGenConfig{}
	case "ollama":
		titleGen = &ollamaTitleGenConfig{}
	default:
		return fmt.Errorf("unknown title generator provider: %s", provider)
	}

	if err := yaml.Unmarshal(titleGenRawYAML, titleGen); err != nil {
		return err
	}

	c.TitleGenerator = titleGen

	return nil
}

// applyEnv overrides c with the non-empty environment settings and fills in defaults.
func (c *config) applyEnv() error {
	var e envConfig
	if err := env.Parse(&e); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&c.Port, e.Port)
	override(&c.LogLevel, e.LogLevel)
	override(&c.Endpoint, e.Endpoint)
	override(&c.APIKey, e.APIKey)
	override(&c.History.DatabaseURL, e.DatabaseURL)
	override(&c.UserID, e.UserID)
	if e.DatabaseURL != "" && c.Ledger.Driver == "postgres" && c.Ledger.DSN == "" {
		c.Ledger.DSN = e.DatabaseURL
	}

	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.Endpoint == "" {
		c.Endpoint = services.OfficialEndpoint
	}
	if c.DefaultModel == "" {
		c.DefaultModel = models.DefaultModel
	}
	if c.PriceNumber == 0 {
		c.PriceNumber = defaultPriceNumber
	}
	if c.TokenNumber == 0 {
		c.TokenNumber = defaultTokenNumber
	}
	if c.AugmentedCompanions == nil {
		c.AugmentedCompanions = []models.Companion{models.CompanionChristianGPT}
	}

	return nil
}

func (c config) autoTitle() bool {
	return c.AutoTitle == nil || *c.AutoTitle
}

func (c config) logLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// chatConfig is the generation config new conversations start with.
func (c config) chatConfig() models.Config {
	cfg := models.DefaultChatConfig()
	cfg.Model = c.DefaultModel
	return cfg
}

// titleGen returns the configured title generator, or one asking the completion endpoint when
// none is configured.
func (c config) titleGen(completion services.Completion) (pipeline.TitleGenerator, error) {
	if c.TitleGenerator == nil {
		return endpointTitleGenConfig{}.titleGen(c, completion)
	}
	return c.TitleGenerator.titleGen(c, completion)
}

func (e endpointTitleGenConfig) titleGen(cfg config, completion services.Completion) (pipeline.TitleGenerator, error) {
	chatCfg := cfg.chatConfig()
	if e.Model != "" {
		chatCfg.Model = models.ModelID(e.Model)
	}
	if e.MaxTokens > 0 {
		chatCfg.MaxTokens = e.MaxTokens
	}
	return services.NewCompletionTitler(completion, cfg.Endpoint, cfg.APIKey, chatCfg), nil
}

func (o ollamaTitleGenConfig) titleGen(config, services.Completion) (pipeline.TitleGenerator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, http.DefaultClient)
}

// postgresURL is the database the Postgres ledger and the history search share.
func (c config) postgresURL() string {
	if c.Ledger.Driver == "postgres" && c.Ledger.DSN != "" {
		return c.Ledger.DSN
	}
	if c.History.Enabled || c.Ledger.Driver == "postgres" {
		return c.History.DatabaseURL
	}
	return ""
}

// limiter throttles submissions. A nil limiter means no limit.
func (c config) limiter() *rate.Limiter {
	if c.RateLimit.PerMinute <= 0 {
		return nil
	}
	burst := max(c.RateLimit.Burst, 1)
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.RateLimit.PerMinute)), burst)
}
