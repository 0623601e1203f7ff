package main

import (
	"strings"
	"testing"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/MegaGrindStone/companion-chat/internal/services"
	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name        string
		yaml        string
		wantErr     string
		wantTitleGn any
	}{
		{
			name: "Ollama title generator",
			yaml: `
port: "9000"
titleGenerator:
  provider: ollama
  model: llama3
  host: http://localhost:11434
`,
			wantTitleGn: &ollamaTitleGenConfig{
				BaseTitleGenConfig: BaseTitleGenConfig{Provider: "ollama", Model: "llama3"},
				Host:               "http://localhost:11434",
			},
		},
		{
			name: "Endpoint title generator",
			yaml: `
titleGenerator:
  provider: endpoint
  maxTokens: 30
`,
			wantTitleGn: &endpointTitleGenConfig{
				BaseTitleGenConfig: BaseTitleGenConfig{Provider: "endpoint"},
				MaxTokens:          30,
			},
		},
		{
			name: "No title generator",
			yaml: `port: "9000"`,
		},
		{
			name: "Unknown provider",
			yaml: `
titleGenerator:
  provider: carrier-pigeon
`,
			wantErr: "unknown title generator provider",
		},
		{
			name: "Missing provider",
			yaml: `
titleGenerator:
  model: llama3
`,
			wantErr: "provider is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			err := yaml.Unmarshal([]byte(tt.yaml), &cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Unmarshal() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}

			switch want := tt.wantTitleGn.(type) {
			case nil:
				if cfg.TitleGenerator != nil {
					t.Errorf("TitleGenerator = %+v, want nil", cfg.TitleGenerator)
				}
			case *ollamaTitleGenConfig:
				got, ok := cfg.TitleGenerator.(*ollamaTitleGenConfig)
				if !ok || *got != *want {
					t.Errorf("TitleGenerator = %+v, want %+v", cfg.TitleGenerator, want)
				}
			case *endpointTitleGenConfig:
				got, ok := cfg.TitleGenerator.(*endpointTitleGenConfig)
				if !ok || *got != *want {
					t.Errorf("TitleGenerator = %+v, want %+v", cfg.TitleGenerator, want)
				}
			}
		})
	}
}

func TestConfigFields(t *testing.T) {
	src := `
port: "9000"
endpoint: https://proxy.example.com/v1/chat/completions
defaultModel: gpt-4
priceNumber: 3
autoTitle: false
augmentedCompanions: [Mentor]
ledger:
  driver: sqlite
pricing:
  gpt-4:
    prompt: {price: 30, unit: 1000}
    completion: {price: 60, unit: 1000}
  local-llama:
    prompt: {price: 0, unit: 1000}
    completion: {price: 0, unit: 1000}
    contextWindow: 8192
`
	var cfg config
	if err := yaml.Unmarshal([]byte(src), &cfg); err != nil {
		t.Fatal(err)
	}

	if cfg.Port != "9000" || cfg.DefaultModel != "gpt-4" || cfg.PriceNumber != 3 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.autoTitle() {
		t.Error("expected autoTitle to be disabled")
	}
	if len(cfg.AugmentedCompanions) != 1 || cfg.AugmentedCompanions[0] != models.CompanionMentor {
		t.Errorf("AugmentedCompanions = %v", cfg.AugmentedCompanions)
	}
	if cfg.Ledger.Driver != "sqlite" {
		t.Errorf("Ledger.Driver = %v, want sqlite", cfg.Ledger.Driver)
	}
	if got := cfg.Pricing["gpt-4"].Completion.Price; got != 60 {
		t.Errorf("gpt-4 completion price = %v, want 60", got)
	}
	if got := cfg.Pricing["local-llama"].ContextWindow; got != 8192 {
		t.Errorf("local-llama context window = %v, want 8192", got)
	}
}

func TestConfigApplyEnv(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("API_ENDPOINT", "")

	cfg := config{Port: "9000", APIKey: "sk-file", Ledger: ledgerConfig{Driver: "postgres"}}
	if err := cfg.applyEnv(); err != nil {
		t.Fatal(err)
	}

	if cfg.Port != "7000" {
		t.Errorf("Port = %v, want 7000", cfg.Port)
	}
	if cfg.APIKey != "sk-env" {
		t.Errorf("APIKey = %v, want sk-env", cfg.APIKey)
	}
	if cfg.Endpoint != services.OfficialEndpoint {
		t.Errorf("Endpoint = %v, want the official endpoint", cfg.Endpoint)
	}
	if cfg.postgresURL() != "postgres://env" {
		t.Errorf("postgresURL() = %v, want postgres://env", cfg.postgresURL())
	}
	if cfg.DefaultModel != models.DefaultModel {
		t.Errorf("DefaultModel = %v, want %v", cfg.DefaultModel, models.DefaultModel)
	}
	if !cfg.autoTitle() {
		t.Error("expected autoTitle to default to true")
	}
	if len(cfg.AugmentedCompanions) != 1 || cfg.AugmentedCompanions[0] != models.CompanionChristianGPT {
		t.Errorf("AugmentedCompanions = %v", cfg.AugmentedCompanions)
	}
}

func TestConfigLimiter(t *testing.T) {
	if (config{}).limiter() != nil {
		t.Error("expected no limiter without a rate")
	}

	l := config{RateLimit: rateLimitConfig{PerMinute: 60}}.limiter()
	if l == nil {
		t.Fatal("expected a limiter")
	}
	if l.Burst() != 1 {
		t.Errorf("Burst() = %v, want 1", l.Burst())
	}
	if !l.Allow() {
		t.Error("expected the first submission to be allowed")
	}
	if l.Allow() {
		t.Error("expected the second immediate submission to be refused")
	}
}

func TestConfigLogLevel(t *testing.T) {
	for level, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "": "INFO", "error": "ERROR"} {
		if got := (config{LogLevel: level}).logLevel().String(); got != want {
			t.Errorf("logLevel(%q) = %v, want %v", level, got, want)
		}
	}
}
