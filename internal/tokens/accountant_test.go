package tokens_test

import (
	"strings"
	"testing"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/MegaGrindStone/companion-chat/internal/tokens"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountTokens(t *testing.T) {
	acc := tokens.NewAccountant(tokens.DefaultPricing())
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "You are a helpful assistant."},
		{Role: models.RoleUser, Content: "Hello there"},
	}

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, 0, acc.CountTokens(nil, "gpt-4"))
	})

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, acc.CountTokens(msgs, "gpt-4"), acc.CountTokens(msgs, "gpt-4"))
	})

	t.Run("each message adds a fixed cost", func(t *testing.T) {
		one := acc.CountTokens(msgs[:1], "gpt-4")
		two := acc.CountTokens(msgs, "gpt-4")
		three := acc.CountTokens(append(append([]models.Message{}, msgs...), msgs[1]), "gpt-4")
		assert.Equal(t, two-one, three-two)
	})

	t.Run("newline framing costs more", func(t *testing.T) {
		assert.Greater(t, acc.CountTokens(msgs, "gpt-3.5-turbo"), acc.CountTokens(msgs, "gpt-4"))
	})

	t.Run("longer content costs more", func(t *testing.T) {
		short := []models.Message{{Role: models.RoleUser, Content: "hi"}}
		long := []models.Message{{Role: models.RoleUser, Content: strings.Repeat("hi there ", 50)}}
		assert.Greater(t, acc.CountTokens(long, "gpt-4"), acc.CountTokens(short, "gpt-4"))
	})
}

func TestTextTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "empty", text: "", want: 0},
		{name: "two words", text: "hello world", want: 2},
		{name: "punctuation", text: "Hello, world!", want: 4},
		{name: "role", text: "assistant", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tokens.TextTokens(tt.text))
		})
	}
}

func TestCountTokensFraming(t *testing.T) {
	acc := tokens.NewAccountant(tokens.DefaultPricing())
	msgs := []models.Message{{Role: models.RoleUser, Content: "hello world"}}

	// reply priming 3, message overhead, "user" 1, "hello world" 2
	assert.Equal(t, 3+3+1+2, acc.CountTokens(msgs, "gpt-4"))
	assert.Equal(t, 3+4+1+2, acc.CountTokens(msgs, "gpt-3.5-turbo"))
}

func TestLimitMessageTokens(t *testing.T) {
	acc := tokens.NewAccountant(tokens.DefaultPricing())
	const model = models.ModelID("gpt-4")

	system := models.Message{Role: models.RoleSystem, Content: "Be brief."}
	history := []models.Message{
		system,
		{Role: models.RoleUser, Content: strings.Repeat("first question ", 20)},
		{Role: models.RoleAssistant, Content: strings.Repeat("first answer ", 20)},
		{Role: models.RoleUser, Content: "second question"},
	}

	t.Run("everything fits", func(t *testing.T) {
		got := acc.LimitMessageTokens(history, 4000, model)
		assert.Equal(t, history, got)
	})

	t.Run("keeps system and newest suffix", func(t *testing.T) {
		need := acc.CountTokens([]models.Message{system, history[3]}, model)
		got := acc.LimitMessageTokens(history, need+tokens.ReservedCompletionTokens, model)
		require.Len(t, got, 2)
		assert.Equal(t, system, got[0])
		assert.Equal(t, history[3], got[1])
	})

	t.Run("suffix is contiguous", func(t *testing.T) {
		small := []models.Message{
			system,
			{Role: models.RoleUser, Content: "a"},
			{Role: models.RoleAssistant, Content: strings.Repeat("long ", 200)},
			{Role: models.RoleUser, Content: "b"},
		}
		budget := acc.CountTokens([]models.Message{system, small[1], small[3]}, model) + tokens.ReservedCompletionTokens
		got := acc.LimitMessageTokens(small, budget, model)
		assert.Equal(t, []models.Message{system, small[3]}, got)
	})

	t.Run("result within budget", func(t *testing.T) {
		for budget := 0; budget < 200; budget += 7 {
			got := acc.LimitMessageTokens(history, budget, model)
			if len(got) == 0 {
				continue
			}
			assert.LessOrEqual(t, acc.CountTokens(got, model), budget-tokens.ReservedCompletionTokens)
			assert.Equal(t, history[len(history)-1], got[len(got)-1])
		}
	})

	t.Run("empty when newest cannot fit", func(t *testing.T) {
		big := []models.Message{system, {Role: models.RoleUser, Content: strings.Repeat("word ", 500)}}
		assert.Empty(t, acc.LimitMessageTokens(big, 100, model))
	})

	t.Run("no system message", func(t *testing.T) {
		msgs := history[1:]
		need := acc.CountTokens(msgs[len(msgs)-1:], model)
		got := acc.LimitMessageTokens(msgs, need+tokens.ReservedCompletionTokens, model)
		assert.Equal(t, msgs[len(msgs)-1:], got)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, acc.LimitMessageTokens(nil, 4000, model))
	})
}

func TestPricing(t *testing.T) {
	p := tokens.DefaultPricing()

	_, err := p.Lookup("not-a-model")
	require.ErrorIs(t, err, models.ErrUnknownModel)

	cost, err := p.Cost("gpt-4", 1000, 500)
	require.NoError(t, err)
	assert.True(t, cost.Equal(decimal.NewFromInt(24)), "got %s", cost)

	cost, err = p.Cost("gpt-3.5-turbo", 1000, 1000)
	require.NoError(t, err)
	assert.True(t, cost.Equal(decimal.NewFromInt(2)), "got %s", cost)

	merged := p.Merge(tokens.Pricing{"local-llama": {Prompt: tokens.Rate{Price: 0, Unit: 1000}}})
	_, err = merged.Lookup("local-llama")
	require.NoError(t, err)
	_, err = p.Lookup("local-llama")
	require.Error(t, err)
}

func TestAddUsage(t *testing.T) {
	acc := tokens.NewAccountant(tokens.DefaultPricing())
	prompt := []models.Message{{Role: models.RoleUser, Content: "hello"}}
	completion := models.Message{Role: models.RoleAssistant, Content: "hi"}

	totals := acc.AddUsage(nil, "gpt-4", prompt, completion)
	totals = acc.AddUsage(totals, "gpt-4", prompt, completion)

	usage := totals["gpt-4"]
	assert.Equal(t, 2*acc.CountTokens(prompt, "gpt-4"), usage.PromptTokens)
	assert.Equal(t, 2*acc.CountTokens([]models.Message{completion}, "gpt-4"), usage.CompletionTokens)
}

func TestContextWindow(t *testing.T) {
	n, err := tokens.ContextWindow("gpt-4-32k")
	require.NoError(t, err)
	assert.Equal(t, 32768, n)

	_, err = tokens.ContextWindow("nope")
	assert.ErrorIs(t, err, models.ErrUnknownModel)
}

func TestCheckConfig(t *testing.T) {
	acc := tokens.NewAccountant(tokens.DefaultPricing().Merge(tokens.Pricing{
		"local-llama": {Prompt: tokens.Rate{Price: 0, Unit: 1000}},
		"local-mixtral": {
			Prompt:        tokens.Rate{Price: 0, Unit: 1000},
			ContextWindow: 32000,
		},
	}))

	tests := []struct {
		name    string
		cfg     models.Config
		wantErr error
	}{
		{name: "default config", cfg: models.DefaultChatConfig()},
		{name: "full window", cfg: models.Config{Model: "gpt-4", MaxTokens: 8192}},
		{name: "declared window", cfg: models.Config{Model: "local-mixtral", MaxTokens: 30000}},
		{name: "no price", cfg: models.Config{Model: "made-up", MaxTokens: 100}, wantErr: models.ErrUnknownModel},
		{
			name:    "price without window",
			cfg:     models.Config{Model: "local-llama", MaxTokens: 100},
			wantErr: models.ErrUnknownModel,
		},
		{
			name:    "no room for reply",
			cfg:     models.Config{Model: "gpt-4", MaxTokens: tokens.ReservedCompletionTokens},
			wantErr: models.ErrMaxTokens,
		},
		{name: "zero", cfg: models.Config{Model: "gpt-4"}, wantErr: models.ErrMaxTokens},
		{
			name:    "beyond window",
			cfg:     models.Config{Model: "gpt-3.5-turbo", MaxTokens: 4097},
			wantErr: models.ErrMaxTokens,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := acc.CheckConfig(tt.cfg)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUsageCost(t *testing.T) {
	acc := tokens.NewAccountant(tokens.DefaultPricing())

	cost, err := acc.UsageCost(nil)
	require.NoError(t, err)
	assert.True(t, cost.IsZero())

	cost, err = acc.UsageCost(map[models.ModelID]models.TokenUsage{
		"gpt-4":         {PromptTokens: 1000, CompletionTokens: 500},
		"gpt-3.5-turbo": {PromptTokens: 1000, CompletionTokens: 1000},
	})
	require.NoError(t, err)
	assert.True(t, cost.Equal(decimal.NewFromInt(26)), "got %s", cost)

	_, err = acc.UsageCost(map[models.ModelID]models.TokenUsage{"retired": {PromptTokens: 1}})
	assert.ErrorIs(t, err, models.ErrUnknownModel)
}
