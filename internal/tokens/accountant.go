// Package tokens counts the tokens of chat messages with the models' BPE vocabulary, fits
// conversation histories into a token budget and prices token usage per model.
package tokens

import (
	"fmt"
	"slices"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/shopspring/decimal"
)

// ReservedCompletionTokens is the number of tokens LimitMessageTokens keeps free for the reply.
const ReservedCompletionTokens = 1

// Accountant counts, limits and prices tokens. The zero value is not usable, use NewAccountant.
type Accountant struct {
	pricing Pricing
}

// NewAccountant creates an Accountant that prices usage with the given table.
func NewAccountant(pricing Pricing) Accountant {
	return Accountant{pricing: pricing}
}

// CountTokens returns the number of prompt tokens the messages cost on the model, including the
// reply header that primes the assistant turn. An empty sequence costs nothing. Models without a
// known chat format are counted with the <|im_sep|> framing.
func (a Accountant) CountTokens(messages []models.Message, model models.ModelID) int {
	if len(messages) == 0 {
		return 0
	}
	f := framingFor(model)
	total := f.replyPriming
	for _, msg := range messages {
		total += messageTokens(msg, f)
	}
	return total
}

// LimitMessageTokens returns the longest suffix of messages whose token count fits in maxTokens
// minus ReservedCompletionTokens. A leading system message is kept ahead of the suffix. The newest
// message is mandatory, so the result is empty if it cannot fit together with the system message.
func (a Accountant) LimitMessageTokens(messages []models.Message, maxTokens int, model models.ModelID) []models.Message {
	budget := maxTokens - ReservedCompletionTokens
	if len(messages) == 0 || budget <= 0 {
		return nil
	}

	f := framingFor(model)
	used := f.replyPriming
	start := 0
	hasSystem := messages[0].Role == models.RoleSystem
	if hasSystem {
		used += messageTokens(messages[0], f)
		start = 1
		if used > budget {
			return nil
		}
		if len(messages) == 1 {
			return []models.Message{messages[0]}
		}
	}

	kept := 0
	for i := len(messages) - 1; i >= start; i-- {
		cost := messageTokens(messages[i], f)
		if used+cost > budget {
			break
		}
		used += cost
		kept++
	}
	if kept == 0 {
		return nil
	}

	res := make([]models.Message, 0, kept+1)
	if hasSystem {
		res = append(res, messages[0])
	}
	return append(res, messages[len(messages)-kept:]...)
}

// Price returns the rates of the model, or an error wrapping models.ErrUnknownModel.
func (a Accountant) Price(model models.ModelID) (ModelPrice, error) {
	return a.pricing.Lookup(model)
}

// ContextWindow returns the window the pricing entry of the model declares, falling back to the
// built-in table.
func (a Accountant) ContextWindow(model models.ModelID) (int, error) {
	if price, ok := a.pricing[model]; ok && price.ContextWindow > 0 {
		return price.ContextWindow, nil
	}
	return ContextWindow(model)
}

// CheckConfig reports whether a conversation with cfg can be answered: the model needs rates and a
// known context window, and MaxTokens must leave room for the reply without exceeding that window.
func (a Accountant) CheckConfig(cfg models.Config) error {
	if _, err := a.Price(cfg.Model); err != nil {
		return err
	}
	window, err := a.ContextWindow(cfg.Model)
	if err != nil {
		return err
	}
	if cfg.MaxTokens <= ReservedCompletionTokens || cfg.MaxTokens > window {
		return fmt.Errorf("%w: %d is outside %d..%d for %s",
			models.ErrMaxTokens, cfg.MaxTokens, ReservedCompletionTokens+1, window, cfg.Model)
	}
	return nil
}

// Cost prices the prompt and completion of one round.
func (a Accountant) Cost(model models.ModelID, prompt []models.Message, completion models.Message) (decimal.Decimal, error) {
	return a.pricing.Cost(model, a.CountTokens(prompt, model), a.CountTokens([]models.Message{completion}, model))
}

// AddUsage adds the tokens of a prompt and its completion to the model's entry in totals and
// returns the updated map. A nil map is allocated.
func (a Accountant) AddUsage(
	totals map[models.ModelID]models.TokenUsage,
	model models.ModelID,
	prompt []models.Message,
	completion models.Message,
) map[models.ModelID]models.TokenUsage {
	if totals == nil {
		totals = make(map[models.ModelID]models.TokenUsage)
	}
	usage := totals[model]
	usage.PromptTokens += a.CountTokens(prompt, model)
	usage.CompletionTokens += a.CountTokens([]models.Message{completion}, model)
	totals[model] = usage
	return totals
}

// UsageCost prices the per-model token totals. Models are summed in name order so the rounding of
// the result does not depend on map iteration.
func (a Accountant) UsageCost(totals map[models.ModelID]models.TokenUsage) (decimal.Decimal, error) {
	names := make([]models.ModelID, 0, len(totals))
	for model := range totals {
		names = append(names, model)
	}
	slices.Sort(names)

	total := decimal.Zero
	for _, model := range names {
		usage := totals[model]
		cost, err := a.pricing.Cost(model, usage.PromptTokens, usage.CompletionTokens)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(cost)
	}
	return total, nil
}

func messageTokens(msg models.Message, f framing) int {
	return f.messageOverhead + TextTokens(string(msg.Role)) + TextTokens(msg.Content)
}
