package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/companion-chat/internal/models"
)

const titlePrompt = "Generate a title in less than 6 words for the following message (language: %s):\n" +
	"\"\"\"\nUser: %s\nAssistant: %s\n\"\"\""

// settle does the bookkeeping of a finished round. replied is false when the gate answered, in
// which case the round is charged but neither stored nor titled.
func (p *Pipeline) settle(ctx context.Context, sub submission, replied bool) error {
	p.setPhase(PhaseSettling)

	state := p.deps.Store.Snapshot()
	idx := state.ChatIndex(sub.chatID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", models.ErrChatNotFound, sub.chatID)
	}
	conv := state.Chats[idx]
	reply, _ := conv.LastMessage()
	model := conv.Config.Model

	if replied {
		p.storeHistory(ctx, sub.chatID, reply)
		prompt := conv.Messages[:len(conv.Messages)-1]
		if cost, err := p.deps.Accountant.Cost(model, prompt, reply); err == nil {
			p.logger.Debug("Round priced", slog.String("chatID", sub.chatID), slog.String("cost", cost.String()))
		}
		if state.CountTotalTokens {
			p.deps.Store.Update(func(state *models.State) {
				state.TotalTokenUsed = p.deps.Accountant.AddUsage(state.TotalTokenUsed, model, prompt, reply)
			})
		}
	}

	round := conv.Messages[max(0, len(conv.Messages)-2):]
	ledgerErr := p.charge(ctx, p.deps.Accountant.CountTokens(round, model))
	if ledgerErr != nil {
		p.logger.Error("Failed to update token ledger", slog.String(errLoggerKey, ledgerErr.Error()))
	}

	if replied {
		p.autoTitle(ctx, sub.chatID)
	}

	return ledgerErr
}

// charge adds tokens, multiplied by the price number, to the consumed token count. With a ledger
// the store follows it only once the write succeeded, without one the store is the only record.
func (p *Pipeline) charge(ctx context.Context, tokens int) error {
	state := p.deps.Store.Snapshot()
	consumed := state.Ledger.ConsumedToken + int64(tokens)*state.PriceNumber

	if p.deps.Ledger == nil || p.cfg.UserID == "" {
		p.deps.Store.Update(func(state *models.State) {
			state.Ledger.ConsumedToken = max(state.Ledger.ConsumedToken, consumed)
		})
		p.logger.Debug("Tokens charged locally", slog.Int("tokens", tokens), slog.Int64("consumed", consumed))
		return nil
	}

	stored, err := p.deps.Ledger.SetConsumed(ctx, p.cfg.UserID, consumed)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrLedger, err)
	}

	p.deps.Store.Update(func(state *models.State) {
		if stored > state.Ledger.ConsumedToken {
			state.Ledger.ConsumedToken = stored
		}
	})
	p.logger.Debug("Tokens charged", slog.Int("tokens", tokens), slog.Int64("consumed", stored))
	return nil
}

// autoTitle names a conversation after its first answered round. Failures are only logged.
func (p *Pipeline) autoTitle(ctx context.Context, chatID string) {
	if p.deps.Titler == nil {
		return
	}

	state := p.deps.Store.Snapshot()
	idx := state.ChatIndex(chatID)
	if !state.AutoTitle || idx < 0 || state.Chats[idx].TitleSet || len(state.Chats[idx].Messages) < 2 {
		return
	}

	msgs := state.Chats[idx].Messages
	prompt := models.Message{
		Role:    models.RoleUser,
		Content: fmt.Sprintf(titlePrompt, p.cfg.Language, msgs[len(msgs)-2].Content, msgs[len(msgs)-1].Content),
	}

	title, err := p.deps.Titler.GenerateTitle(ctx, prompt.Content)
	if err != nil {
		p.logger.Warn("Failed to generate title", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		return
	}
	title = trimQuotes(strings.TrimSpace(title))

	p.deps.Store.Update(func(state *models.State) {
		idx := state.ChatIndex(chatID)
		if idx < 0 {
			return
		}
		state.Chats[idx].Title = title
		state.Chats[idx].TitleSet = true
		if state.CountTotalTokens {
			state.TotalTokenUsed = p.deps.Accountant.AddUsage(state.TotalTokenUsed, p.cfg.TitleModel,
				[]models.Message{prompt}, models.Message{Role: models.RoleAssistant, Content: title})
		}
	})
}

func trimQuotes(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}
