package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/MegaGrindStone/companion-chat/internal/stream"
)

const (
	augmentSystemPrompt = "This is a special scenario where the model should use information from " +
		"provided document sections while also leveraging its general knowledge and associative " +
		"capabilities to answer questions."
	augmentContextPrompt = "The following sections from Christian (Mormon) literature provide context " +
		"for the discussion: %s"
	augmentQuestionPrompt = "Based on the provided sections and your broader knowledge, please answer " +
		"the following question: %s"
)

// submission is what validation captured about the conversation being answered. The conversation
// is looked up by ID in every later update, since its index moves when chats are added.
type submission struct {
	chatID    string
	companion models.Companion
	message   models.Message
}

// locator finds the conversation a submission answers inside the validating update.
type locator func(state *models.State) (int, error)

// Submit answers the newest message of the conversation at chatIndex. It returns when the reply is
// complete, the user stopped generation, or the submission failed.
//
// Validation errors (ErrBalanceExhausted, ErrGenerating, ErrNoChats, ErrChatIndex, ErrNoMessages,
// models.ErrUnknownModel, models.ErrMaxTokens) leave the store untouched. Any later error is also
// recorded as the store's error message. The generating flag is cleared on every path once
// validation passed.
func (p *Pipeline) Submit(ctx context.Context, chatIndex int) error {
	if !p.busy.TryLock() {
		return ErrGenerating
	}
	defer p.busy.Unlock()

	sub, err := p.accept(atIndex(chatIndex), nil)
	if err != nil {
		return err
	}
	return p.execute(ctx, sub)
}

// Send appends content as a user message to the conversation with chatID and answers it in the
// background. The message is appended only once the submission is accepted, so Send leaves the
// store untouched when another submission is still running (settling included), or when any
// validation error of Submit applies. The returned channel receives the result of the background
// submission, which runs until the reply completes, generation is stopped or ctx is done.
func (p *Pipeline) Send(ctx context.Context, chatID, content string) (<-chan error, error) {
	if !p.busy.TryLock() {
		return nil, ErrGenerating
	}

	msg := models.Message{Role: models.RoleUser, Content: content}
	sub, err := p.accept(byID(chatID), &msg)
	if err != nil {
		p.busy.Unlock()
		return nil, err
	}

	result := make(chan error, 1)
	go func() {
		defer p.busy.Unlock()
		result <- p.execute(ctx, sub)
	}()
	return result, nil
}

func atIndex(chatIndex int) locator {
	return func(state *models.State) (int, error) {
		if chatIndex < 0 || chatIndex >= len(state.Chats) {
			return -1, fmt.Errorf("%w: %d", ErrChatIndex, chatIndex)
		}
		return chatIndex, nil
	}
}

func byID(chatID string) locator {
	return func(state *models.State) (int, error) {
		idx := state.ChatIndex(chatID)
		if idx < 0 {
			return -1, fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
		}
		return idx, nil
	}
}

// accept validates a submission with busy held. A rejected submission leaves the phase idle.
func (p *Pipeline) accept(locate locator, msg *models.Message) (submission, error) {
	p.setPhase(PhaseValidating)
	sub, err := p.validate(locate, msg)
	if err != nil {
		p.setPhase(PhaseIdle)
		p.logger.Info("Submission rejected", slog.String(errLoggerKey, err.Error()))
		return submission{}, err
	}
	return sub, nil
}

func (p *Pipeline) execute(ctx context.Context, sub submission) error {
	defer p.finish()

	if err := p.run(ctx, sub); err != nil {
		p.setPhase(PhaseErrored)
		p.logger.Error("Submission failed", slog.String("chatID", sub.chatID), slog.String(errLoggerKey, err.Error()))
		p.deps.Store.Update(func(state *models.State) {
			state.Error = err.Error()
		})
		return err
	}
	return nil
}

func (p *Pipeline) finish() {
	p.deps.Store.Update(func(state *models.State) {
		state.Generating = false
	})
	p.setPhase(PhaseIdle)
}

// validate checks the store and marks it generating in one update. When msg is set it is appended
// to the located conversation once every check passed.
func (p *Pipeline) validate(locate locator, msg *models.Message) (submission, error) {
	var (
		sub submission
		err error
	)
	p.deps.Store.Update(func(state *models.State) {
		switch {
		case state.Ledger.Exhausted():
			err = ErrBalanceExhausted
		case state.Generating:
			err = ErrGenerating
		case len(state.Chats) == 0:
			err = ErrNoChats
		}
		if err != nil {
			return
		}

		idx, lerr := locate(state)
		if lerr != nil {
			err = lerr
			return
		}
		conv := &state.Chats[idx]
		if msg == nil && len(conv.Messages) == 0 {
			err = ErrNoMessages
			return
		}
		if err = p.deps.Accountant.CheckConfig(conv.Config); err != nil {
			return
		}

		if msg != nil {
			conv.Messages = append(conv.Messages, *msg)
		}
		state.Generating = true
		state.Error = ""
		last, _ := conv.LastMessage()
		sub = submission{chatID: conv.ID, companion: conv.Companion, message: last}
	})
	return sub, err
}

func (p *Pipeline) run(ctx context.Context, sub submission) error {
	p.storeHistory(ctx, sub.chatID, sub.message)

	if p.deps.Gate != nil && p.deps.Gate.Contains(sub.message.Content) {
		p.setPhase(PhaseGated)
		p.logger.Info("Message refused", slog.String("chatID", sub.chatID))
		err := p.appendMessage(sub.chatID, models.Message{Role: models.RoleAssistant, Content: p.cfg.RefusalMessage})
		if err != nil {
			return err
		}
		return p.settle(ctx, sub, false)
	}

	p.setPhase(PhaseDispatching)
	history, cfg, err := p.appendPlaceholder(sub.chatID)
	if err != nil {
		return err
	}

	messages := p.deps.Accountant.LimitMessageTokens(history, cfg.MaxTokens, cfg.Model)
	if len(messages) == 0 {
		return fmt.Errorf("%w: budget is %d tokens", models.ErrBudgetExceeded, cfg.MaxTokens)
	}
	messages = p.augment(ctx, sub, messages)

	credential, err := p.credential()
	if err != nil {
		return err
	}

	body, err := p.deps.Transport.CompleteStream(ctx, p.cfg.Endpoint, messages, cfg, credential)
	if err != nil {
		return fmt.Errorf("failed to open completion stream: %w", err)
	}

	p.setPhase(PhaseStreaming)
	if err := p.consume(sub.chatID, body); err != nil {
		return err
	}

	return p.settle(ctx, sub, true)
}

func (p *Pipeline) credential() (string, error) {
	if p.cfg.Credential != "" {
		return p.cfg.Credential, nil
	}
	if p.cfg.OfficialEndpoint != "" && p.cfg.Endpoint == p.cfg.OfficialEndpoint {
		return "", fmt.Errorf("%w: the official endpoint requires an API key", models.ErrAuth)
	}
	return "", nil
}

// augment appends reference sections and the restated question for companions that answer from
// documents. A failed lookup leaves the context empty.
func (p *Pipeline) augment(ctx context.Context, sub submission, messages []models.Message) []models.Message {
	if p.deps.History == nil || !slices.Contains(p.cfg.AugmentedCompanions, sub.companion) {
		return messages
	}

	sections, err := p.deps.History.FetchDocumentSections(ctx, sub.message.Content)
	if err != nil {
		p.logger.Warn("Failed to fetch document sections", slog.String(errLoggerKey, err.Error()))
	}
	texts := make([]string, len(sections))
	for i, sec := range sections {
		texts[i] = sec.SectionText
	}

	return append(messages,
		models.Message{Role: models.RoleSystem, Content: augmentSystemPrompt},
		models.Message{Role: models.RoleUser, Content: fmt.Sprintf(augmentContextPrompt, strings.Join(texts, "\n\n"))},
		models.Message{Role: models.RoleUser, Content: fmt.Sprintf(augmentQuestionPrompt, sub.message.Content)},
	)
}

// consume reads the completion stream into the conversation until the stream ends, a done record
// arrives or the generating flag is cleared. The stream is closed on return.
func (p *Pipeline) consume(chatID string, body io.ReadCloser) error {
	defer body.Close()

	stop := p.closeOnStop(body)
	defer stop()

	buf := make([]byte, p.cfg.ReadBufferSize)
	partial := ""
	for p.generating() {
		n, readErr := body.Read(buf)
		if n > 0 {
			batch := stream.Parse(partial + string(buf[:n]))
			partial = batch.Partial
			done, err := p.apply(chatID, batch)
			if err != nil || done {
				return err
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if strings.TrimSpace(partial) == "" {
				return nil
			}
			_, err := p.apply(chatID, stream.Parse(partial+"\n\n"))
			return err
		}
		if !p.generating() {
			return nil
		}
		return fmt.Errorf("%w: error reading stream: %w", models.ErrTransport, readErr)
	}

	p.logger.Info("Generation stopped", slog.String("chatID", chatID))
	return nil
}

// closeOnStop closes body as soon as the store reports that generation stopped, so a read blocked
// on the network returns. The returned function ends the watch.
func (p *Pipeline) closeOnStop(body io.Closer) func() {
	updates, unsubscribe := p.deps.Store.Subscribe()
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case state := <-updates:
				if !state.Generating {
					_ = body.Close()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
		unsubscribe()
	}
}

func (p *Pipeline) apply(chatID string, batch stream.Batch) (bool, error) {
	for _, err := range batch.Errors {
		p.logger.Warn("Skipping stream record", slog.String(errLoggerKey, err.Error()))
	}
	for _, ev := range batch.Events {
		switch ev.Kind {
		case stream.KindDone:
			return true, nil
		case stream.KindDelta:
			if err := p.appendDelta(chatID, ev.Text); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func (p *Pipeline) generating() bool {
	return p.deps.Store.Snapshot().Generating
}

func (p *Pipeline) appendDelta(chatID, text string) error {
	var err error
	p.deps.Store.Update(func(state *models.State) {
		idx := state.ChatIndex(chatID)
		if idx < 0 || len(state.Chats[idx].Messages) == 0 {
			err = fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
			return
		}
		msgs := state.Chats[idx].Messages
		msgs[len(msgs)-1].Content += text
	})
	return err
}

func (p *Pipeline) appendMessage(chatID string, msg models.Message) error {
	var err error
	p.deps.Store.Update(func(state *models.State) {
		idx := state.ChatIndex(chatID)
		if idx < 0 {
			err = fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
			return
		}
		state.Chats[idx].Messages = append(state.Chats[idx].Messages, msg)
	})
	return err
}

// appendPlaceholder adds the empty assistant message deltas are appended to. It returns the
// messages as they were before the placeholder, and the conversation's config.
func (p *Pipeline) appendPlaceholder(chatID string) ([]models.Message, models.Config, error) {
	var (
		history []models.Message
		cfg     models.Config
		err     error
	)
	p.deps.Store.Update(func(state *models.State) {
		idx := state.ChatIndex(chatID)
		if idx < 0 {
			err = fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
			return
		}
		conv := &state.Chats[idx]
		history = slices.Clone(conv.Messages)
		cfg = conv.Config
		conv.Messages = append(conv.Messages, models.Message{Role: models.RoleAssistant})
	})
	return history, cfg, err
}

func (p *Pipeline) storeHistory(ctx context.Context, chatID string, msg models.Message) {
	if p.deps.History == nil || p.cfg.UserID == "" || msg.IsBlank() {
		return
	}
	if err := p.deps.History.StoreMessageWithEmbedding(ctx, p.cfg.UserID, chatID, msg.Role, msg.Content); err != nil {
		p.logger.Warn("Failed to store message history",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
}
