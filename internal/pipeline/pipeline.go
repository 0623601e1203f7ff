// Package pipeline turns the newest message of a conversation into an assistant reply. A submission
// is validated against the store, checked against the content gate, truncated to the token budget,
// streamed from the completion endpoint into the store one delta at a time, and finally accounted
// for: history persistence, token ledger, usage totals and automatic titling.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/companion-chat/internal/gate"
	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/MegaGrindStone/companion-chat/internal/tokens"
)

// Store is the conversation state the pipeline reads and writes. Update must apply fn atomically
// to the latest state.
type Store interface {
	Snapshot() models.State
	Update(fn func(state *models.State))
	Subscribe() (<-chan models.State, func())
}

// Transport opens a streamed completion. Closing the returned body cancels the request.
type Transport interface {
	CompleteStream(
		ctx context.Context,
		endpoint string,
		messages []models.Message,
		cfg models.Config,
		credential string,
	) (io.ReadCloser, error)
}

// History persists conversation turns and finds reference sections for augmented companions.
type History interface {
	StoreMessageWithEmbedding(ctx context.Context, userID, sessionID string, role models.Role, content string) error
	FetchDocumentSections(ctx context.Context, query string) ([]models.DocumentSection, error)
}

// Ledger records the user's consumed tokens durably.
type Ledger interface {
	SetConsumed(ctx context.Context, userID string, consumed int64) (int64, error)
}

// TitleGenerator answers a title prompt with a short title.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, prompt string) (string, error)
}

// Gate decides whether a message must be refused.
type Gate interface {
	Contains(text string) bool
}

// Config is the static configuration of a Pipeline.
type Config struct {
	// Endpoint is the chat completion endpoint requests are sent to.
	Endpoint string
	// Credential is the API key sent with requests. It may be empty for endpoints that need none.
	Credential string
	// OfficialEndpoint is the endpoint that refuses requests without a credential.
	OfficialEndpoint string
	// TitleModel is the model title generation is accounted against.
	TitleModel models.ModelID
	// UserID identifies the ledger row and the history rows of this installation. Ledger updates
	// are skipped when it is empty.
	UserID string
	// Language is the language titles are requested in.
	Language string
	// RefusalMessage replies to messages the gate refuses.
	RefusalMessage string
	// AugmentedCompanions get reference document sections added to their prompts.
	AugmentedCompanions []models.Companion
	// ReadBufferSize is the size of each read from the completion stream.
	ReadBufferSize int
}

// Deps are the collaborators of a Pipeline. History, Ledger and Titler are optional.
type Deps struct {
	Store      Store
	Transport  Transport
	Gate       Gate
	Accountant tokens.Accountant
	History    History
	Ledger     Ledger
	Titler     TitleGenerator
}

// Pipeline runs submissions one at a time.
type Pipeline struct {
	cfg  Config
	deps Deps

	// busy is held for the whole lifetime of a submission.
	busy sync.Mutex

	phaseMu sync.RWMutex
	phase   Phase

	logger *slog.Logger
}

// Phase is the step a submission is in.
type Phase string

// Submission phases. A submission starts and ends in PhaseIdle.
const (
	PhaseIdle        Phase = "idle"
	PhaseValidating  Phase = "validating"
	PhaseGated       Phase = "gated"
	PhaseDispatching Phase = "dispatching"
	PhaseStreaming   Phase = "streaming"
	PhaseSettling    Phase = "settling"
	PhaseErrored     Phase = "errored"
)

const (
	errLoggerKey          = "err"
	defaultReadBufferSize = 4096
)

// New creates a Pipeline.
func New(cfg Config, deps Deps, logger *slog.Logger) *Pipeline {
	if cfg.RefusalMessage == "" {
		cfg.RefusalMessage = gate.DefaultRefusalMessage
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.TitleModel == "" {
		cfg.TitleModel = models.DefaultModel
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		phase:  PhaseIdle,
		logger: logger.With(slog.String("module", "pipeline")),
	}
}

// Phase returns the phase of the running submission, or PhaseIdle.
func (p *Pipeline) Phase() Phase {
	p.phaseMu.RLock()
	defer p.phaseMu.RUnlock()

	return p.phase
}

func (p *Pipeline) setPhase(phase Phase) {
	p.phaseMu.Lock()
	p.phase = phase
	p.phaseMu.Unlock()

	p.logger.Debug("Phase changed", slog.String("phase", string(phase)))
}
