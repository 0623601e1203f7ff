// Package store keeps the application's conversation state in memory and hands out consistent
// snapshots of it. All writes go through Update, which applies a function to the latest state
// under a lock, so read-modify-write sequences from concurrent goroutines never lose updates.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/companion-chat/internal/models"
)

// Persister saves state snapshots durably.
type Persister interface {
	SaveSnapshot(ctx context.Context, state models.State) error
}

// Store is the in-memory conversation state container.
type Store struct {
	mu      sync.Mutex
	state   models.State
	subs    map[int]chan models.State
	nextSub int
	dirty   chan struct{}

	logger *slog.Logger
}

const errLoggerKey = "err"

// New creates a Store holding initial.
func New(initial models.State, logger *slog.Logger) *Store {
	if initial.TotalTokenUsed == nil {
		initial.TotalTokenUsed = make(map[models.ModelID]models.TokenUsage)
	}
	if initial.DefaultChatConfig.Model == "" {
		initial.DefaultChatConfig = models.DefaultChatConfig()
	}
	return &Store{
		state:  initial.Clone(),
		subs:   make(map[int]chan models.State),
		dirty:  make(chan struct{}, 1),
		logger: logger.With(slog.String("module", "store")),
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() models.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.Clone()
}

// Update applies fn to the current state atomically, then delivers the resulting snapshot to all
// subscribers. fn must not call back into the Store.
func (s *Store) Update(fn func(state *models.State)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.state)

	snap := s.state.Clone()
	for _, ch := range s.subs {
		deliverLatest(ch, snap)
	}

	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// Subscribe returns a channel that receives a snapshot after every update, and a function that
// cancels the subscription. A slow subscriber only sees the latest snapshot; intermediate ones are
// dropped.
func (s *Store) Subscribe() (<-chan models.State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan models.State, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Persist saves a snapshot through p after updates, waiting debounce after the first of a burst of
// updates before saving. It blocks until ctx is done, then saves a final snapshot.
func (s *Store) Persist(ctx context.Context, p Persister, debounce time.Duration) {
	save := func(ctx context.Context) {
		if err := p.SaveSnapshot(ctx, s.Snapshot()); err != nil {
			s.logger.Error("Failed to persist state", slog.String(errLoggerKey, err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			// The caller's context is gone, so the final save gets its own deadline.
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			save(finalCtx)
			cancel()
			return
		case <-s.dirty:
		}

		timer := time.NewTimer(debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			continue
		case <-timer.C:
		}
		save(ctx)
	}
}

func deliverLatest(ch chan models.State, snap models.State) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
