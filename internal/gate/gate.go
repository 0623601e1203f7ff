// Package gate decides whether a user message may be sent to the completion API. Messages that
// contain a denylisted term are answered with a fixed refusal instead.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefaultRefusalMessage is the assistant reply used when a message is blocked.
const DefaultRefusalMessage = "请您重新提问，谢谢！"

const errLoggerKey = "err"

// ContainsSensitiveContent reports whether text contains any of the denylisted terms. Matching is
// a literal, case-sensitive substring search without normalization. Empty terms never match.
func ContainsSensitiveContent(text string, denylist []string) bool {
	for _, term := range denylist {
		if term == "" {
			continue
		}
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// Denylist is a set of sensitive terms that can be replaced while it is being read.
type Denylist struct {
	mu    sync.RWMutex
	terms []string

	logger *slog.Logger
}

// NewDenylist creates a Denylist holding terms.
func NewDenylist(terms []string, logger *slog.Logger) *Denylist {
	return &Denylist{
		terms:  append([]string(nil), terms...),
		logger: logger.With(slog.String("module", "gate")),
	}
}

// Contains reports whether text contains any current term.
func (d *Denylist) Contains(text string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return ContainsSensitiveContent(text, d.terms)
}

// Replace swaps the current terms for terms.
func (d *Denylist) Replace(terms []string) {
	cp := append([]string(nil), terms...)

	d.mu.Lock()
	d.terms = cp
	d.mu.Unlock()
}

// LoadFile replaces the terms with the JSON array of strings stored at path. The terms are left
// untouched if the file cannot be read or decoded.
func (d *Denylist) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read denylist file: %w", err)
	}

	var terms []string
	if err := json.Unmarshal(b, &terms); err != nil {
		return fmt.Errorf("failed to decode denylist file %s: %w", path, err)
	}

	d.Replace(terms)
	d.logger.Info("Denylist loaded", slog.String("path", path), slog.Int("terms", len(terms)))
	return nil
}

// Watch reloads the denylist from path whenever the file is written, created or replaced. The
// directory holding the file is watched, so editors that save by renaming are picked up. Watch
// returns once the watcher is running; the watcher stops when ctx is done.
func (d *Denylist) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := d.LoadFile(path); err != nil {
					d.logger.Warn("Failed to reload denylist", slog.String(errLoggerKey, err.Error()))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.Warn("Denylist watcher error", slog.String(errLoggerKey, err.Error()))
			}
		}
	}()

	return nil
}
