// Package eventstore persists the mailbox's scale-event stream to
// disk so the status HTTP endpoint and operators restarting the
// controller can see recent history, not just the in-memory ring
// buffer's current contents.
//
// Grounded on the teacher's internal/store.Store: same
// load-on-start/trim-on-write/persist-whole-file shape, retargeted
// from ScaleEvent (queue depth, runner counts) to model.Event
// (server lifecycle notifications already flowing through the
// mailbox).
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/runnerscale/controller/internal/config"
	"github.com/runnerscale/controller/internal/model"
	"github.com/runnerscale/controller/internal/workerpool"
)

// Store keeps a bounded, optionally disk-backed history of mailbox
// events.
type Store struct {
	config config.StoreConfig
	mu     sync.RWMutex
	events []model.Event
}

// New creates a Store, loading any events already persisted at
// cfg.Path when cfg.Enabled is set.
func New(cfg config.StoreConfig) (*Store, error) {
	s := &Store{
		config: cfg,
		events: make([]model.Event, 0),
	}

	if cfg.Enabled && cfg.Path != "" {
		if err := s.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load event store: %w", err)
		}
	}

	return s, nil
}

// Run subscribes to mailbox and records every event until ctx is
// canceled. It also seeds itself with events the mailbox already
// retained, so a Store created after the loops have been running for
// a while doesn't start from a blank slate.
func (s *Store) Run(ctx context.Context, mailbox *workerpool.Mailbox) {
	ch, unsubscribe := mailbox.Subscribe()
	defer unsubscribe()

	for _, ev := range mailbox.Recent() {
		_ = s.Record(ev)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			_ = s.Record(ev)
		}
	}
}

// Record appends ev, trims to MaxEvents, and persists to disk if
// enabled. A no-op when the store is disabled.
func (s *Store) Record(ev model.Event) error {
	if !s.config.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	if s.config.MaxEvents > 0 && len(s.events) > s.config.MaxEvents {
		s.events = s.events[len(s.events)-s.config.MaxEvents:]
	}

	return s.persist()
}

// Recent returns the count most recently recorded events, oldest
// first.
func (s *Store) Recent(count int) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if count > len(s.events) {
		count = len(s.events)
	}
	return append([]model.Event(nil), s.events[len(s.events)-count:]...)
}

// All returns every event currently retained.
func (s *Store) All() []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Event(nil), s.events...)
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &s.events)
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.events, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	return os.WriteFile(s.config.Path, data, 0644)
}
