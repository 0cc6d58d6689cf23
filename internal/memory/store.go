// Package memory implements the shared discovery store: a concurrent
// key/value record where agents publish facts for other agents to read.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Discovery is a fact published by one agent for consumption by others.
type Discovery struct {
	Key       string
	Value     any // opaque structured payload, e.g. paths + ready flag
	AgentID   string
	Timestamp time.Time
}

// ContractPayload is the conventional payload shape for cross-agent
// contract discoveries ("schema ready at path X").
type ContractPayload struct {
	Paths []string `json:"paths"`
	Ready bool     `json:"ready"`
	Note  string   `json:"note,omitempty"`
}

// Journal receives every accepted publish for audit. Append failures must
// not affect publish visibility.
type Journal interface {
	AppendDiscovery(ctx context.Context, d Discovery) error
}

// Store is a concurrency-safe discovery store. The latest write for a key
// wins; when two publishes carry the same timestamp the lexically greater
// agent ID wins, so racing writers resolve deterministically.
type Store struct {
	mu      sync.RWMutex
	records map[string]Discovery
	journal Journal
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates a store. journal may be nil to disable auditing.
func NewStore(journal Journal, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records: make(map[string]Discovery),
		journal: journal,
		logger:  logger,
		now:     time.Now,
	}
}

// Publish records a discovery under key. It always succeeds: the write is
// applied unless an already-stored record for the same key wins the
// timestamp/agent-ID tie-break, and journal failures are logged, not
// returned. Keys are conventionally namespaced "agent/key"; an
// un-namespaced key overwritten by a different agent logs a warning.
func (s *Store) Publish(ctx context.Context, key string, value any, agentID string) {
	d := Discovery{
		Key:       key,
		Value:     value,
		AgentID:   agentID,
		Timestamp: s.now().UTC(),
	}

	s.mu.Lock()
	prev, exists := s.records[key]
	if !exists || d.wins(prev) {
		s.records[key] = d
	}
	s.mu.Unlock()

	if exists && prev.AgentID != agentID && !strings.Contains(key, "/") {
		s.logger.Warn("un-namespaced discovery key overwritten by a different agent",
			"key", key, "previous_agent", prev.AgentID, "agent", agentID)
	}

	if s.journal != nil {
		if err := s.journal.AppendDiscovery(ctx, d); err != nil {
			s.logger.Warn("discovery audit append failed", "key", key, "error", err)
		}
	}
}

// wins reports whether d supersedes prev under last-timestamp-wins with
// lexical agent-ID tie-break.
func (d Discovery) wins(prev Discovery) bool {
	if !d.Timestamp.Equal(prev.Timestamp) {
		return d.Timestamp.After(prev.Timestamp)
	}
	return d.AgentID >= prev.AgentID
}

// Read returns the current record for key.
func (s *Store) Read(key string) (Discovery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.records[key]
	return d, ok
}

// Snapshot returns a copy of the full mapping at the time of the call.
func (s *Store) Snapshot() map[string]Discovery {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(map[string]Discovery, len(s.records))
	for k, v := range s.records {
		snap[k] = v
	}
	return snap
}

// Len returns the number of distinct keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
