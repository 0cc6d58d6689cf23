package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/internal/memory"
)

// runJournal binds the discovery audit trail to one run.
type runJournal struct {
	store *SQLiteStore
	runID string
}

// Journal returns a memory.Journal that records every accepted discovery
// under the given run ID.
func (s *SQLiteStore) Journal(runID string) memory.Journal {
	return &runJournal{store: s, runID: runID}
}

func (j *runJournal) AppendDiscovery(ctx context.Context, d memory.Discovery) error {
	value, err := json.Marshal(d.Value)
	if err != nil {
		return fmt.Errorf("failed to encode discovery value: %w", err)
	}

	_, err = j.store.db.ExecContext(ctx, `
		INSERT INTO discoveries (run_id, key, agent_id, value, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, j.runID, d.Key, d.AgentID, string(value), d.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append discovery: %w", err)
	}
	return nil
}

// Discoveries retrieves the audit trail for one run in publish order.
// Values come back as decoded JSON (maps and slices, not original types).
func (s *SQLiteStore) Discoveries(ctx context.Context, runID string) ([]memory.Discovery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, agent_id, value, timestamp
		FROM discoveries
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query discoveries: %w", err)
	}
	defer rows.Close()

	var out []memory.Discovery
	for rows.Next() {
		var d memory.Discovery
		var value string
		if err := rows.Scan(&d.Key, &d.AgentID, &value, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan discovery: %w", err)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode discovery value: %w", err)
		}
		d.Value = decoded
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating discoveries: %w", err)
	}
	return out, nil
}
