package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/coordinator"
	"github.com/loomhq/loom/internal/merge"
)

// SaveRun saves a complete run report. Uses ON CONFLICT to make saves
// idempotent, so a report can be re-saved after late merge results.
func (s *SQLiteStore) SaveRun(ctx context.Context, report *coordinator.RunReport) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	mergeClean, mergeConflicted, needsManual := 0, 0, 0
	if report.Merge != nil {
		mergeClean = report.Merge.Clean
		mergeConflicted = report.Merge.Conflicted
		if report.Merge.NeedsManualResolution {
			needsManual = 1
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, completed, failed, blocked, merge_clean, merge_conflicted, needs_manual_resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			completed = excluded.completed,
			failed = excluded.failed,
			blocked = excluded.blocked,
			merge_clean = excluded.merge_clean,
			merge_conflicted = excluded.merge_conflicted,
			needs_manual_resolution = excluded.needs_manual_resolution
	`, report.RunID, report.StartedAt, report.FinishedAt, report.Completed, report.Failed, report.Blocked, mergeClean, mergeConflicted, needsManual)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_reports WHERE run_id = ?`, report.RunID); err != nil {
		return fmt.Errorf("failed to delete old task reports: %w", err)
	}
	for _, tr := range report.Tasks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_reports (run_id, task_id, state, artifacts, error, blocked_by)
			VALUES (?, ?, ?, ?, ?, ?)
		`, report.RunID, tr.ID, tr.State, strings.Join(tr.Artifacts, ","), tr.Error, tr.BlockedBy)
		if err != nil {
			return fmt.Errorf("failed to insert task report %s: %w", tr.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM merge_results WHERE run_id = ?`, report.RunID); err != nil {
		return fmt.Errorf("failed to delete old merge results: %w", err)
	}
	if report.Merge != nil {
		for i, res := range report.Merge.Results {
			conflictPaths := make([]string, 0, len(res.Conflicts))
			for _, c := range res.Conflicts {
				conflictPaths = append(conflictPaths, c.Path)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO merge_results (run_id, task_id, position, outcome, paths, conflict_paths)
				VALUES (?, ?, ?, ?, ?, ?)
			`, report.RunID, res.TaskID, i, string(res.Outcome), strings.Join(res.Paths, ","), strings.Join(conflictPaths, ","))
			if err != nil {
				return fmt.Errorf("failed to insert merge result %s: %w", res.TaskID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRun retrieves a run report by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*coordinator.RunReport, error) {
	report := &coordinator.RunReport{}
	var mergeClean, mergeConflicted, needsManual int

	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, completed, failed, blocked, merge_clean, merge_conflicted, needs_manual_resolution
		FROM runs
		WHERE id = ?
	`, runID).Scan(&report.RunID, &report.StartedAt, &report.FinishedAt, &report.Completed, &report.Failed, &report.Blocked, &mergeClean, &mergeConflicted, &needsManual)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	if err := s.loadTaskReports(ctx, report); err != nil {
		return nil, err
	}
	mergeReport, err := s.loadMergeResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	if mergeReport != nil {
		mergeReport.Clean = mergeClean
		mergeReport.Conflicted = mergeConflicted
		mergeReport.NeedsManualResolution = needsManual != 0
		report.Merge = mergeReport
	}
	return report, nil
}

// LatestRun retrieves the most recently started run.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*coordinator.RunReport, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT 1
	`).Scan(&runID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no runs recorded")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}
	return s.GetRun(ctx, runID)
}

func (s *SQLiteStore) loadTaskReports(ctx context.Context, report *coordinator.RunReport) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, state, artifacts, error, blocked_by
		FROM task_reports
		WHERE run_id = ?
		ORDER BY task_id
	`, report.RunID)
	if err != nil {
		return fmt.Errorf("failed to query task reports: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tr coordinator.TaskReport
		var artifacts string
		if err := rows.Scan(&tr.ID, &tr.State, &artifacts, &tr.Error, &tr.BlockedBy); err != nil {
			return fmt.Errorf("failed to scan task report: %w", err)
		}
		if artifacts != "" {
			tr.Artifacts = strings.Split(artifacts, ",")
		}
		report.Tasks = append(report.Tasks, tr)
	}
	return rows.Err()
}

// loadMergeResults reconstructs the merge report. Conflict contents are
// not persisted, only the conflicting paths.
func (s *SQLiteStore) loadMergeResults(ctx context.Context, runID string) (*merge.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, outcome, paths, conflict_paths
		FROM merge_results
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query merge results: %w", err)
	}
	defer rows.Close()

	var mergeReport *merge.Report
	for rows.Next() {
		var res merge.TaskResult
		var outcome, paths, conflictPaths string
		if err := rows.Scan(&res.TaskID, &outcome, &paths, &conflictPaths); err != nil {
			return nil, fmt.Errorf("failed to scan merge result: %w", err)
		}
		res.Outcome = merge.Outcome(outcome)
		if paths != "" {
			res.Paths = strings.Split(paths, ",")
		}
		if conflictPaths != "" {
			for _, p := range strings.Split(conflictPaths, ",") {
				res.Conflicts = append(res.Conflicts, merge.Conflict{Path: p})
			}
		}
		if mergeReport == nil {
			mergeReport = &merge.Report{}
		}
		mergeReport.Results = append(mergeReport.Results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating merge results: %w", err)
	}
	return mergeReport, nil
}
