package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/audio-producer/internal/core"
)

// SaveJob creates or updates the job of one block and kind.
func (s *Store) SaveJob(ctx context.Context, job core.GenerationJob) error {
	updatedAt := job.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.exec(ctx,
		`INSERT INTO jobs (project_id, block_id, kind, status, backend, attempts, last_error, target_ms, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(project_id, block_id, kind) DO UPDATE SET
             status = excluded.status,
             backend = excluded.backend,
             attempts = excluded.attempts,
             last_error = excluded.last_error,
             target_ms = excluded.target_ms,
             updated_at = excluded.updated_at`,
		job.ProjectID, job.BlockID, string(job.Kind), string(job.Status), job.Backend,
		job.Attempts, job.LastError, job.TargetMS, timestamp(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("save %s job for %s: %w", job.Kind, job.BlockID, err)
	}

	return nil
}

// ListJobs returns the jobs of a project in block order, narration before sfx before music.
func (s *Store) ListJobs(ctx context.Context, projectID string) ([]core.GenerationJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT j.block_id, j.kind, j.status, j.backend, j.attempts, j.last_error, j.target_ms, j.updated_at
         FROM jobs j
         LEFT JOIN blocks b ON b.project_id = j.project_id AND b.block_id = j.block_id
         WHERE j.project_id = ?
         ORDER BY COALESCE(b.sequence, 0),
             CASE j.kind WHEN 'narration' THEN 0 WHEN 'sfx' THEN 1 ELSE 2 END`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []core.GenerationJob

	for rows.Next() {
		job := core.GenerationJob{ProjectID: projectID}

		var kind, status, updatedAt string
		if err := rows.Scan(&job.BlockID, &kind, &status, &job.Backend, &job.Attempts,
			&job.LastError, &job.TargetMS, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}

		job.Kind = core.AssetKind(kind)
		job.Status = core.JobStatus(status)
		job.UpdatedAt = parseTimestamp(updatedAt)
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, nil
}

// AppendRenderHistory records a completed render. Entries are never updated; the oldest
// entries beyond the history limit are pruned.
func (s *Store) AppendRenderHistory(ctx context.Context, entry core.RenderHistoryEntry) error {
	layersJSON, err := json.Marshal(entry.Layers)
	if err != nil {
		return fmt.Errorf("marshal layers: %w", err)
	}

	notes := entry.Notes
	if notes == nil {
		notes = []string{}
	}

	notesJSON, err := json.Marshal(notes)
	if err != nil {
		return fmt.Errorf("marshal notes: %w", err)
	}

	renderedAt := entry.Timestamp
	if renderedAt.IsZero() {
		renderedAt = time.Now()
	}

	_, err = s.exec(ctx,
		`INSERT INTO render_history (id, project_id, rendered_at, output_ref, duration_ms, layers_json, notes_json)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ProjectID, timestamp(renderedAt), entry.OutputRef, entry.DurationMS,
		string(layersJSON), string(notesJSON),
	)
	if err != nil {
		return fmt.Errorf("append render history: %w", err)
	}

	_, err = s.exec(ctx,
		`DELETE FROM render_history
         WHERE project_id = ? AND seq NOT IN (
             SELECT seq FROM render_history WHERE project_id = ? ORDER BY seq DESC LIMIT ?
         )`,
		entry.ProjectID, entry.ProjectID, s.historyLimit,
	)
	if err != nil {
		return fmt.Errorf("prune render history: %w", err)
	}

	return nil
}

// ListRenderHistory returns a project's render history, newest first.
func (s *Store) ListRenderHistory(ctx context.Context, projectID string) ([]core.RenderHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rendered_at, output_ref, duration_ms, layers_json, notes_json
         FROM render_history WHERE project_id = ? ORDER BY seq DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list render history: %w", err)
	}
	defer rows.Close()

	var entries []core.RenderHistoryEntry

	for rows.Next() {
		entry := core.RenderHistoryEntry{ProjectID: projectID}

		var renderedAt, layersJSON, notesJSON string
		if err := rows.Scan(&entry.ID, &renderedAt, &entry.OutputRef, &entry.DurationMS,
			&layersJSON, &notesJSON); err != nil {
			return nil, fmt.Errorf("scan render history: %w", err)
		}

		if err := json.Unmarshal([]byte(layersJSON), &entry.Layers); err != nil {
			return nil, fmt.Errorf("decode layers: %w", err)
		}

		if err := json.Unmarshal([]byte(notesJSON), &entry.Notes); err != nil {
			return nil, fmt.Errorf("decode notes: %w", err)
		}

		entry.Timestamp = parseTimestamp(renderedAt)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate render history: %w", err)
	}

	return entries, nil
}
