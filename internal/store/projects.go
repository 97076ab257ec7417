package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/audio-producer/internal/core"
)

// SaveProject creates or replaces a project together with its bible and blocks.
func (s *Store) SaveProject(ctx context.Context, project core.Project) error {
	settingsJSON, err := json.Marshal(project.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	now := timestamp(time.Now())

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx,
			`INSERT INTO projects (id, title, script, settings_json, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?)
             ON CONFLICT(id) DO UPDATE SET
                 title = excluded.title,
                 script = excluded.script,
                 settings_json = excluded.settings_json,
                 updated_at = excluded.updated_at`,
			project.ID, project.Title, project.Script, string(settingsJSON), now, now,
		)
		if execErr != nil {
			return fmt.Errorf("upsert project: %w", execErr)
		}

		bibleErr := replaceBible(ctx, tx, project.ID, project.Bible, now)
		if bibleErr != nil {
			return bibleErr
		}

		return replaceBlocks(ctx, tx, project.ID, project.Blocks)
	})
}

// LoadProject returns a project with its bible and blocks in sequence order.
func (s *Store) LoadProject(ctx context.Context, projectID string) (core.Project, error) {
	project := core.Project{ID: projectID}

	var settingsJSON string

	err := s.db.QueryRowContext(ctx,
		`SELECT title, script, settings_json FROM projects WHERE id = ?`, projectID,
	).Scan(&project.Title, &project.Script, &settingsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Project{}, fmt.Errorf("%w: %s", core.ErrProjectNotFound, projectID)
	}

	if err != nil {
		return core.Project{}, fmt.Errorf("load project: %w", err)
	}

	if err := json.Unmarshal([]byte(settingsJSON), &project.Settings); err != nil {
		return core.Project{}, fmt.Errorf("decode settings: %w", err)
	}

	project.Bible, err = s.loadBible(ctx, projectID)
	if err != nil {
		return core.Project{}, err
	}

	project.Blocks, err = s.loadBlocks(ctx, projectID)
	if err != nil {
		return core.Project{}, err
	}

	return project, nil
}

// ReplaceBible swaps the project's bible for a new one. Bibles are never merged.
func (s *Store) ReplaceBible(ctx context.Context, projectID string, bible core.SeriesBible) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireProject(ctx, tx, projectID); err != nil {
			return err
		}

		return replaceBible(ctx, tx, projectID, bible, timestamp(time.Now()))
	})
}

// ReplaceBlocks swaps the project's blocks for a new sequence. Jobs of the old blocks are
// dropped since their assets no longer apply.
func (s *Store) ReplaceBlocks(ctx context.Context, projectID string, blocks []core.Block) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireProject(ctx, tx, projectID); err != nil {
			return err
		}

		return replaceBlocks(ctx, tx, projectID, blocks)
	})
}

// SaveBlockAsset records the state of one asset slot.
func (s *Store) SaveBlockAsset(ctx context.Context, projectID, blockID string, kind core.AssetKind, slot core.AssetSlot) error {
	column, err := slotColumn(kind)
	if err != nil {
		return err
	}

	slotJSON, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("marshal %s slot: %w", kind, err)
	}

	result, err := s.exec(ctx,
		`UPDATE blocks SET `+column+` = ? WHERE project_id = ? AND block_id = ?`,
		string(slotJSON), projectID, blockID,
	)
	if err != nil {
		return fmt.Errorf("save %s asset: %w", kind, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save %s asset: %w", kind, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrBlockNotFound, projectID, blockID)
	}

	return nil
}

func (s *Store) loadBible(ctx context.Context, projectID string) (core.SeriesBible, error) {
	var bibleJSON string

	err := s.db.QueryRowContext(ctx, `SELECT bible_json FROM bibles WHERE project_id = ?`, projectID).Scan(&bibleJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return core.SeriesBible{Characters: map[string]core.Character{}}, nil
	}

	if err != nil {
		return core.SeriesBible{}, fmt.Errorf("load bible: %w", err)
	}

	var bible core.SeriesBible
	if err := json.Unmarshal([]byte(bibleJSON), &bible); err != nil {
		return core.SeriesBible{}, fmt.Errorf("decode bible: %w", err)
	}

	if bible.Characters == nil {
		bible.Characters = map[string]core.Character{}
	}

	return bible, nil
}

func (s *Store) loadBlocks(ctx context.Context, projectID string) ([]core.Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT block_json, narration_slot, sfx_slot, music_slot
         FROM blocks WHERE project_id = ? ORDER BY sequence`, projectID)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	defer rows.Close()

	var blocks []core.Block

	for rows.Next() {
		var blockJSON, narrationJSON, sfxJSON, musicJSON string
		if err := rows.Scan(&blockJSON, &narrationJSON, &sfxJSON, &musicJSON); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}

		var block core.Block
		if err := json.Unmarshal([]byte(blockJSON), &block); err != nil {
			return nil, fmt.Errorf("decode block: %w", err)
		}

		for kind, raw := range map[core.AssetKind]string{
			core.KindNarration: narrationJSON,
			core.KindSFX:       sfxJSON,
			core.KindMusic:     musicJSON,
		} {
			slot, slotErr := decodeSlot(raw)
			if slotErr != nil {
				return nil, fmt.Errorf("decode %s slot of %s: %w", kind, block.ID, slotErr)
			}

			*block.Slot(kind) = slot
		}

		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}

	return blocks, nil
}

func requireProject(ctx context.Context, tx *sql.Tx, projectID string) error {
	var exists int

	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM projects WHERE id = ?`, projectID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check project: %w", err)
	}

	if exists == 0 {
		return fmt.Errorf("%w: %s", core.ErrProjectNotFound, projectID)
	}

	return nil
}

func replaceBible(ctx context.Context, tx *sql.Tx, projectID string, bible core.SeriesBible, now string) error {
	bibleJSON, err := json.Marshal(bible)
	if err != nil {
		return fmt.Errorf("marshal bible: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bibles (project_id, bible_json, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(project_id) DO UPDATE SET bible_json = excluded.bible_json, updated_at = excluded.updated_at`,
		projectID, string(bibleJSON), now,
	)
	if err != nil {
		return fmt.Errorf("replace bible: %w", err)
	}

	return nil
}

func replaceBlocks(ctx context.Context, tx *sql.Tx, projectID string, blocks []core.Block) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("clear jobs: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("clear blocks: %w", err)
	}

	for index := range blocks {
		block := blocks[index]

		slots := make(map[core.AssetKind]string, len(core.AllKinds()))

		for _, kind := range core.AllKinds() {
			slotJSON, err := json.Marshal(*block.Slot(kind))
			if err != nil {
				return fmt.Errorf("marshal %s slot: %w", kind, err)
			}

			slots[kind] = string(slotJSON)
			*block.Slot(kind) = core.AssetSlot{}
		}

		blockJSON, err := json.Marshal(block)
		if err != nil {
			return fmt.Errorf("marshal block %s: %w", block.ID, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO blocks (project_id, block_id, sequence, block_json, narration_slot, sfx_slot, music_slot)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			projectID, block.ID, block.Sequence, string(blockJSON),
			slots[core.KindNarration], slots[core.KindSFX], slots[core.KindMusic],
		)
		if err != nil {
			return fmt.Errorf("insert block %s: %w", block.ID, err)
		}
	}

	return nil
}

func slotColumn(kind core.AssetKind) (string, error) {
	switch kind {
	case core.KindNarration:
		return "narration_slot", nil
	case core.KindSFX:
		return "sfx_slot", nil
	case core.KindMusic:
		return "music_slot", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func decodeSlot(raw string) (core.AssetSlot, error) {
	var slot core.AssetSlot
	if err := json.Unmarshal([]byte(raw), &slot); err != nil {
		return core.AssetSlot{}, err
	}

	if slot.State == "" {
		slot.State = core.SlotAbsent
	}

	return slot, nil
}
