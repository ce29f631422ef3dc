//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"commgame/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveAgentCheckpoint(ctx context.Context, checkpoint model.AgentCheckpoint) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeAgentCheckpoint(checkpoint)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO agent_checkpoints (run_id, agent_id, tag, step, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, agent_id, tag) DO UPDATE SET
			step = excluded.step,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, checkpoint.RunID, int(checkpoint.AgentID), checkpoint.Tag, checkpoint.Step, checkpoint.SchemaVersion, checkpoint.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetAgentCheckpoint(ctx context.Context, runID string, agentID model.AgentID, tag string) (model.AgentCheckpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.AgentCheckpoint{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `
		SELECT payload FROM agent_checkpoints WHERE run_id = ? AND agent_id = ? AND tag = ?
	`, runID, int(agentID), tag).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentCheckpoint{}, false, nil
		}
		return model.AgentCheckpoint{}, false, err
	}

	checkpoint, err := DecodeAgentCheckpoint(payload)
	if err != nil {
		return model.AgentCheckpoint{}, false, fmt.Errorf("decode checkpoint %s/%d/%s: %w", runID, agentID, tag, err)
	}
	return checkpoint, true, nil
}

func (s *SQLiteStore) ListCheckpointTags(ctx context.Context, runID string) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT tag FROM agent_checkpoints WHERE run_id = ? ORDER BY tag
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, state, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, run.ID, string(run.State), run.SchemaVersion, run.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (model.RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}

	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *SQLiteStore) SaveAccuracySnapshot(ctx context.Context, snapshot model.AccuracySnapshot) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeAccuracySnapshot(snapshot)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO accuracy_snapshots (run_id, step, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			step = excluded.step,
			payload = excluded.payload
	`, snapshot.RunID, snapshot.Step, payload)
	return err
}

func (s *SQLiteStore) GetAccuracySnapshot(ctx context.Context, runID string) (model.AccuracySnapshot, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.AccuracySnapshot{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM accuracy_snapshots WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AccuracySnapshot{}, false, nil
		}
		return model.AccuracySnapshot{}, false, err
	}

	snapshot, err := DecodeAccuracySnapshot(payload)
	if err != nil {
		return model.AccuracySnapshot{}, false, fmt.Errorf("decode accuracy snapshot %s: %w", runID, err)
	}
	return snapshot, true, nil
}

func (s *SQLiteStore) SaveMessageExport(ctx context.Context, export model.MessageExport) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeMessageExport(export)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO message_exports (run_id, speaker, listener, split, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, speaker, listener, split) DO UPDATE SET
			payload = excluded.payload
	`, export.RunID, int(export.Pair.Speaker), int(export.Pair.Listener), string(export.Split), payload)
	return err
}

func (s *SQLiteStore) GetMessageExport(ctx context.Context, runID string, pair model.OrderedPair, split model.Split) (model.MessageExport, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.MessageExport{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `
		SELECT payload FROM message_exports WHERE run_id = ? AND speaker = ? AND listener = ? AND split = ?
	`, runID, int(pair.Speaker), int(pair.Listener), string(split)).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.MessageExport{}, false, nil
		}
		return model.MessageExport{}, false, err
	}

	export, err := DecodeMessageExport(payload)
	if err != nil {
		return model.MessageExport{}, false, fmt.Errorf("decode message export %s %s %s: %w", runID, pair, split, err)
	}
	return export, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_checkpoints (
			run_id TEXT NOT NULL,
			agent_id INTEGER NOT NULL,
			tag TEXT NOT NULL,
			step INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, agent_id, tag)
		);
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS accuracy_snapshots (
			run_id TEXT PRIMARY KEY,
			step INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS message_exports (
			run_id TEXT NOT NULL,
			speaker INTEGER NOT NULL,
			listener INTEGER NOT NULL,
			split TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, speaker, listener, split)
		);
	`)
	return err
}
