package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Store keeps session summaries and result ticks in sqlite
type Store struct {
	conn *sql.DB
}

// OpenStore opens (or creates) the database at path. ":memory:" works for tests.
func OpenStore(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writes.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		state TEXT NOT NULL,
		frames_read INTEGER NOT NULL,
		frames_dropped INTEGER NOT NULL,
		frames_processed INTEGER NOT NULL,
		results INTEGER NOT NULL,
		last_seq INTEGER NOT NULL,
		fields TEXT NOT NULL,
		error TEXT
	);
	CREATE TABLE IF NOT EXISTS results (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		ts DATETIME NOT NULL,
		fields TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`

	_, err := s.conn.Exec(query)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.conn.Close()
}

// Sink returns a session sink writing into this store. The sink does not
// own the database, so the store stays usable after the session ends.
func (s *Store) Sink() *StoreSink {
	return &StoreSink{store: s}
}

// SaveResult stores one record that carries an inference result
func (s *Store) SaveResult(ctx context.Context, rec types.Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO results (session_id, seq, ts, fields) VALUES (?, ?, ?, ?)`,
		rec.SessionID, int64(rec.Seq), rec.Timestamp.UTC(), string(fields))
	return err
}

// SaveSummary inserts or replaces the summary of a session
func (s *Store) SaveSummary(ctx context.Context, sum types.Summary) error {
	fields, err := json.Marshal(sum.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	var ended any
	if !sum.EndedAt.IsZero() {
		ended = sum.EndedAt.UTC()
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, started_at, ended_at, state, frames_read, frames_dropped,
			 frames_processed, results, last_seq, fields, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.SessionID, sum.StartedAt.UTC(), ended, sum.State,
		int64(sum.FramesRead), int64(sum.FramesDropped), int64(sum.FramesProcessed),
		int64(sum.Results), int64(sum.LastSeq), string(fields), sum.Error)
	return err
}

// Sessions returns the most recent summaries, newest first
func (s *Store) Sessions(ctx context.Context, limit int) ([]types.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, started_at, ended_at, state, frames_read, frames_dropped,
		       frames_processed, results, last_seq, fields, error
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Summary
	for rows.Next() {
		var (
			sum                                    types.Summary
			ended                                  sql.NullTime
			read, dropped, processed, res, lastSeq int64
			fields                                 string
			errText                                sql.NullString
		)
		if err := rows.Scan(&sum.SessionID, &sum.StartedAt, &ended, &sum.State,
			&read, &dropped, &processed, &res, &lastSeq, &fields, &errText); err != nil {
			return nil, err
		}
		if ended.Valid {
			sum.EndedAt = ended.Time
		}
		sum.FramesRead = uint64(read)
		sum.FramesDropped = uint64(dropped)
		sum.FramesProcessed = uint64(processed)
		sum.Results = uint64(res)
		sum.LastSeq = uint64(lastSeq)
		sum.Error = errText.String
		if err := json.Unmarshal([]byte(fields), &sum.Fields); err != nil {
			return nil, fmt.Errorf("session %s: decode fields: %w", sum.SessionID, err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Results returns the stored result ticks of a session in Seq order
func (s *Store) Results(ctx context.Context, sessionID string) ([]types.Record, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT seq, ts, fields FROM results WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var (
			seq    int64
			ts     time.Time
			fields string
		)
		if err := rows.Scan(&seq, &ts, &fields); err != nil {
			return nil, err
		}
		rec := types.Record{SessionID: sessionID, Seq: uint64(seq), Timestamp: ts, HasResult: true}
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return nil, fmt.Errorf("result #%d: decode fields: %w", seq, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StoreSink persists result ticks and the final summary of one session
type StoreSink struct {
	store *Store
}

func (s *StoreSink) Send(ctx context.Context, rec types.Record) error {
	if !rec.HasResult {
		return nil
	}
	return s.store.SaveResult(ctx, rec)
}

func (s *StoreSink) Finish(ctx context.Context, summary types.Summary) error {
	return s.store.SaveSummary(ctx, summary)
}
