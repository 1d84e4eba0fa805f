package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const watchStateSchema = `
CREATE TABLE IF NOT EXISTS watch_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	history_id INTEGER NOT NULL,
	watch_expiry INTEGER NOT NULL,
	label_ids TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore keeps the watch record in a single-row sqlite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the state database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	if _, err := db.Exec(watchStateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply state schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (*WatchState, error) {
	var (
		historyID int64
		expiry    int64
		labelsRaw string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT history_id, watch_expiry, label_ids, updated_at FROM watch_state WHERE id = 1
	`).Scan(&historyID, &expiry, &labelsRaw, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var labels []string
	if err := json.Unmarshal([]byte(labelsRaw), &labels); err != nil {
		return nil, fmt.Errorf("decode label filter: %w", err)
	}

	ws := &WatchState{
		HistoryID: uint64(historyID),
		LabelIDs:  labels,
		UpdatedAt: time.Unix(updatedAt, 0),
	}
	if expiry > 0 {
		ws.WatchExpiry = time.UnixMilli(expiry)
	}
	return ws, nil
}

func (s *SQLiteStore) Save(ctx context.Context, ws *WatchState) error {
	labelsRaw, err := json.Marshal(ws.LabelIDs)
	if err != nil {
		return fmt.Errorf("encode label filter: %w", err)
	}

	var expiry int64
	if !ws.WatchExpiry.IsZero() {
		expiry = ws.WatchExpiry.UnixMilli()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO watch_state (id, history_id, watch_expiry, label_ids, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			history_id = excluded.history_id,
			watch_expiry = excluded.watch_expiry,
			label_ids = excluded.label_ids,
			updated_at = excluded.updated_at
	`, int64(ws.HistoryID), expiry, string(labelsRaw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
