// Package store persists one JSON-blob-plus-checksum row per bot key in
// SQLite under WAL mode, with a round-trip validation pass and a sha256
// checksum guarding every write inside a LevelSerializable transaction. Rows
// are keyed by bot_key rather than a single-row table, so one database file
// can hold every bot's state, with writes
// serialized per bot through asynclock. A write still racing a WAL
// checkpoint retries through pkg/retry rather than surfacing a transient
// SQLITE_BUSY as a hard failure.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"dexgrid/internal/asynclock"
	"dexgrid/internal/core"
	"dexgrid/pkg/retry"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Store is the per-bot persistence collaborator. All
// mutating operations serialize through an AsyncLock keyed by botKey so two
// bots never race and a bot writing its own file is linearized.
// CleanOldProcessedFills reloads the current row under the lock before
// changing it; SaveState overwrites the whole row with the given state
// without reading it first.
type Store struct {
	db        *sql.DB
	locksMu   sync.Mutex
	locks     map[string]*asynclock.Lock
	logger    core.ILogger
}

// New opens (creating if absent) the SQLite database at dbPath with WAL mode
// enabled for crash recovery, and ensures the bot_state table exists.
func New(dbPath string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("store: enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS bot_state (
		bot_key TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		checksum BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("store: create bot_state table: %w", err)
	}

	return &Store{
		db:     db,
		locks:  make(map[string]*asynclock.Lock),
		logger: logger.WithField("component", "store"),
	}, nil
}

func (s *Store) lockFor(botKey string) *asynclock.Lock {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[botKey]; ok {
		return l
	}
	l := asynclock.New()
	s.locks[botKey] = l
	return l
}

// SaveState marshals state to JSON, validates it round-trips, computes a
// sha256 checksum, and writes both inside a serializable transaction,
// serialized per bot key through asynclock.
func (s *Store) SaveState(ctx context.Context, state core.BotState) error {
	lock := s.lockFor(state.BotKey)
	_, err := asynclock.Acquire(ctx, lock, asynclock.Options{}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.saveLocked(ctx, state)
	})
	return err
}

func (s *Store) saveLocked(ctx context.Context, state core.BotState) error {
	normalizeVirtualOrderIDs(&state)

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal state: %w", err)
	}

	var roundTrip core.BotState
	if err := json.Unmarshal(data, &roundTrip); err != nil {
		return fmt.Errorf("store: state round-trip validation: %w", err)
	}

	checksum := sha256.Sum256(data)
	writeOnce := func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("store: begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx,
			`INSERT INTO bot_state (bot_key, data, checksum, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(bot_key) DO UPDATE SET data=excluded.data, checksum=excluded.checksum, updated_at=excluded.updated_at`,
			state.BotKey, string(data), checksum[:], time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("store: write bot_state row: %w", err)
		}

		return tx.Commit()
	}

	return retry.Do(ctx, retry.DefaultPolicy, isSQLiteBusy, writeOnce)
}

// isSQLiteBusy reports whether err is a WAL-mode writer-contention error
// (SQLITE_BUSY/SQLITE_LOCKED) rather than a genuine data or schema problem.
func isSQLiteBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// LoadState reads botKey's row, verifying the checksum before unmarshaling.
// Returns (nil, nil) when no row exists yet.
func (s *Store) LoadState(ctx context.Context, botKey string) (*core.BotState, error) {
	lock := s.lockFor(botKey)
	return asynclock.Acquire(ctx, lock, asynclock.Options{}, func(ctx context.Context) (*core.BotState, error) {
		return s.loadLocked(ctx, botKey)
	})
}

func (s *Store) loadLocked(ctx context.Context, botKey string) (*core.BotState, error) {
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, `SELECT data, checksum FROM bot_state WHERE bot_key = ?`, botKey).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read bot_state row: %w", err)
	}

	computed := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computed) {
		return nil, fmt.Errorf("store: checksum length mismatch for %q", botKey)
	}
	for i := range computed {
		if storedChecksum[i] != computed[i] {
			return nil, fmt.Errorf("store: checksum verification failed for %q: data corruption detected", botKey)
		}
	}

	var state core.BotState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("store: unmarshal state: %w", err)
	}
	return &state, nil
}

// CleanOldProcessedFills prunes botKey's ProcessedFills entries older than
// age and persists the result.
func (s *Store) CleanOldProcessedFills(ctx context.Context, botKey string, age time.Duration) error {
	lock := s.lockFor(botKey)
	_, err := asynclock.Acquire(ctx, lock, asynclock.Options{}, func(ctx context.Context) (struct{}, error) {
		state, err := s.loadLocked(ctx, botKey)
		if err != nil {
			return struct{}{}, err
		}
		if state == nil {
			return struct{}{}, nil
		}
		cutoff := time.Now().Add(-age)
		for key, ts := range state.ProcessedFills {
			if ts.Before(cutoff) {
				delete(state.ProcessedFills, key)
			}
		}
		return struct{}{}, s.saveLocked(ctx, *state)
	})
	return err
}

// normalizeVirtualOrderIDs enforces that VIRTUAL/SPREAD slots never
// serialize a stale order id: the slot id must never be reused as an order
// id.
func normalizeVirtualOrderIDs(state *core.BotState) {
	for i, slot := range state.Grid {
		if slot.State == core.SlotVirtual || slot.Type == core.SlotSpread {
			state.Grid[i].OrderID = ""
		}
	}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
