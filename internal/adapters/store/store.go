package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/dkeye/SaleFeed/internal/core"
	"github.com/dkeye/SaleFeed/internal/domain"
)

var ErrInvalidID = errors.New("store: game and user ids must be positive")

const schema = `
CREATE TABLE IF NOT EXISTS game_players (
	game_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	PRIMARY KEY (game_id, user_id)
)`

// Store answers participant checks from a sqlite database.
type Store struct {
	db *sql.DB
}

var _ core.Authorizer = (*Store)(nil)

// Open opens the database at path and creates the schema if needed.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	// One writer at a time is all sqlite allows anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite db")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	log.Info().Str("module", "adapters.store").Str("path", path).Msg("participant store ready")
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsParticipant reports whether user plays in game.
func (s *Store) IsParticipant(ctx context.Context, game domain.GameID, user domain.UserID) (bool, error) {
	if game <= 0 || user <= 0 {
		return false, ErrInvalidID
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM game_players WHERE game_id = ? AND user_id = ?`,
		int64(game), int64(user),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "participant lookup game=%d user=%d", game, user)
	}
	return true, nil
}

// AddParticipant records user as a player of game. Adding twice is a no-op.
func (s *Store) AddParticipant(ctx context.Context, game domain.GameID, user domain.UserID) error {
	if game <= 0 || user <= 0 {
		return ErrInvalidID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO game_players (game_id, user_id) VALUES (?, ?)`,
		int64(game), int64(user),
	)
	return errors.Wrap(err, "add participant")
}

// RemoveParticipant is idempotent as well.
func (s *Store) RemoveParticipant(ctx context.Context, game domain.GameID, user domain.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM game_players WHERE game_id = ? AND user_id = ?`,
		int64(game), int64(user),
	)
	return errors.Wrap(err, "remove participant")
}
