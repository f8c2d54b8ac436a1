package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"botvisor/internal/models"

	_ "modernc.org/sqlite"
)

// SQLite is the default durable Store.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS bots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  code TEXT NOT NULL DEFAULT '',
  secret TEXT NOT NULL DEFAULT '',
  online INTEGER NOT NULL DEFAULT 0,
  deployed INTEGER NOT NULL DEFAULT 0,
  last_heartbeat TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_bots_deployed ON bots(deployed);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const botColumns = `id,name,code,secret,online,deployed,last_heartbeat,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*models.Bot, error) {
	var b models.Bot
	var lastHeartbeat sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&b.ID, &b.Name, &b.Code, &b.Secret, &b.Online, &b.Deployed, &lastHeartbeat, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if lastHeartbeat.Valid && lastHeartbeat.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastHeartbeat.String); err == nil {
			b.LastHeartbeat = &t
		}
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &b, nil
}

func (s *SQLite) GetBot(ctx context.Context, id int64) (*models.Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id=?`, id)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bot %d: %w", id, err)
	}
	return b, nil
}

func (s *SQLite) UpdateBot(ctx context.Context, id int64, patch models.BotPatch) (*models.Bot, error) {
	sets := []string{"updated_at=?"}
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}

	if patch.Online != nil {
		sets = append(sets, "online=?")
		args = append(args, *patch.Online)
	}
	if patch.Deployed != nil {
		sets = append(sets, "deployed=?")
		args = append(args, *patch.Deployed)
	}
	switch {
	case patch.ClearHeartbeat:
		sets = append(sets, "last_heartbeat=NULL")
	case patch.LastHeartbeat != nil:
		sets = append(sets, "last_heartbeat=?")
		args = append(args, patch.LastHeartbeat.UTC().Format(time.RFC3339Nano))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE bots SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update bot %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrBotNotFound
	}
	return s.GetBot(ctx, id)
}

func (s *SQLite) PutBot(ctx context.Context, bot *models.Bot) (*models.Bot, error) {
	if err := validate(bot); err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if bot.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
INSERT INTO bots (name,code,secret,created_at,updated_at)
VALUES (?,?,?,?,?)
`, bot.Name, bot.Code, bot.Secret, now, now)
		if err != nil {
			return nil, fmt.Errorf("insert bot: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert bot: %w", err)
		}
		return s.GetBot(ctx, id)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO bots (id,name,code,secret,created_at,updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  code=excluded.code,
  secret=excluded.secret,
  updated_at=excluded.updated_at
`, bot.ID, bot.Name, bot.Code, bot.Secret, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert bot %d: %w", bot.ID, err)
	}
	return s.GetBot(ctx, bot.ID)
}

func (s *SQLite) ListBots(ctx context.Context) ([]models.Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var out []models.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteBot(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete bot %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrBotNotFound
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
