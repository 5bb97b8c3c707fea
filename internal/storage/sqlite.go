package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chanrelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectChannel = `SELECT id, name, disabled, created_at, updated_at FROM channels`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(r rowScanner) (Channel, error) {
	var (
		ch               Channel
		created, updated string
	)
	if err := r.Scan(&ch.ID, &ch.Name, &ch.Disabled, &created, &updated); err != nil {
		return Channel{}, err
	}
	ch.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	ch.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return ch, nil
}

func (s *sqliteStore) List(ctx context.Context, opt ListOptions) ([]Channel, error) {
	q := selectChannel
	if opt.EnabledOnly {
		q += ` WHERE disabled = 0`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx, selectChannel+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	return ch, err
}

func (s *sqliteStore) GetByName(ctx context.Context, name string) (Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx, selectChannel+` WHERE name = ? COLLATE NOCASE`, strings.TrimSpace(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	return ch, err
}

func (s *sqliteStore) Create(ctx context.Context, ch Channel) (Channel, error) {
	ch.Name = strings.TrimSpace(ch.Name)
	now := time.Now().UTC()
	ch.CreatedAt, ch.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(name, disabled, created_at, updated_at) VALUES(?,?,?,?)`,
		ch.Name, ch.Disabled, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Channel{}, mapConstraint(err)
	}
	ch.ID, err = res.LastInsertId()
	return ch, err
}

func (s *sqliteStore) Update(ctx context.Context, ch Channel) (Channel, error) {
	ch.Name = strings.TrimSpace(ch.Name)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET name = ?, disabled = ?, updated_at = ? WHERE id = ?`,
		ch.Name, ch.Disabled, now.Format(time.RFC3339Nano), ch.ID,
	)
	if err != nil {
		return Channel{}, mapConstraint(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Channel{}, ErrNotFound
	}
	return s.Get(ctx, ch.ID)
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func mapConstraint(err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
