// Package journal keeps a durable local record of found solutions until the
// coordinator has acknowledged them.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS solutions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	device       TEXT    NOT NULL,
	range_offset TEXT    NOT NULL,
	mnemonic     TEXT    NOT NULL,
	found_at     INTEGER NOT NULL,
	delivered_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_solutions_pending ON solutions(delivered_at) WHERE delivered_at IS NULL;
`

// Solution is one journaled solution.
type Solution struct {
	ID          int64
	Device      string
	Offset      string
	Mnemonic    string
	FoundAt     time.Time
	DeliveredAt time.Time
}

// Delivered reports whether the coordinator acknowledged the solution.
func (s Solution) Delivered() bool {
	return !s.DeliveredAt.IsZero()
}

// Store is a SQLite backed solution journal. It is safe for concurrent use.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens or creates the journal at path.
func Open(logger *zap.Logger, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("journal: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: initialize schema: %w", err)
	}

	logger.Info("Solution journal opened", zap.String("path", path))
	return &Store{logger: logger, db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a new, undelivered solution and returns its id.
func (s *Store) Record(ctx context.Context, sol Solution) (int64, error) {
	foundAt := sol.FoundAt
	if foundAt.IsZero() {
		foundAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO solutions (device, range_offset, mnemonic, found_at) VALUES (?, ?, ?, ?)`,
		sol.Device, sol.Offset, sol.Mnemonic, foundAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("journal: record: %w", err)
	}
	return res.LastInsertId()
}

// MarkDelivered records the coordinator's acknowledgement.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE solutions SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`,
		time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("journal: mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("Solution already delivered or unknown", zap.Int64("id", id))
	}
	return nil
}

// Pending returns undelivered solutions, oldest first.
func (s *Store) Pending(ctx context.Context) ([]Solution, error) {
	return s.query(ctx, "pending", `WHERE delivered_at IS NULL`)
}

// List returns every journaled solution, oldest first.
func (s *Store) List(ctx context.Context) ([]Solution, error) {
	return s.query(ctx, "list", "")
}

func (s *Store) query(ctx context.Context, what, where string) ([]Solution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device, range_offset, mnemonic, found_at, delivered_at FROM solutions `+where+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("journal: %s: %w", what, err)
	}
	defer rows.Close()

	var out []Solution
	for rows.Next() {
		sol, err := scanSolution(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		out = append(out, sol)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSolution(row scanner) (Solution, error) {
	var (
		sol         Solution
		foundAt     int64
		deliveredAt sql.NullInt64
	)
	if err := row.Scan(&sol.ID, &sol.Device, &sol.Offset, &sol.Mnemonic, &foundAt, &deliveredAt); err != nil {
		return Solution{}, err
	}
	sol.FoundAt = time.Unix(0, foundAt)
	if deliveredAt.Valid {
		sol.DeliveredAt = time.Unix(0, deliveredAt.Int64)
	}
	return sol, nil
}

// Get returns one solution by id. An unknown id wraps sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, id int64) (Solution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device, range_offset, mnemonic, found_at, delivered_at FROM solutions WHERE id = ?`, id)
	sol, err := scanSolution(row)
	if err != nil {
		return Solution{}, fmt.Errorf("journal: get %d: %w", id, err)
	}
	return sol, nil
}
