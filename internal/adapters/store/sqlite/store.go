// Package sqlite persists the last delivered items of every resource so a
// restarted client can render before its first refresh completes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Register the sqlite database/sql driver.

	"github.com/bnema/sdash/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS resource_snapshots (
	name TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	items_json TEXT NOT NULL,
	fetched_at TEXT NOT NULL
);
`

type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("snapshot store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns every stored snapshot in resource order. Rows naming an
// unknown resource are skipped.
func (s *Store) Load(ctx context.Context) ([]domain.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, hash, items_json, fetched_at FROM resource_snapshots")
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byName := make(map[domain.ResourceName]domain.Snapshot)
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		if _, err := domain.ParseResourceName(string(snapshot.Resource)); err != nil {
			continue
		}
		byName[snapshot.Resource] = snapshot
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}

	snapshots := make([]domain.Snapshot, 0, len(byName))
	for _, name := range domain.ResourceOrder {
		if snapshot, ok := byName[name]; ok {
			snapshots = append(snapshots, snapshot)
		}
	}

	return snapshots, nil
}

// Get returns the snapshot of one resource or domain.ErrSnapshotNotFound.
func (s *Store) Get(ctx context.Context, name domain.ResourceName) (domain.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, "SELECT name, hash, items_json, fetched_at FROM resource_snapshots WHERE name = ?", string(name))
	snapshot, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, name)
	}
	if err != nil {
		return domain.Snapshot{}, err
	}

	return snapshot, nil
}

func (s *Store) Save(ctx context.Context, snapshot domain.Snapshot) error {
	items := snapshot.Items
	if items == nil {
		items = []domain.Record{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s items: %w", snapshot.Resource, err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO resource_snapshots (name, hash, items_json, fetched_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	hash = excluded.hash,
	items_json = excluded.items_json,
	fetched_at = excluded.fetched_at
`, string(snapshot.Resource), snapshot.Hash, string(encoded), snapshot.FetchedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save %s snapshot: %w", snapshot.Resource, err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (domain.Snapshot, error) {
	var (
		name      string
		hash      string
		itemsJSON string
		fetchedAt string
	)
	if err := row.Scan(&name, &hash, &itemsJSON, &fetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Snapshot{}, err
		}
		return domain.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}

	decoder := json.NewDecoder(strings.NewReader(itemsJSON))
	decoder.UseNumber()
	items := []domain.Record{}
	if err := decoder.Decode(&items); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode %s items: %w", name, err)
	}

	at, err := time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("parse %s fetch time: %w", name, err)
	}

	return domain.Snapshot{
		Resource:  domain.ResourceName(name),
		Hash:      hash,
		Items:     items,
		FetchedAt: at,
	}, nil
}
