// Package sqlite implements persistence.Persistence on SQLite. Each submodel
// is stored as one JSON document; every mutation is a read-modify-write inside
// a transaction.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plaenen/twinbus/pkg/model"
	"github.com/plaenen/twinbus/pkg/persistence"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed schema.sql
var schema string

// Store is a SQLite-backed persistence.Persistence.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers
}

type storeConfig struct {
	dsn          string
	maxOpenConns int
	walMode      bool
	busyTimeout  time.Duration
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		dsn:          "twinbus.db",
		maxOpenConns: 8,
		walMode:      true,
		busyTimeout:  5 * time.Second,
	}
}

// Option configures a Store.
type Option func(*storeConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *storeConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses a private in-memory database.
func WithMemoryDatabase() Option {
	return func(c *storeConfig) {
		c.dsn = ":memory:"
		c.walMode = false
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *storeConfig) {
		c.maxOpenConns = n
	}
}

// WithWALMode enables write-ahead logging. Not available for :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *storeConfig) {
		c.walMode = enabled
	}
}

// New opens the database and creates the schema.
func New(opts ...Option) (*Store, error) {
	config := defaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each :memory: connection is its own database.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	pragmas := fmt.Sprintf("PRAGMA busy_timeout = %d;", config.busyTimeout.Milliseconds())
	if config.walMode {
		pragmas += " PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL;"
	}
	if _, err := db.Exec(pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func load(ctx context.Context, q querier, id string) (model.Element, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT document FROM submodels WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Element{}, fmt.Errorf("%w: submodel %s", persistence.ErrNotFound, id)
	}
	if err != nil {
		return model.Element{}, fmt.Errorf("failed to load submodel %s: %w", id, err)
	}

	var sm model.Element
	if err := json.Unmarshal([]byte(doc), &sm); err != nil {
		return model.Element{}, fmt.Errorf("failed to decode submodel %s: %w", id, err)
	}
	return sm, nil
}

func store(ctx context.Context, tx *sql.Tx, sm model.Element) error {
	doc, err := json.Marshal(sm)
	if err != nil {
		return fmt.Errorf("failed to encode submodel %s: %w", sm.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO submodels (id, document, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		sm.ID, string(doc), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save submodel %s: %w", sm.ID, err)
	}
	return nil
}

// mutate runs fn on the submodel rooting ref and saves the result in one transaction.
func (s *Store) mutate(ctx context.Context, ref model.Reference, fn func(root *model.Element) error) error {
	id, err := persistence.SubmodelID(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	root, err := load(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := fn(&root); err != nil {
		return err
	}
	if err := store(ctx, tx, root); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get implements persistence.Persistence.
func (s *Store) Get(ctx context.Context, ref model.Reference) (model.Element, error) {
	id, err := persistence.SubmodelID(ref)
	if err != nil {
		return model.Element{}, err
	}
	root, err := load(ctx, s.db, id)
	if err != nil {
		return model.Element{}, err
	}
	return persistence.GetIn(root, ref)
}

// Exists implements persistence.Persistence.
func (s *Store) Exists(ctx context.Context, ref model.Reference) (bool, error) {
	return persistence.Exists(s.Get(ctx, ref))
}

// Create implements persistence.Persistence.
func (s *Store) Create(ctx context.Context, parent model.Reference, el model.Element) (model.Reference, error) {
	if !parent.IsZero() {
		var created model.Reference
		err := s.mutate(ctx, parent, func(root *model.Element) error {
			ref, err := persistence.CreateIn(root, parent, el)
			created = ref
			return err
		})
		return created, err
	}

	if el.ID == "" {
		return model.Reference{}, fmt.Errorf("%w: submodel id is required", persistence.ErrUnsupportedReference)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Reference{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := load(ctx, tx, el.ID); err == nil {
		return model.Reference{}, fmt.Errorf("%w: submodel %s", persistence.ErrAlreadyExists, el.ID)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return model.Reference{}, err
	}
	if err := store(ctx, tx, el); err != nil {
		return model.Reference{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Reference{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return model.NewSubmodelReference(el.ID), nil
}

// Update implements persistence.Persistence.
func (s *Store) Update(ctx context.Context, ref model.Reference, el model.Element) error {
	return s.mutate(ctx, ref, func(root *model.Element) error {
		return persistence.UpdateIn(root, ref, el)
	})
}

// Delete implements persistence.Persistence.
func (s *Store) Delete(ctx context.Context, ref model.Reference) (model.Element, error) {
	if ref.Len() == 1 {
		id, err := persistence.SubmodelID(ref)
		if err != nil {
			return model.Element{}, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return model.Element{}, fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		root, err := load(ctx, tx, id)
		if err != nil {
			return model.Element{}, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM submodels WHERE id = ?`, id); err != nil {
			return model.Element{}, fmt.Errorf("failed to delete submodel %s: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return model.Element{}, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return root, nil
	}

	var removed model.Element
	err := s.mutate(ctx, ref, func(root *model.Element) error {
		el, err := persistence.DeleteIn(root, ref)
		removed = el
		return err
	})
	return removed, err
}

// List implements persistence.Persistence.
func (s *Store) List(ctx context.Context) ([]model.Element, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM submodels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list submodels: %w", err)
	}
	defer rows.Close()

	var out []model.Element
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan submodel: %w", err)
		}
		var sm model.Element
		if err := json.Unmarshal([]byte(doc), &sm); err != nil {
			return nil, fmt.Errorf("failed to decode submodel: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

var _ persistence.Persistence = (*Store)(nil)
