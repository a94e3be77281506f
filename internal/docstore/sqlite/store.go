// Package sqlite is a docstore.Store on top of modernc.org/sqlite. Documents
// are JSON bodies keyed by (collection, id); a batch is one SQL transaction.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"finledger/internal/docstore"
	"finledger/internal/log"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// Only plain identifiers are pushed down into json_extract paths.
var pushdownField = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Store struct {
	db     *sql.DB
	hub    *docstore.Hub
	now    func() time.Time
	logger *log.Logger
}

// Open creates the database file if needed, runs migrations and returns the
// store. The pool is limited to one connection so batches serialize.
func Open(dbPath string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	s := &Store{db: db, now: time.Now, logger: logger.WithComponent(log.ComponentStorage)}
	s.hub = docstore.NewHub(s.Query)
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body, update_time FROM documents WHERE collection = ? AND id = ?`, collection, id)
	var body, updated string
	if err := row.Scan(&body, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return docstore.Document{}, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
		}
		return docstore.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return decodeDocument(collection, id, body, updated)
}

func (s *Store) Put(ctx context.Context, collection, id string, fields docstore.Fields, opts ...docstore.WriteOption) error {
	return s.Batch().Set(collection, id, fields, opts...).Commit(ctx)
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	stmt := strings.Builder{}
	stmt.WriteString(`SELECT id, body, update_time FROM documents WHERE collection = ?`)
	args := []any{q.Collection}
	for _, f := range q.Filters {
		// String equality is safe to push down; everything else is
		// re-evaluated in Go by q.Apply below.
		v, ok := f.Value.(string)
		if f.Op != docstore.OpEqual || !ok || !pushdownField.MatchString(f.Field) {
			continue
		}
		stmt.WriteString(` AND json_extract(body, '$.` + f.Field + `') = ?`)
		args = append(args, v)
	}

	rows, err := s.db.QueryContext(ctx, stmt.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var id, body, updated string
		if err := rows.Scan(&id, &body, &updated); err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Collection, err)
		}
		d, err := decodeDocument(q.Collection, id, body, updated)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", q.Collection, err)
	}
	return q.Apply(docs), nil
}

func (s *Store) Batch() docstore.Batch {
	return docstore.NewPendingBatch(s.commit)
}

func (s *Store) Listen(ctx context.Context, q docstore.Query, onNext func([]docstore.Document), onError func(error)) func() {
	return s.hub.Subscribe(ctx, q, onNext, onError)
}

func (s *Store) commit(ctx context.Context, writes []docstore.Write) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("Batch rollback failed", log.FieldError, rbErr)
			}
		}
	}()

	now := s.now().UTC().Format(timeLayout)
	for _, w := range writes {
		existing, exists, err := loadFields(ctx, tx, w.Collection, w.ID)
		if err != nil {
			return err
		}
		if err := w.CheckPreconditions(existing, exists); err != nil {
			return err
		}

		if w.Kind == docstore.WriteDelete {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM documents WHERE collection = ? AND id = ?`, w.Collection, w.ID); err != nil {
				return fmt.Errorf("delete %s/%s: %w", w.Collection, w.ID, err)
			}
			continue
		}

		body, err := json.Marshal(w.Resolve(existing))
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", w.Collection, w.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, body, update_time) VALUES (?, ?, ?, ?)
			 ON CONFLICT(collection, id) DO UPDATE SET body = excluded.body, update_time = excluded.update_time`,
			w.Collection, w.ID, string(body), now); err != nil {
			return fmt.Errorf("write %s/%s: %w", w.Collection, w.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	s.logger.Debug("Batch committed", "writes", len(writes))
	s.hub.Notify(context.WithoutCancel(ctx), docstore.Collections(writes))
	return nil
}

func loadFields(ctx context.Context, tx *sql.Tx, collection, id string) (docstore.Fields, bool, error) {
	var body string
	err := tx.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s/%s: %w", collection, id, err)
	}
	fields, err := decodeFields(body)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return fields, true, nil
}

func decodeDocument(collection, id, body, updated string) (docstore.Document, error) {
	fields, err := decodeFields(body)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	ts, err := time.Parse(timeLayout, updated)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("parse update time of %s/%s: %w", collection, id, err)
	}
	return docstore.Document{Collection: collection, ID: id, Fields: fields, UpdateTime: ts}, nil
}

// decodeFields keeps numbers as json.Number so int64 versions survive.
func decodeFields(body string) (docstore.Fields, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var fields docstore.Fields
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

var _ docstore.Store = (*Store)(nil)
