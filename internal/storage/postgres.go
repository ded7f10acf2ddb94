package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/users"
)

// PostgresStore implements ChangeStore for one document using PostgreSQL.
type PostgresStore struct {
	pool         *pgxpool.Pool
	document     string
	queryTimeout time.Duration
}

// NewPostgresStore creates a ChangeStore for document. queryTimeout sets the
// per-query context deadline; zero means no timeout.
func NewPostgresStore(pool *pgxpool.Pool, document string, queryTimeout time.Duration) *PostgresStore {
	return &PostgresStore{
		pool:         pool,
		document:     document,
		queryTimeout: queryTimeout,
	}
}

// withTimeout derives a child context with the configured query timeout.
// If queryTimeout is zero, the parent context is returned unchanged.
func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout > 0 {
		return context.WithTimeout(ctx, s.queryTimeout)
	}
	return ctx, func() {}
}

const changeColumns = "seq, id, owner, stamp, action, type, payload"

type scanner interface {
	Scan(dest ...any) error
}

func scanChange(row scanner) (int64, change.Change, error) {
	var (
		seq    int64
		c      change.Change
		action int32
	)
	if err := row.Scan(&seq, &c.ID, &c.Owner, &c.Stamp, &action, &c.Type, &c.Payload); err != nil {
		return 0, change.Change{}, err
	}
	c.Action = change.ActionFlags(action)
	c.Stamp = c.Stamp.UTC()
	return seq, c, nil
}

// Apply reads the stored row under a row lock, folds op into it and writes
// the result back in one transaction.
func (s *PostgresStore) Apply(ctx context.Context, op Op, c change.Change) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var stored *change.Change
		_, cur, err := scanChange(tx.QueryRow(ctx, fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE document = $1 AND id = $2
			FOR UPDATE
		`, changeColumns, changesTable), s.document, c.ID))
		switch {
		case err == nil:
			stored = &cur
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("read: %w", err)
		}

		next, err := fold(op, stored, c)
		if err != nil {
			return err
		}
		if next == nil {
			_, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE document = $1 AND id = $2`, changesTable),
				s.document, c.ID)
			return err
		}

		_, err = tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (document, id, owner, stamp, action, type, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (document, id) DO UPDATE SET
				seq     = nextval('%s'),
				owner   = EXCLUDED.owner,
				stamp   = EXCLUDED.stamp,
				action  = EXCLUDED.action,
				type    = EXCLUDED.type,
				payload = EXCLUDED.payload
		`, changesTable, seqName),
			s.document, next.ID, next.Owner, next.Stamp, int32(next.Action), next.Type, next.Payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("apply %s %s: %w", op, c.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (change.Change, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, c, err := scanChange(s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE document = $1 AND id = $2
	`, changeColumns, changesTable), s.document, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return change.Change{}, ErrChangeNotFound
		}
		return change.Change{}, fmt.Errorf("get change: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Snapshot(ctx context.Context) ([]change.Change, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	changes, _, err := s.query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE document = $1
		ORDER BY seq ASC
	`, changeColumns, changesTable), s.document)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return changes, nil
}

func (s *PostgresStore) List(ctx context.Context, cursor string, limit int) (*Page, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = DefaultPageSize
	}
	cur, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}

	changes, last, err := s.query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE document = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, changeColumns, changesTable), s.document, cur.Seq, limit)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}

	page := &Page{Changes: changes}
	if err := nextPage(page, last, limit); err != nil {
		return nil, err
	}
	return page, nil
}

// query returns the scanned Changes and the seq of the last row.
func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]change.Change, int64, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		changes []change.Change
		last    int64
	)
	for rows.Next() {
		seq, c, err := scanChange(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		changes = append(changes, c)
		last = seq
	}
	return changes, last, rows.Err()
}

func (s *PostgresStore) RegisterUser(ctx context.Context, name string) error {
	name = users.NormalizeName(name)
	if name == "" {
		return change.ErrMissingOwner
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (document, name) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, usersTable), s.document, name)
	if err != nil {
		return fmt.Errorf("register user: %w", err)
	}
	return nil
}

func (s *PostgresStore) Users(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT name FROM %s WHERE document = $1 ORDER BY name
	`, usersTable), s.document)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return names, nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}
