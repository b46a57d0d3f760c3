package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"lotwatch/internal/model"
	logx "lotwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	// mu serializes batch upserts; SQLite allows one writer anyway.
	mu sync.Mutex

	// beforeWrite is a test hook called for each listing inside the batch tx.
	beforeWrite func(model.Listing) error
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger, o options) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./lotwatch.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrap("open", err)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, busy))
	if err != nil {
		return nil, wrap("open", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: o.now}

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, wrap("migrate", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

// sqliteDSN applies the pragmas on every pooled connection and makes each
// read-write transaction start with BEGIN IMMEDIATE, so a batch holds the
// write lock from its first read.
func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return path + "?" + q.Encode()
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations_sqlite.sql")
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(b)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- listings ----

func (s *sqliteStore) UpsertListings(ctx context.Context, batch []model.Listing) (UpsertResult, error) {
	if s == nil || s.db == nil {
		return UpsertResult{}, wrap("upsert", ErrClosed)
	}
	items, err := normalizeBatch(batch)
	if err != nil {
		return UpsertResult{}, wrap("upsert", err)
	}
	if len(items) == 0 {
		return UpsertResult{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, wrap("upsert: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	var res UpsertResult
	for _, cur := range items {
		prev, err := s.getListingTx(ctx, tx, cur.ID)
		if err != nil {
			return UpsertResult{}, wrap("upsert: read "+cur.ID, err)
		}
		row, kind := merge(prev, cur, now)
		if s.beforeWrite != nil {
			if err := s.beforeWrite(row); err != nil {
				return UpsertResult{}, wrap("upsert: write "+cur.ID, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO listings(id, source, title, url, location, end_time, price, first_seen, last_seen, matched_models)
			 VALUES(?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET
			   source=excluded.source, title=excluded.title, url=excluded.url, location=excluded.location,
			   end_time=excluded.end_time, price=excluded.price, last_seen=excluded.last_seen,
			   matched_models=excluded.matched_models`,
			row.ID, row.Source, row.Title, row.URL, row.Location, row.EndTime, row.Price,
			formatTime(row.FirstSeen), formatTime(row.LastSeen), row.JoinModels(),
		); err != nil {
			return UpsertResult{}, wrap("upsert: write "+cur.ID, err)
		}
		res.add(row, kind)
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, wrap("upsert: commit", err)
	}
	return res, nil
}

func (s *sqliteStore) getListingTx(ctx context.Context, tx *sql.Tx, id string) (*model.Listing, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, source, title, url, location, end_time, price, first_seen, last_seen, matched_models
		 FROM listings WHERE id = ?`, id)
	l, err := scanSQLiteListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteListing(r rowScanner) (model.Listing, error) {
	var (
		l           model.Listing
		first, last string
		models      string
	)
	if err := r.Scan(&l.ID, &l.Source, &l.Title, &l.URL, &l.Location, &l.EndTime, &l.Price, &first, &last, &models); err != nil {
		return model.Listing{}, err
	}
	l.FirstSeen = parseTime(first)
	l.LastSeen = parseTime(last)
	l.MatchedModels = model.SplitModels(models)
	return l, nil
}

func (s *sqliteStore) ListListings(ctx context.Context, limit int) ([]model.Listing, error) {
	if s == nil || s.db == nil {
		return nil, wrap("list listings", ErrClosed)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, title, url, location, end_time, price, first_seen, last_seen, matched_models
		 FROM listings ORDER BY first_seen DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("list listings", err)
	}
	defer rows.Close()
	out := []model.Listing{}
	for rows.Next() {
		l, err := scanSQLiteListing(rows)
		if err != nil {
			return nil, wrap("list listings", err)
		}
		out = append(out, l)
	}
	return out, wrap("list listings", rows.Err())
}

// ---- subscriptions ----

func (s *sqliteStore) AddSubscription(ctx context.Context, sub model.Subscription) (bool, error) {
	if s == nil || s.db == nil {
		return false, wrap("add subscription", ErrClosed)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(key, endpoint, p256dh, auth, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(key) DO NOTHING`,
		sub.Key(), sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, formatTime(s.now()),
	)
	if err != nil {
		return false, wrap("add subscription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("add subscription", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) RemoveSubscription(ctx context.Context, key string) (bool, error) {
	if s == nil || s.db == nil {
		return false, wrap("remove subscription", ErrClosed)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE key = ?`, key)
	if err != nil {
		return false, wrap("remove subscription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("remove subscription", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	if s == nil || s.db == nil {
		return nil, wrap("list subscriptions", ErrClosed)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, p256dh, auth FROM subscriptions ORDER BY created_at ASC, key ASC`)
	if err != nil {
		return nil, wrap("list subscriptions", err)
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var sub model.Subscription
		if err := rows.Scan(&sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth); err != nil {
			return nil, wrap("list subscriptions", err)
		}
		out = append(out, sub)
	}
	return out, wrap("list subscriptions", rows.Err())
}

// ---- scheduled jobs ----

func (s *sqliteStore) GetJob(ctx context.Context, id string) (model.JobState, bool, error) {
	if s == nil || s.db == nil {
		return model.JobState{}, false, wrap("get job", ErrClosed)
	}
	var (
		st                        model.JobState
		next, last, updated, outc string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, trigger_spec, next_fire_at, last_fire_at, last_outcome, updated_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&st.ID, &st.Trigger, &next, &last, &outc, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobState{}, false, nil
	}
	if err != nil {
		return model.JobState{}, false, wrap("get job", err)
	}
	st.NextFireAt = parseTime(next)
	st.LastFireAt = parseTime(last)
	st.LastOutcome = outc
	st.UpdatedAt = parseTime(updated)
	return st, true, nil
}

func (s *sqliteStore) PutJob(ctx context.Context, st model.JobState) error {
	if s == nil || s.db == nil {
		return wrap("put job", ErrClosed)
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs(id, trigger_spec, next_fire_at, last_fire_at, last_outcome, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   trigger_spec=excluded.trigger_spec, next_fire_at=excluded.next_fire_at,
		   last_fire_at=excluded.last_fire_at, last_outcome=excluded.last_outcome,
		   updated_at=excluded.updated_at`,
		st.ID, st.Trigger, formatTime(st.NextFireAt), formatTime(st.LastFireAt), st.LastOutcome, formatTime(st.UpdatedAt),
	)
	return wrap("put job", err)
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return wrap("delete job", ErrClosed)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	return wrap("delete job", err)
}
