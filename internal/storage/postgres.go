package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lotwatch/internal/model"
	logx "lotwatch/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	now  func() time.Time
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger, o options) (*postgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, wrap("open", errors.New("postgres dsn is required"))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap("open: ping", err)
	}
	st := &postgresStore{pool: pool, log: log, now: o.now}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, wrap("migrate", err)
	}
	log.Debug("postgres store opened")
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(b)) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// ---- listings ----

func (s *postgresStore) UpsertListings(ctx context.Context, batch []model.Listing) (UpsertResult, error) {
	items, err := normalizeBatch(batch)
	if err != nil {
		return UpsertResult{}, wrap("upsert", err)
	}
	if len(items) == 0 {
		return UpsertResult{}, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return UpsertResult{}, wrap("upsert: begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.now().UTC()
	var res UpsertResult
	for _, cur := range items {
		prev, err := getListingPG(ctx, tx, cur.ID)
		if err != nil {
			return UpsertResult{}, wrap("upsert: read "+cur.ID, err)
		}
		row, kind := merge(prev, cur, now)
		if _, err := tx.Exec(ctx,
			`INSERT INTO listings(id, source, title, url, location, end_time, price, first_seen, last_seen, matched_models)
			 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			 ON CONFLICT(id) DO UPDATE SET
			   source=excluded.source, title=excluded.title, url=excluded.url, location=excluded.location,
			   end_time=excluded.end_time, price=excluded.price, last_seen=excluded.last_seen,
			   matched_models=excluded.matched_models`,
			row.ID, row.Source, row.Title, row.URL, row.Location, row.EndTime, row.Price,
			row.FirstSeen, row.LastSeen, row.JoinModels(),
		); err != nil {
			return UpsertResult{}, wrap("upsert: write "+cur.ID, err)
		}
		res.add(row, kind)
	}
	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, wrap("upsert: commit", err)
	}
	return res, nil
}

const pgListingCols = `id, source, title, url, location, end_time, price, first_seen, last_seen, matched_models`

func getListingPG(ctx context.Context, tx pgx.Tx, id string) (*model.Listing, error) {
	row := tx.QueryRow(ctx, `SELECT `+pgListingCols+` FROM listings WHERE id = $1 FOR UPDATE`, id)
	l, err := scanPGListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanPGListing(r pgx.Row) (model.Listing, error) {
	var (
		l      model.Listing
		models string
	)
	if err := r.Scan(&l.ID, &l.Source, &l.Title, &l.URL, &l.Location, &l.EndTime, &l.Price, &l.FirstSeen, &l.LastSeen, &models); err != nil {
		return model.Listing{}, err
	}
	l.FirstSeen = l.FirstSeen.UTC()
	l.LastSeen = l.LastSeen.UTC()
	l.MatchedModels = model.SplitModels(models)
	return l, nil
}

func (s *postgresStore) ListListings(ctx context.Context, limit int) ([]model.Listing, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgListingCols+` FROM listings ORDER BY first_seen DESC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, wrap("list listings", err)
	}
	defer rows.Close()
	out := []model.Listing{}
	for rows.Next() {
		l, err := scanPGListing(rows)
		if err != nil {
			return nil, wrap("list listings", err)
		}
		out = append(out, l)
	}
	return out, wrap("list listings", rows.Err())
}

// ---- subscriptions ----

func (s *postgresStore) AddSubscription(ctx context.Context, sub model.Subscription) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions(key, endpoint, p256dh, auth, created_at) VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT(key) DO NOTHING`,
		sub.Key(), sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, s.now().UTC(),
	)
	if err != nil {
		return false, wrap("add subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) RemoveSubscription(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE key = $1`, key)
	if err != nil {
		return false, wrap("remove subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx, `SELECT endpoint, p256dh, auth FROM subscriptions ORDER BY created_at ASC, key ASC`)
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

func (s *postgresStore) GetJob(ctx context.Context, id string) (model.JobState, bool, error) {
	var (
		st                  model.JobState
		next, last, updated *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, trigger_spec, next_fire_at, last_fire_at, last_outcome, updated_at
		 FROM scheduled_jobs WHERE id = $1`, id,
	).Scan(&st.ID, &st.Trigger, &next, &last, &st.LastOutcome, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.JobState{}, false, nil
	}
	if err != nil {
		return model.JobState{}, false, wrap("get job", err)
	}
	st.NextFireAt = derefTime(next)
	st.LastFireAt = derefTime(last)
	st.UpdatedAt = derefTime(updated)
	return st, true, nil
}

func (s *postgresStore) PutJob(ctx context.Context, st model.JobState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_jobs(id, trigger_spec, next_fire_at, last_fire_at, last_outcome, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6)
		 ON CONFLICT(id) DO UPDATE SET
		   trigger_spec=excluded.trigger_spec, next_fire_at=excluded.next_fire_at,
		   last_fire_at=excluded.last_fire_at, last_outcome=excluded.last_outcome,
		   updated_at=excluded.updated_at`,
		st.ID, st.Trigger, nullTime(st.NextFireAt), nullTime(st.LastFireAt), st.LastOutcome, nullTime(st.UpdatedAt),
	)
	return wrap("put job", err)
}

func (s *postgresStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	return wrap("delete job", err)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
