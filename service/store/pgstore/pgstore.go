// Package pgstore persists the client cache in PostgreSQL. Multi-row writes
// run inside real database transactions carried through the context, so a
// repository call made from within an atomic unit joins the surrounding
// transaction automatically.
package pgstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/msgr-im/msgr/config"
	"github.com/msgr-im/msgr/logger"
	"github.com/msgr-im/msgr/service/store"
	"github.com/msgr-im/msgr/tools/errs"
)

// Querier is the query surface shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the pool surface the store needs. *pgxpool.Pool implements it;
// pgxmock substitutes it in tests.
type DB interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type txKey struct{}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// querierFromCtx returns the transaction carried by ctx, or the pool.
func (s *PgStore) querierFromCtx(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.db
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PgStore implements store.Store on top of PostgreSQL.
type PgStore struct {
	db DB

	mu          sync.Mutex
	ready       bool
	uid         string
	deviceToken string
	timeAdj     time.Duration
}

var _ store.Store = (*PgStore)(nil)

// New wraps an existing pool or mock.
func New(db DB) *PgStore {
	return &PgStore{db: db}
}

// Connect builds a pool from the database config and wraps it. The pool is
// pinged so a bad DSN fails here, not on first use.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*PgStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse database DSN")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return New(pool), nil
}

// Open creates the schema if needed and loads session-scoped state.
func (s *PgStore) Open(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return errs.Storage("open", err)
	}
	if _, err := s.db.Exec(ctx, schemaDDL); err != nil {
		return errs.Storage("open", err)
	}

	state, err := s.loadState(ctx)
	if err != nil {
		return errs.Storage("open", err)
	}

	s.mu.Lock()
	s.uid = state["uid"]
	s.deviceToken = state["device_token"]
	if raw := state["time_adj_ns"]; raw != "" {
		if ns, err := strconv.ParseInt(raw, 10, 64); err == nil {
			s.timeAdj = time.Duration(ns)
		}
	}
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *PgStore) Close() {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
	s.db.Close()
}

func (s *PgStore) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *PgStore) loadState(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.Query(ctx, `SELECT key, value FROM client_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	state := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		state[k] = v
	}
	return state, rows.Err()
}

func (s *PgStore) saveState(key, value string) {
	_, err := s.db.Exec(context.Background(),
		`INSERT INTO client_state (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		logger.Warnf("pgstore: state %s not saved: %v", key, err)
	}
}

func (s *PgStore) UID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

func (s *PgStore) SetUID(uid string) {
	s.mu.Lock()
	s.uid = uid
	s.mu.Unlock()
	s.saveState("uid", uid)
}

func (s *PgStore) DeviceToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceToken
}

func (s *PgStore) SetDeviceToken(token string) {
	s.mu.Lock()
	s.deviceToken = token
	s.mu.Unlock()
	s.saveState("device_token", token)
}

func (s *PgStore) TimeAdjustment() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeAdj
}

func (s *PgStore) SetTimeAdjustment(adj time.Duration) {
	s.mu.Lock()
	s.timeAdj = adj
	s.mu.Unlock()
	s.saveState("time_adj_ns", strconv.FormatInt(int64(adj), 10))
}

func (s *PgStore) Logout() {
	s.mu.Lock()
	s.uid = ""
	s.deviceToken = ""
	s.timeAdj = 0
	s.mu.Unlock()
	if _, err := s.db.Exec(context.Background(), `DELETE FROM client_state`); err != nil {
		logger.Warnf("pgstore: state not cleared on logout: %v", err)
	}
}

// RunAtomically executes body inside a transaction carried by the derived
// context. Nested units are rejected rather than silently opening a second
// transaction.
func (s *PgStore) RunAtomically(ctx context.Context, label string, body func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return errs.Storage(label, errors.New("nested atomic unit"))
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errs.Storage(label, errors.Wrap(err, "begin"))
	}

	if err := body(withTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.Warnf("pgstore: rollback of %s: %v", label, rbErr)
		}
		return errs.Storage(label, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Storage(label, errors.Wrap(err, "commit"))
	}
	return nil
}
