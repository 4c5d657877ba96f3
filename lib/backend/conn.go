package backend

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// Querier is the common surface of Conn, Tx and Pinned. Queries use '?'
// placeholders regardless of the engine.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Dialect() Dialect
}

// sqlRunner is satisfied by *sql.DB, *sql.Tx and *sql.Conn
type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type session struct {
	runner  sqlRunner
	dialect Dialect
}

func (s session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.runner.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.runner.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.runner.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s session) Dialect() Dialect {
	return s.dialect
}

// --------------------------------------------------------------------------
// Conn
// --------------------------------------------------------------------------

// Conn is an open handle to one dataset on one host.
type Conn struct {
	session
	db   *sql.DB
	addr Address

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// Addr returns the address the connection was opened for
func (c *Conn) Addr() Address {
	return c.addr
}

// BeginTx starts a transaction
func (c *Conn) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{session: session{runner: tx, dialect: c.dialect}, tx: tx}, nil
}

// Pin reserves a single physical connection. Session state such as temporary
// tables is only visible through the returned handle.
func (c *Conn) Pin(ctx context.Context) (*Pinned, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &Pinned{session: session{runner: conn, dialect: c.dialect}, conn: conn}, nil
}

// Close releases the handle. Calling Close more than once is a no-op.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.db.Close()
		Logger.Debugf("closed connection to %s", c.addr)
	})
	return c.closeErr
}

// Closed reports whether Close was called
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Tx is a transaction on a Conn.
type Tx struct {
	session
	tx *sql.Tx
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction, a rollback after commit is ignored
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Pinned is a single reserved connection out of a Conn's pool.
type Pinned struct {
	session
	conn *sql.Conn
}

func (p *Pinned) Close() error {
	return p.conn.Close()
}

// --------------------------------------------------------------------------
// Dialing
// --------------------------------------------------------------------------

// DialOptions controls the bounded retry applied when opening connections.
// Retries = 0 fails on the first unsuccessful ping.
type DialOptions struct {
	Retries uint64
	Backoff time.Duration
}

// DefaultDialOptions returns the options used when none are configured
func DefaultDialOptions() DialOptions {
	return DialOptions{Retries: 3, Backoff: 100 * time.Millisecond}
}

// Dialer opens a connection to an address. The router and the pool take a
// Dialer so tests can observe opening and closing.
type Dialer func(ctx context.Context, addr Address) (*Conn, error)

// NewDialer returns a Dialer bound to a dialect, credentials and retry options
func NewDialer(dialect Dialect, creds Credentials, opts DialOptions) Dialer {
	return func(ctx context.Context, addr Address) (*Conn, error) {
		return Open(ctx, dialect, addr, creds, opts)
	}
}

// Open connects to addr and verifies the connection with a ping. Ping failures
// are retried with exponential backoff, the final failure is returned as a
// *ConnectionError.
func Open(ctx context.Context, dialect Dialect, addr Address, creds Credentials, opts DialOptions) (*Conn, error) {
	base := opts.Backoff
	if base <= 0 {
		base = time.Millisecond
	}
	backoff := retry.WithMaxRetries(opts.Retries, retry.NewExponential(base))

	attempt := 0
	db, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (*sql.DB, error) {
		attempt++
		db, err := sql.Open(dialect.DriverName(), dialect.DSN(addr, creds))
		if err != nil {
			// invalid driver or dsn, retrying will not help
			return nil, err
		}
		dialect.Configure(db)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			Logger.Warningf("ping %s failed (attempt %d): %v", addr, attempt, err)
			return nil, retry.RetryableError(err)
		}
		return db, nil
	})
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	Logger.Debugf("opened connection to %s", addr)
	return &Conn{
		session: session{runner: db, dialect: dialect},
		db:      db,
		addr:    addr,
	}, nil
}
