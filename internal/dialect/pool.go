package dialect

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/dbload/pkg/types"
)

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	Params

	// Driver overrides the dialect's default driver name.
	Driver string

	MinPoolSize       int
	MaxPoolSize       int
	MaxLifetime       time.Duration
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration // bound on Acquire and on the initial ping
}

// Pool is a Database backed by a database/sql pool.
type Pool struct {
	db      *sql.DB
	dialect *Dialect
	cfg     PoolConfig
	logger  *slog.Logger
	waiting atomic.Int64
}

// Open creates the pool and verifies connectivity. Any failure here is fatal
// for the run.
func Open(ctx context.Context, d *Dialect, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	driverName := d.Driver
	if cfg.Driver != "" {
		if !d.SupportsDriver(cfg.Driver) {
			return nil, fmt.Errorf("driver %q is not supported for %s", cfg.Driver, d.Name)
		}
		driverName = cfg.Driver
	}

	if d.MaxPoolSize > 0 && cfg.MaxPoolSize > d.MaxPoolSize {
		logger.Warn("pool size limited by dialect",
			"dialect", d.Name,
			"requested_min", cfg.MinPoolSize,
			"requested_max", cfg.MaxPoolSize,
			"limit", d.MaxPoolSize,
		)
		cfg.MaxPoolSize = d.MaxPoolSize
		if cfg.MinPoolSize > d.MaxPoolSize {
			cfg.MinPoolSize = d.MaxPoolSize
		}
	}
	if cfg.MinPoolSize > cfg.MaxPoolSize {
		cfg.MinPoolSize = cfg.MaxPoolSize
	}

	cfg.Params.ConnectTimeout = cfg.ConnectionTimeout
	db, err := sql.Open(driverName, d.BuildDSN(cfg.Params))
	if err != nil {
		return nil, fmt.Errorf("open %s pool: %w", d.Name, err)
	}

	db.SetMaxOpenConns(cfg.MaxPoolSize)
	db.SetMaxIdleConns(cfg.MinPoolSize)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.IdleTimeout)

	pingCtx, cancel := withOptionalTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s: %w", d.Name, err)
	}

	logger.Info("connection pool initialized",
		"dialect", d.Name,
		"driver", driverName,
		"host", cfg.Host,
		"database", cfg.Database,
		"min_pool", cfg.MinPoolSize,
		"max_pool", cfg.MaxPoolSize,
		"max_lifetime", cfg.MaxLifetime,
		"idle_timeout", cfg.IdleTimeout,
	)

	return &Pool{db: db, dialect: d, cfg: cfg, logger: logger}, nil
}

// Dialect returns the pool's dialect.
func (p *Pool) Dialect() *Dialect {
	return p.dialect
}

// MaxPoolSize returns the effective pool cap after dialect limits.
func (p *Pool) MaxPoolSize() int {
	return p.cfg.MaxPoolSize
}

// Acquire implements Database.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	ctx, cancel := withOptionalTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	p.waiting.Add(1)
	conn, err := p.db.Conn(ctx)
	p.waiting.Add(-1)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &sqlSession{conn: conn, dialect: p.dialect}, nil
}

// Release implements Database.
func (p *Pool) Release(s Session, isError bool) {
	ss, ok := s.(*sqlSession)
	if !ok || ss == nil || ss.conn == nil {
		return
	}
	ss.Rollback()
	if isError {
		// Returning ErrBadConn from Raw makes database/sql close the
		// physical connection instead of returning it to the pool.
		_ = ss.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	_ = ss.conn.Close()
	ss.conn = nil
}

// PoolStats implements Database.
func (p *Pool) PoolStats() types.PoolStats {
	s := p.db.Stats()
	return types.PoolStats{
		Active:  s.InUse,
		Idle:    s.Idle,
		Total:   s.OpenConnections,
		Pending: int(p.waiting.Load()),
	}
}

// SetupSchema prepares the load_test table. Dialects with an ExistsQuery keep
// an existing table; the others drop and recreate it.
func (p *Pool) SetupSchema(ctx context.Context) error {
	if q := p.dialect.ExistsQuery; q != "" {
		var n int
		if err := p.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return fmt.Errorf("check existing schema: %w", err)
		}
		if n > 0 {
			p.logger.Info("reusing existing table", "table", TableName, "dialect", p.dialect.Name)
			return nil
		}
	}

	for _, stmt := range p.dialect.Schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema setup: %w", err)
		}
	}
	p.logger.Info("schema created", "table", TableName, "dialect", p.dialect.Name)
	return nil
}

// Truncate removes all rows from the table.
func (p *Pool) Truncate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, p.dialect.Statements.Truncate); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}

// MaxID returns the largest id in the table.
func (p *Pool) MaxID(ctx context.Context) (int64, error) {
	var id int64
	if err := p.db.QueryRowContext(ctx, p.dialect.Statements.MaxID).Scan(&id); err != nil {
		return 0, fmt.Errorf("max id: %w", err)
	}
	return id, nil
}

// Ping verifies that the database is reachable.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the pool.
func (p *Pool) Close() error {
	return p.db.Close()
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
