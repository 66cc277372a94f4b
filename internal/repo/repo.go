// Package repo is the credential store: users, refresh tokens, verification
// codes, login records and email records, all on gorm. Every mutation that
// guards an invariant is a conditional UPDATE checked by RowsAffected.
package repo

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/Skotchmaster/blog_platform/internal/domain"
)

type GormRepo struct {
	DB *gorm.DB
	// Retries is the total number of tries for an operation that fails with a
	// transient store error. Zero means 3.
	Retries int
	// Timeout bounds each try. Zero means 5s.
	Timeout time.Duration
}

func New(db *gorm.DB, retries int) *GormRepo {
	return &GormRepo{DB: db, Retries: retries}
}

// do runs fn against the database and retries transient failures with
// exponential backoff. Domain outcomes and constraint violations are final.
func (r *GormRepo) do(ctx context.Context, fn func(db *gorm.DB) error) error {
	tries := r.Retries
	if tries <= 0 {
		tries = 3
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	op := func() error {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := fn(r.DB.WithContext(tctx))
		if err == nil {
			return nil
		}
		if isDuplicate(err) {
			return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrConflictDuplicate, err))
		}
		if !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(tries-1)), ctx))
	if err != nil && transient(err) {
		return fmt.Errorf("%w: %w", domain.ErrTransientStore, err)
	}
	return err
}

func (r *GormRepo) tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.do(ctx, func(db *gorm.DB) error {
		return db.Transaction(fn)
	})
}

// transient reports errors worth another try: lost or refused connections,
// timeouts, and the server-side states Postgres marks as retryable. Anything
// else, including SQL and constraint errors, is final.
func transient(err error) bool {
	if err == nil || isDuplicate(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "57P03": // cannot_connect_now
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "database is locked", "sqlite_busy"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, domain.ErrConflictDuplicate) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}
