package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Kernel writes race the worker pool and CLI on one WAL database. busy_timeout
// absorbs most contention; what leaks through is retried here.
const (
	retryMaxTries     = 4
	retryInitialDelay = 50 * time.Millisecond
	retryMaxDelay     = 500 * time.Millisecond
)

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return se.Code() == sqlite3.SQLITE_IOERR_SHORT_READ
	}
	msg := err.Error()
	for _, pattern := range []string{"SQLITE_BUSY", "SQLITE_LOCKED", "database is locked", "database table is locked"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialDelay
	b.MaxInterval = retryMaxDelay
	return b
}

// retryWrite runs fn until it succeeds, fails with a non-transient error, or
// exhausts its attempts.
func retryWrite(ctx context.Context, fn func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !isTransientSQLiteErr(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(newRetryBackOff()), backoff.WithMaxTries(retryMaxTries))
	return err
}
