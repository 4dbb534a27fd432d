package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"

	"github.com/xtxerr/tickpipe/internal/errors"
)

// permanentPatterns mark errors that will fail again on retry.
var permanentPatterns = []string{
	"conversion error",
	"constraint error",
	"binder error",
	"catalog error",
	"parser error",
	"invalid input error",
	"mismatch type error",
	"schema mismatch",
	"out of range",
}

// transientPatterns mark errors worth retrying.
var transientPatterns = []string{
	"database is locked",
	"could not set lock",
	"busy",
	"timeout",
	"connection reset",
	"connection refused",
	"connection error",
	"broken pipe",
	"temporary failure",
	"i/o error",
	"io error",
	"disk full",
	"interrupted",
}

// Classify maps an insert error onto ErrTransientWrite or ErrPermanentWrite.
//
// Already classified errors pass through. Cancellation is returned as is so
// callers can tell a hard stop from a write failure. Unrecognized errors are
// treated as transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.IsWriteError(err) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return errors.Mark(err, errors.ErrTransientWrite)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return errors.Mark(err, errors.ErrPermanentWrite)
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return errors.Mark(err, errors.ErrTransientWrite)
		}
	}
	return errors.Mark(err, errors.ErrTransientWrite)
}
