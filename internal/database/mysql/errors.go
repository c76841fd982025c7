package mysql

import (
	"errors"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/koustreak/pgdialect/internal/database/sqldb"
	"github.com/koustreak/pgdialect/internal/errs"
)

// MySQL error numbers
// Full list: https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	errDuplicateEntry  = 1062
	errNoReferencedRow = 1452
	errRowIsReferenced = 1451
	errBadFieldError   = 1054
	errAccessDenied    = 1045
	errDBAccessDenied  = 1044
	errConnRefused     = 2003
	errUnknownDatabase = 1049
	errQueryTimeout    = 3024
)

// mapError converts a MySQL driver error into *errs.Error. err must not be nil.
func mapError(err error, msg string) *errs.Error {
	if errors.Is(err, gomysql.ErrInvalidConn) {
		return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
	}

	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case errDuplicateEntry:
			return errs.Wrap(errs.ErrKindQueryFailed, fmt.Sprintf("%s: conflict: %s", msg, mysqlErr.Message), err)
		case errNoReferencedRow, errRowIsReferenced:
			return errs.Wrap(errs.ErrKindQueryFailed, fmt.Sprintf("%s: foreign key violation: %s", msg, mysqlErr.Message), err)
		case errAccessDenied, errDBAccessDenied:
			return errs.Wrap(errs.ErrKindPermissionDenied, fmt.Sprintf("%s: %s", msg, mysqlErr.Message), err)
		case errConnRefused, errUnknownDatabase:
			return errs.Wrap(errs.ErrKindConnectionFailed, fmt.Sprintf("%s: connection error: %s", msg, mysqlErr.Message), err)
		case errQueryTimeout:
			return errs.Wrap(errs.ErrKindTimeout, fmt.Sprintf("%s: %s", msg, mysqlErr.Message), err)
		case errBadFieldError:
			return errs.Wrap(errs.ErrKindQueryFailed, fmt.Sprintf("%s: invalid query: %s", msg, mysqlErr.Message), err)
		default:
			return errs.Wrap(errs.ErrKindQueryFailed, fmt.Sprintf("%s: %s", msg, mysqlErr.Message), err)
		}
	}

	return sqldb.MapError(err, msg)
}
