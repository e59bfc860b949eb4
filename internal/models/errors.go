package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory groups errors raised by the local cache layer.
type ErrorCategory string

// CategoryDatabase tags every failure surfaced by the storage engine.
const CategoryDatabase ErrorCategory = "database"

// ErrorCode identifies the storage operation that failed.
type ErrorCode string

const (
	// CodeWriteFailed marks a failed insert, upsert or update.
	CodeWriteFailed ErrorCode = "WRITE_FAILED"
	// CodeQueryFailed marks a failed read.
	CodeQueryFailed ErrorCode = "QUERY_FAILED"
	// CodeDeleteFailed marks a failed delete or clear.
	CodeDeleteFailed ErrorCode = "DELETE_FAILED"
	// CodeBulkOperationFailed marks a failed multi-record write or delete.
	CodeBulkOperationFailed ErrorCode = "BULK_OPERATION_FAILED"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrInvalidCompositePostID indicates a malformed "{author}:{postId}" key.
	ErrInvalidCompositePostID = errors.New("models: invalid composite post id")
	// ErrUnknownCountField indicates a counter name that PostCounts does not carry.
	ErrUnknownCountField = errors.New("models: unknown count field")
	// ErrInvalidNotification indicates a notification payload that cannot be stored.
	ErrInvalidNotification = errors.New("models: invalid notification")
)

// DatabaseError wraps a storage failure with the table and keys it concerned.
type DatabaseError struct {
	Category ErrorCategory
	Code     ErrorCode
	Table    string
	IDs      []string
	Err      error
}

func (e *DatabaseError) Error() string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("%s.%s: table=%s", e.Category, strings.ToLower(string(e.Code)), e.Table))
	if len(e.IDs) > 0 {
		builder.WriteString(fmt.Sprintf(" ids=%v", e.IDs))
	}
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

func newDatabaseError(code ErrorCode, table string, ids []string, cause error) error {
	return &DatabaseError{
		Category: CategoryDatabase,
		Code:     code,
		Table:    table,
		IDs:      ids,
		Err:      cause,
	}
}

// IsDatabaseError reports whether err carries a DatabaseError with the given code.
// An empty code matches any database error.
func IsDatabaseError(err error, code ErrorCode) bool {
	var databaseError *DatabaseError
	if !errors.As(err, &databaseError) {
		return false
	}
	return code == "" || databaseError.Code == code
}
