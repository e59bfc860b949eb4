package models

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	primaryKeyColumn = "id"
	queryByID        = primaryKeyColumn + " = ?"
	queryByIDs       = primaryKeyColumn + " IN ?"
	bulkBatchSize    = 200

	opCreate         = "create"
	opUpsert         = "upsert"
	opUpdate         = "update"
	opFindByID       = "find_by_id"
	opFindByIDs      = "find_by_ids"
	opExists         = "exists"
	opDeleteByID     = "delete_by_id"
	opClear          = "clear"
	opBulkSave       = "bulk_save"
	opBulkDelete     = "bulk_delete"
	opCount          = "count"
	fieldTable       = "table"
	fieldIDs         = "ids"
	fieldOperation   = "operation"
	fieldCode        = "code"
	logMessageFailed = "local table operation failed"
)

var noOpLogger = zap.NewNop()

// Record is implemented by every row type stored through a Table.
type Record[K comparable] interface {
	TableName() string
	PrimaryKey() K
}

// Table provides the shared CRUD contract over one local table.
type Table[K comparable, R Record[K]] struct {
	db     *gorm.DB
	name   string
	logger *zap.Logger
}

// NewTable binds a Table to the provided database handle.
func NewTable[K comparable, R Record[K]](db *gorm.DB, logger *zap.Logger) (*Table[K, R], error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = noOpLogger
	}
	var zero R
	return &Table[K, R]{db: db, name: zero.TableName(), logger: logger}, nil
}

// Name returns the bound table name.
func (t *Table[K, R]) Name() string {
	return t.name
}

// Create inserts a record and fails if the key already exists.
func (t *Table[K, R]) Create(ctx context.Context, record R) error {
	if err := t.db.WithContext(ctx).Create(&record).Error; err != nil {
		return t.fail(opCreate, CodeWriteFailed, err, record.PrimaryKey())
	}
	return nil
}

// Upsert inserts a record or fully replaces the stored row with the same key.
func (t *Table[K, R]) Upsert(ctx context.Context, record R) error {
	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return t.fail(opUpsert, CodeWriteFailed, err, record.PrimaryKey())
	}
	return nil
}

// Update merges changes (column name to value) into the row with the given key and
// returns the number of rows modified. A missing row yields zero without error.
func (t *Table[K, R]) Update(ctx context.Context, id K, changes map[string]any) (int64, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	result := t.db.WithContext(ctx).
		Model(new(R)).
		Where(queryByID, id).
		Updates(changes)
	if result.Error != nil {
		return 0, t.fail(opUpdate, CodeWriteFailed, result.Error, id)
	}
	return result.RowsAffected, nil
}

// FindByID returns the stored record, or nil when the key is absent.
func (t *Table[K, R]) FindByID(ctx context.Context, id K) (*R, error) {
	var record R
	err := t.db.WithContext(ctx).Where(queryByID, id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, t.fail(opFindByID, CodeQueryFailed, err, id)
	}
	return &record, nil
}

// FindByIDs returns the records that exist for the given keys in storage order.
func (t *Table[K, R]) FindByIDs(ctx context.Context, ids []K) ([]R, error) {
	if len(ids) == 0 {
		return []R{}, nil
	}
	var records []R
	if err := t.db.WithContext(ctx).Where(queryByIDs, ids).Find(&records).Error; err != nil {
		return nil, t.fail(opFindByIDs, CodeQueryFailed, err, ids...)
	}
	return records, nil
}

// FindByIDsPreserveOrder returns a slice aligned with ids; positions whose key is
// absent hold nil.
func (t *Table[K, R]) FindByIDsPreserveOrder(ctx context.Context, ids []K) ([]*R, error) {
	records, err := t.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[K]*R, len(records))
	for index := range records {
		record := &records[index]
		byID[(*record).PrimaryKey()] = record
	}
	ordered := make([]*R, len(ids))
	for index, id := range ids {
		ordered[index] = byID[id]
	}
	return ordered, nil
}

// Exists reports whether a row with the given key is stored.
func (t *Table[K, R]) Exists(ctx context.Context, id K) (bool, error) {
	var count int64
	err := t.db.WithContext(ctx).
		Model(new(R)).
		Where(queryByID, id).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, t.fail(opExists, CodeQueryFailed, err, id)
	}
	return count > 0, nil
}

// DeleteByID removes the row with the given key. Deleting a missing key is not an error.
func (t *Table[K, R]) DeleteByID(ctx context.Context, id K) error {
	if err := t.db.WithContext(ctx).Where(queryByID, id).Delete(new(R)).Error; err != nil {
		return t.fail(opDeleteByID, CodeDeleteFailed, err, id)
	}
	return nil
}

// Clear removes every row of the table.
func (t *Table[K, R]) Clear(ctx context.Context) error {
	err := t.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(new(R)).Error
	if err != nil {
		return t.fail(opClear, CodeDeleteFailed, err)
	}
	return nil
}

// BulkSave upserts records in batches.
func (t *Table[K, R]) BulkSave(ctx context.Context, records []R) error {
	if len(records) == 0 {
		return nil
	}
	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(&records, bulkBatchSize).Error
	if err != nil {
		ids := make([]K, 0, len(records))
		for _, record := range records {
			ids = append(ids, record.PrimaryKey())
		}
		return t.fail(opBulkSave, CodeBulkOperationFailed, err, ids...)
	}
	return nil
}

// BulkDelete removes every row whose key is listed.
func (t *Table[K, R]) BulkDelete(ctx context.Context, ids []K) error {
	if len(ids) == 0 {
		return nil
	}
	if err := t.db.WithContext(ctx).Where(queryByIDs, ids).Delete(new(R)).Error; err != nil {
		return t.fail(opBulkDelete, CodeBulkOperationFailed, err, ids...)
	}
	return nil
}

// Count returns the number of stored rows.
func (t *Table[K, R]) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := t.db.WithContext(ctx).Model(new(R)).Count(&count).Error; err != nil {
		return 0, t.fail(opCount, CodeQueryFailed, err)
	}
	return count, nil
}

func (t *Table[K, R]) query(ctx context.Context) *gorm.DB {
	return t.db.WithContext(ctx).Model(new(R))
}

func (t *Table[K, R]) fail(operation string, code ErrorCode, cause error, ids ...K) error {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, fmt.Sprint(id))
	}
	t.logger.Error(logMessageFailed,
		zap.String(fieldOperation, operation),
		zap.String(fieldCode, string(code)),
		zap.String(fieldTable, t.name),
		zap.Strings(fieldIDs, keys),
		zap.Error(cause))
	return newDatabaseError(code, t.name, keys, cause)
}
