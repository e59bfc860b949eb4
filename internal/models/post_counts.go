package models

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CountField names a PostCounts counter column.
type CountField string

const (
	CountTags       CountField = "tags"
	CountUniqueTags CountField = "unique_tags"
	CountReplies    CountField = "replies"
	CountReposts    CountField = "reposts"
)

// CountChanges maps counters to signed deltas.
type CountChanges map[CountField]int64

// PostCounts stores the aggregate engagement counters of a post. Counters never go
// below zero.
type PostCounts struct {
	ID         string `gorm:"column:id;primaryKey;size:190;not null"`
	Tags       uint32 `gorm:"column:tags;not null;default:0"`
	UniqueTags uint32 `gorm:"column:unique_tags;not null;default:0"`
	Replies    uint32 `gorm:"column:replies;not null;default:0"`
	Reposts    uint32 `gorm:"column:reposts;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PostCounts) TableName() string {
	return "post_counts"
}

// PrimaryKey returns the composite post id.
func (counts PostCounts) PrimaryKey() string {
	return counts.ID
}

// Value returns the current value of a counter.
func (counts PostCounts) Value(field CountField) (uint32, bool) {
	switch field {
	case CountTags:
		return counts.Tags, true
	case CountUniqueTags:
		return counts.UniqueTags, true
	case CountReplies:
		return counts.Replies, true
	case CountReposts:
		return counts.Reposts, true
	default:
		return 0, false
	}
}

// PostCountsModel wraps the post_counts table.
type PostCountsModel struct {
	*Table[string, PostCounts]
}

// NewPostCountsModel binds the model to db.
func NewPostCountsModel(db *gorm.DB, logger *zap.Logger) (*PostCountsModel, error) {
	table, err := NewTable[string, PostCounts](db, logger)
	if err != nil {
		return nil, err
	}
	return &PostCountsModel{Table: table}, nil
}

// UpdateCounts applies deltas to an existing record, clamping every counter at zero.
// Empty changes and missing records are no-ops.
func (m *PostCountsModel) UpdateCounts(ctx context.Context, id string, changes CountChanges) error {
	if len(changes) == 0 {
		return nil
	}
	for field := range changes {
		if _, ok := (PostCounts{}).Value(field); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCountField, field)
		}
	}

	existing, err := m.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	updates := make(map[string]any, len(changes))
	for field, delta := range changes {
		current, _ := existing.Value(field)
		updates[string(field)] = applyDelta(current, delta)
	}
	_, err = m.Update(ctx, id, updates)
	return err
}

// applyDelta saturates instead of overflowing for deltas outside the counter range.
func applyDelta(current uint32, delta int64) uint32 {
	switch {
	case delta >= math.MaxUint32:
		return math.MaxUint32
	case delta <= -math.MaxUint32:
		return 0
	}
	return clampCount(int64(current) + delta)
}

func clampCount(value int64) uint32 {
	if value < 0 {
		return 0
	}
	if value > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(value)
}
