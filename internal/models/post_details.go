package models

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PostDetails stores the immutable body of an indexed post.
type PostDetails struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	Author          string `gorm:"column:author;size:128;not null;index"`
	PostID          string `gorm:"column:post_id;size:64;not null"`
	Content         string `gorm:"column:content;type:text;not null;default:''"`
	Kind            string `gorm:"column:kind;size:32;not null;default:'short'"`
	URI             string `gorm:"column:uri;size:512;not null;default:''"`
	IndexedAt       int64  `gorm:"column:indexed_at;not null;index"`
	AttachmentsJSON string `gorm:"column:attachments_json;type:text;not null;default:'[]'"`
}

// TableName provides the explicit table binding for GORM.
func (PostDetails) TableName() string {
	return "post_details"
}

// PrimaryKey returns the composite post id.
func (details PostDetails) PrimaryKey() string {
	return details.ID
}

// PostDetailsModel wraps the post_details table.
type PostDetailsModel struct {
	*Table[string, PostDetails]
}

// NewPostDetailsModel binds the model to db.
func NewPostDetailsModel(db *gorm.DB, logger *zap.Logger) (*PostDetailsModel, error) {
	table, err := NewTable[string, PostDetails](db, logger)
	if err != nil {
		return nil, err
	}
	return &PostDetailsModel{Table: table}, nil
}

// FindIndexedAt returns the indexed_at timestamp of a locally stored post.
func (m *PostDetailsModel) FindIndexedAt(ctx context.Context, id string) (int64, bool, error) {
	details, err := m.FindByID(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if details == nil {
		return 0, false, nil
	}
	return details.IndexedAt, true, nil
}
