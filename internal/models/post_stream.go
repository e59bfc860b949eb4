package models

import (
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PostStream stores the ordered composite post ids cached for one stream id.
type PostStream struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	StreamJSON       string `gorm:"column:stream_json;type:text;not null;default:'[]'"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PostStream) TableName() string {
	return "post_streams"
}

// PrimaryKey returns the stream id.
func (stream PostStream) PrimaryKey() string {
	return stream.ID
}

// NewPostStream encodes an ordered id list into a storable row.
func NewPostStream(streamID string, postIDs []string, updatedAtSeconds int64) (PostStream, error) {
	if postIDs == nil {
		postIDs = []string{}
	}
	encoded, err := json.Marshal(postIDs)
	if err != nil {
		return PostStream{}, err
	}
	return PostStream{ID: streamID, StreamJSON: string(encoded), UpdatedAtSeconds: updatedAtSeconds}, nil
}

// PostIDs decodes the ordered id list.
func (stream PostStream) PostIDs() ([]string, error) {
	var postIDs []string
	if stream.StreamJSON == "" {
		return postIDs, nil
	}
	if err := json.Unmarshal([]byte(stream.StreamJSON), &postIDs); err != nil {
		return nil, err
	}
	return postIDs, nil
}

// PostStreamModel wraps the post_streams table.
type PostStreamModel struct {
	*Table[string, PostStream]
}

// NewPostStreamModel binds the model to db.
func NewPostStreamModel(db *gorm.DB, logger *zap.Logger) (*PostStreamModel, error) {
	table, err := NewTable[string, PostStream](db, logger)
	if err != nil {
		return nil, err
	}
	return &PostStreamModel{Table: table}, nil
}
