package models

import (
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PostRelationships stores the reply/repost/mention links of a post.
type PostRelationships struct {
	ID            string `gorm:"column:id;primaryKey;size:190;not null"`
	Replied       string `gorm:"column:replied;size:512;not null;default:''"`
	Reposted      string `gorm:"column:reposted;size:512;not null;default:''"`
	MentionedJSON string `gorm:"column:mentioned_json;type:text;not null;default:'[]'"`
}

// TableName provides the explicit table binding for GORM.
func (PostRelationships) TableName() string {
	return "post_relationships"
}

// PrimaryKey returns the composite post id.
func (relationships PostRelationships) PrimaryKey() string {
	return relationships.ID
}

// Mentioned decodes the list of mentioned pubkys.
func (relationships PostRelationships) Mentioned() ([]string, error) {
	if relationships.MentionedJSON == "" {
		return nil, nil
	}
	var mentioned []string
	if err := json.Unmarshal([]byte(relationships.MentionedJSON), &mentioned); err != nil {
		return nil, err
	}
	return mentioned, nil
}

// PostRelationshipsModel wraps the post_relationships table.
type PostRelationshipsModel struct {
	*Table[string, PostRelationships]
}

// NewPostRelationshipsModel binds the model to db.
func NewPostRelationshipsModel(db *gorm.DB, logger *zap.Logger) (*PostRelationshipsModel, error) {
	table, err := NewTable[string, PostRelationships](db, logger)
	if err != nil {
		return nil, err
	}
	return &PostRelationshipsModel{Table: table}, nil
}
