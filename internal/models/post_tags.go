package models

import (
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TagSummary is one label applied to a post with the pubkys that applied it.
type TagSummary struct {
	Label        string   `json:"label"`
	Taggers      []string `json:"taggers"`
	TaggersCount int      `json:"taggers_count"`
}

// PostTags stores the tag summaries of a post.
type PostTags struct {
	ID       string `gorm:"column:id;primaryKey;size:190;not null"`
	TagsJSON string `gorm:"column:tags_json;type:text;not null;default:'[]'"`
}

// TableName provides the explicit table binding for GORM.
func (PostTags) TableName() string {
	return "post_tags"
}

// PrimaryKey returns the composite post id.
func (tags PostTags) PrimaryKey() string {
	return tags.ID
}

// NewPostTags encodes tag summaries into a storable row.
func NewPostTags(id string, summaries []TagSummary) (PostTags, error) {
	if summaries == nil {
		summaries = []TagSummary{}
	}
	encoded, err := json.Marshal(summaries)
	if err != nil {
		return PostTags{}, err
	}
	return PostTags{ID: id, TagsJSON: string(encoded)}, nil
}

// Summaries decodes the stored tag summaries.
func (tags PostTags) Summaries() ([]TagSummary, error) {
	var summaries []TagSummary
	if tags.TagsJSON == "" {
		return summaries, nil
	}
	if err := json.Unmarshal([]byte(tags.TagsJSON), &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

// PostTagsModel wraps the post_tags table.
type PostTagsModel struct {
	*Table[string, PostTags]
}

// NewPostTagsModel binds the model to db.
func NewPostTagsModel(db *gorm.DB, logger *zap.Logger) (*PostTagsModel, error) {
	table, err := NewTable[string, PostTags](db, logger)
	if err != nil {
		return nil, err
	}
	return &PostTagsModel{Table: table}, nil
}
