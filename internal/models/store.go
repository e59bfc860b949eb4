package models

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store groups the entity models bound to one local database.
type Store struct {
	Details       *PostDetailsModel
	Counts        *PostCountsModel
	Relationships *PostRelationshipsModel
	Tags          *PostTagsModel
	Streams       *PostStreamModel
	Notifications *NotificationModel
}

// NewStore binds every entity model to db.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	details, err := NewPostDetailsModel(db, logger)
	if err != nil {
		return nil, err
	}
	counts, err := NewPostCountsModel(db, logger)
	if err != nil {
		return nil, err
	}
	relationships, err := NewPostRelationshipsModel(db, logger)
	if err != nil {
		return nil, err
	}
	tags, err := NewPostTagsModel(db, logger)
	if err != nil {
		return nil, err
	}
	streams, err := NewPostStreamModel(db, logger)
	if err != nil {
		return nil, err
	}
	notifications, err := NewNotificationModel(db, logger)
	if err != nil {
		return nil, err
	}
	return &Store{
		Details:       details,
		Counts:        counts,
		Relationships: relationships,
		Tags:          tags,
		Streams:       streams,
		Notifications: notifications,
	}, nil
}
