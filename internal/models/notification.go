package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NotificationType discriminates the notification union.
type NotificationType string

const (
	NotificationFollow      NotificationType = "follow"
	NotificationNewFriend   NotificationType = "new_friend"
	NotificationLostFriend  NotificationType = "lost_friend"
	NotificationReply       NotificationType = "reply"
	NotificationRepost      NotificationType = "repost"
	NotificationMention     NotificationType = "mention"
	NotificationTagPost     NotificationType = "tag_post"
	NotificationTagProfile  NotificationType = "tag_profile"
	NotificationPostDeleted NotificationType = "post_deleted"
	NotificationPostEdited  NotificationType = "post_edited"
)

const (
	opGetRecent       = "get_recent"
	opLatestTimestamp = "latest_timestamp"
	opCountSince      = "count_since"
	orderNewestFirst  = "timestamp DESC, id ASC"
)

// notificationNamespace seeds the deterministic notification keys.
var notificationNamespace = uuid.MustParse("6f1c2a7e-3b0d-5c57-9a57-8d1e0c4b2f10")

// NotificationBody is one variant of the notification union.
type NotificationBody interface {
	Type() NotificationType
	Actor() string
}

type FollowNotification struct {
	FollowedBy string `json:"followed_by"`
}

func (FollowNotification) Type() NotificationType { return NotificationFollow }
func (n FollowNotification) Actor() string        { return n.FollowedBy }

type NewFriendNotification struct {
	FollowedBy string `json:"followed_by"`
}

func (NewFriendNotification) Type() NotificationType { return NotificationNewFriend }
func (n NewFriendNotification) Actor() string        { return n.FollowedBy }

type LostFriendNotification struct {
	UnfollowedBy string `json:"unfollowed_by"`
}

func (LostFriendNotification) Type() NotificationType { return NotificationLostFriend }
func (n LostFriendNotification) Actor() string        { return n.UnfollowedBy }

type ReplyNotification struct {
	RepliedBy     string `json:"replied_by"`
	ParentPostURI string `json:"parent_post_uri"`
	ReplyURI      string `json:"reply_uri"`
}

func (ReplyNotification) Type() NotificationType { return NotificationReply }
func (n ReplyNotification) Actor() string        { return n.RepliedBy }

type RepostNotification struct {
	RepostedBy string `json:"reposted_by"`
	EmbedURI   string `json:"embed_uri"`
	RepostURI  string `json:"repost_uri"`
}

func (RepostNotification) Type() NotificationType { return NotificationRepost }
func (n RepostNotification) Actor() string        { return n.RepostedBy }

type MentionNotification struct {
	MentionedBy string `json:"mentioned_by"`
	PostURI     string `json:"post_uri"`
}

func (MentionNotification) Type() NotificationType { return NotificationMention }
func (n MentionNotification) Actor() string        { return n.MentionedBy }

type TagPostNotification struct {
	TaggedBy string `json:"tagged_by"`
	Label    string `json:"tag_label"`
	PostURI  string `json:"post_uri"`
}

func (TagPostNotification) Type() NotificationType { return NotificationTagPost }
func (n TagPostNotification) Actor() string        { return n.TaggedBy }

type TagProfileNotification struct {
	TaggedBy string `json:"tagged_by"`
	Label    string `json:"tag_label"`
}

func (TagProfileNotification) Type() NotificationType { return NotificationTagProfile }
func (n TagProfileNotification) Actor() string        { return n.TaggedBy }

type PostDeletedNotification struct {
	DeletedBy    string `json:"deleted_by"`
	DeleteSource string `json:"delete_source"`
	DeletedURI   string `json:"deleted_uri"`
	LinkedURI    string `json:"linked_uri"`
}

func (PostDeletedNotification) Type() NotificationType { return NotificationPostDeleted }
func (n PostDeletedNotification) Actor() string        { return n.DeletedBy }

type PostEditedNotification struct {
	EditedBy   string `json:"edited_by"`
	EditSource string `json:"edit_source"`
	EditedURI  string `json:"edited_uri"`
	LinkedURI  string `json:"linked_uri"`
}

func (PostEditedNotification) Type() NotificationType { return NotificationPostEdited }
func (n PostEditedNotification) Actor() string        { return n.EditedBy }

// DecodeNotificationBody decodes a body object carrying a "type" discriminator.
func DecodeNotificationBody(raw []byte) (NotificationBody, error) {
	var discriminator struct {
		Type NotificationType `json:"type"`
	}
	if err := json.Unmarshal(raw, &discriminator); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	var body NotificationBody
	var err error
	switch discriminator.Type {
	case NotificationFollow:
		body, err = decodeBody[FollowNotification](raw)
	case NotificationNewFriend:
		body, err = decodeBody[NewFriendNotification](raw)
	case NotificationLostFriend:
		body, err = decodeBody[LostFriendNotification](raw)
	case NotificationReply:
		body, err = decodeBody[ReplyNotification](raw)
	case NotificationRepost:
		body, err = decodeBody[RepostNotification](raw)
	case NotificationMention:
		body, err = decodeBody[MentionNotification](raw)
	case NotificationTagPost:
		body, err = decodeBody[TagPostNotification](raw)
	case NotificationTagProfile:
		body, err = decodeBody[TagProfileNotification](raw)
	case NotificationPostDeleted:
		body, err = decodeBody[PostDeletedNotification](raw)
	case NotificationPostEdited:
		body, err = decodeBody[PostEditedNotification](raw)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidNotification, discriminator.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	return body, nil
}

func decodeBody[T NotificationBody](raw []byte) (NotificationBody, error) {
	var body T
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// EncodeNotificationBody encodes a body object with its "type" discriminator.
func EncodeNotificationBody(body NotificationBody) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}
	typeValue, err := json.Marshal(body.Type())
	if err != nil {
		return nil, err
	}
	fields["type"] = typeValue
	return json.Marshal(fields)
}

// NotificationEvent is a timestamped notification as delivered by the indexer.
type NotificationEvent struct {
	Timestamp int64
	Body      NotificationBody
}

type notificationEventWire struct {
	Timestamp int64           `json:"timestamp"`
	Body      json.RawMessage `json:"body"`
}

// UnmarshalJSON decodes {"timestamp": n, "body": {"type": ..., ...}}.
func (event *NotificationEvent) UnmarshalJSON(data []byte) error {
	var wire notificationEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	body, err := DecodeNotificationBody(wire.Body)
	if err != nil {
		return err
	}
	event.Timestamp = wire.Timestamp
	event.Body = body
	return nil
}

// MarshalJSON encodes the event in its wire shape.
func (event NotificationEvent) MarshalJSON() ([]byte, error) {
	if event.Body == nil {
		return nil, fmt.Errorf("%w: missing body", ErrInvalidNotification)
	}
	body, err := EncodeNotificationBody(event.Body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(notificationEventWire{Timestamp: event.Timestamp, Body: body})
}

// NotificationKey derives the deterministic primary key of a notification.
func NotificationKey(notificationType NotificationType, timestamp int64, actor string) string {
	name := string(notificationType) + "|" + strconv.FormatInt(timestamp, 10) + "|" + actor
	return uuid.NewSHA1(notificationNamespace, []byte(name)).String()
}

// Notification is the stored, flattened form of a NotificationEvent.
type Notification struct {
	ID        string           `gorm:"column:id;primaryKey;size:64;not null"`
	Type      NotificationType `gorm:"column:type;size:32;not null;index"`
	Timestamp int64            `gorm:"column:timestamp;not null;index"`
	Actor     string           `gorm:"column:actor;size:128;not null;default:''"`
	BodyJSON  string           `gorm:"column:body_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// PrimaryKey returns the deterministic notification key.
func (notification Notification) PrimaryKey() string {
	return notification.ID
}

// NewNotification flattens an event into a storable row.
func NewNotification(event NotificationEvent) (Notification, error) {
	if event.Body == nil {
		return Notification{}, fmt.Errorf("%w: missing body", ErrInvalidNotification)
	}
	if event.Timestamp <= 0 {
		return Notification{}, fmt.Errorf("%w: timestamp %d", ErrInvalidNotification, event.Timestamp)
	}
	body, err := EncodeNotificationBody(event.Body)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	return Notification{
		ID:        NotificationKey(event.Body.Type(), event.Timestamp, event.Body.Actor()),
		Type:      event.Body.Type(),
		Timestamp: event.Timestamp,
		Actor:     event.Body.Actor(),
		BodyJSON:  string(body),
	}, nil
}

// Event restores the union form of the stored row.
func (notification Notification) Event() (NotificationEvent, error) {
	body, err := DecodeNotificationBody([]byte(notification.BodyJSON))
	if err != nil {
		return NotificationEvent{}, err
	}
	return NotificationEvent{Timestamp: notification.Timestamp, Body: body}, nil
}

// NotificationModel wraps the notifications table.
type NotificationModel struct {
	*Table[string, Notification]
}

// NewNotificationModel binds the model to db.
func NewNotificationModel(db *gorm.DB, logger *zap.Logger) (*NotificationModel, error) {
	table, err := NewTable[string, Notification](db, logger)
	if err != nil {
		return nil, err
	}
	return &NotificationModel{Table: table}, nil
}

// SaveEvents upserts events; replaying an event replaces its row.
func (m *NotificationModel) SaveEvents(ctx context.Context, events []NotificationEvent) error {
	rows := make([]Notification, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, event := range events {
		row, err := NewNotification(event)
		if err != nil {
			return err
		}
		if _, duplicate := seen[row.ID]; duplicate {
			continue
		}
		seen[row.ID] = struct{}{}
		rows = append(rows, row)
	}
	return m.BulkSave(ctx, rows)
}

// GetRecent returns up to limit notifications, newest first.
func (m *NotificationModel) GetRecent(ctx context.Context, limit int) ([]Notification, error) {
	var rows []Notification
	if err := m.query(ctx).Order(orderNewestFirst).Limit(limit).Find(&rows).Error; err != nil {
		return nil, m.fail(opGetRecent, CodeQueryFailed, err)
	}
	return rows, nil
}

// GetRecentByType returns up to limit notifications of one type, newest first.
func (m *NotificationModel) GetRecentByType(ctx context.Context, notificationType NotificationType, limit int) ([]Notification, error) {
	var rows []Notification
	err := m.query(ctx).
		Where("type = ?", notificationType).
		Order(orderNewestFirst).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, m.fail(opGetRecent, CodeQueryFailed, err)
	}
	return rows, nil
}

// LatestTimestamp returns the newest stored timestamp, or zero for an empty table.
func (m *NotificationModel) LatestTimestamp(ctx context.Context) (int64, error) {
	var latest sql.NullInt64
	if err := m.query(ctx).Select("MAX(timestamp)").Row().Scan(&latest); err != nil {
		return 0, m.fail(opLatestTimestamp, CodeQueryFailed, err)
	}
	return latest.Int64, nil
}

// CountSince counts notifications strictly newer than timestamp.
func (m *NotificationModel) CountSince(ctx context.Context, timestamp int64) (int64, error) {
	var count int64
	if err := m.query(ctx).Where("timestamp > ?", timestamp).Count(&count).Error; err != nil {
		return 0, m.fail(opCountSince, CodeQueryFailed, err)
	}
	return count, nil
}
