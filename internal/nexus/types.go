package nexus

import (
	"encoding/json"

	"github.com/pubky/pubky-app-cache/internal/models"
)

// PostDetails is the immutable body of a post as served by Nexus.
type PostDetails struct {
	ID          string   `json:"id"`
	Author      string   `json:"author"`
	Content     string   `json:"content"`
	Kind        string   `json:"kind"`
	URI         string   `json:"uri"`
	IndexedAt   int64    `json:"indexed_at"`
	Attachments []string `json:"attachments"`
}

// PostCounts mirrors the engagement counters of a post.
type PostCounts struct {
	Tags       uint32 `json:"tags"`
	UniqueTags uint32 `json:"unique_tags"`
	Replies    uint32 `json:"replies"`
	Reposts    uint32 `json:"reposts"`
}

// PostRelationships links a post to the post it replies to or reposts.
type PostRelationships struct {
	Replied   *string  `json:"replied"`
	Reposted  *string  `json:"reposted"`
	Mentioned []string `json:"mentioned"`
}

// PostView is one entry of a Nexus post stream.
type PostView struct {
	Details       PostDetails         `json:"details"`
	Counts        PostCounts          `json:"counts"`
	Tags          []models.TagSummary `json:"tags"`
	Relationships PostRelationships   `json:"relationships"`
}

// CompositeID returns the "{author}:{postId}" key of the post.
func (view PostView) CompositeID() (models.CompositePostID, error) {
	return models.NewCompositePostID(view.Details.Author, view.Details.ID)
}

// FetchParams selects one page of a stream.
type FetchParams struct {
	StreamID string
	Limit    int
	// Timestamp pages backwards from the given indexed_at; nil requests the head.
	Timestamp *int64
	// ViewerID is the pubky of the signed in user, if any.
	ViewerID string
}

// LocalRecords holds the local rows cached for one fetched post.
type LocalRecords struct {
	Details       models.PostDetails
	Counts        models.PostCounts
	Relationships models.PostRelationships
	Tags          models.PostTags
}

// Records builds the local rows of the post keyed by its composite id.
func (view PostView) Records() (LocalRecords, error) {
	id, err := view.CompositeID()
	if err != nil {
		return LocalRecords{}, err
	}
	key := id.String()

	attachments := view.Details.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	encodedAttachments, err := json.Marshal(attachments)
	if err != nil {
		return LocalRecords{}, err
	}

	mentioned := view.Relationships.Mentioned
	if mentioned == nil {
		mentioned = []string{}
	}
	encodedMentioned, err := json.Marshal(mentioned)
	if err != nil {
		return LocalRecords{}, err
	}

	tags, err := models.NewPostTags(key, view.Tags)
	if err != nil {
		return LocalRecords{}, err
	}

	return LocalRecords{
		Details: models.PostDetails{
			ID:              key,
			Author:          view.Details.Author,
			PostID:          view.Details.ID,
			Content:         view.Details.Content,
			Kind:            view.Details.Kind,
			URI:             view.Details.URI,
			IndexedAt:       view.Details.IndexedAt,
			AttachmentsJSON: string(encodedAttachments),
		},
		Counts: models.PostCounts{
			ID:         key,
			Tags:       view.Counts.Tags,
			UniqueTags: view.Counts.UniqueTags,
			Replies:    view.Counts.Replies,
			Reposts:    view.Counts.Reposts,
		},
		Relationships: models.PostRelationships{
			ID:            key,
			Replied:       derefString(view.Relationships.Replied),
			Reposted:      derefString(view.Relationships.Reposted),
			MentionedJSON: string(encodedMentioned),
		},
		Tags: tags,
	}, nil
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
