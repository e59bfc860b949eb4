package models

import (
	"fmt"
	"strings"
)

const compositeSeparator = ":"

// CompositePostID is the "{authorPubky}:{postId}" key shared by every per-post table.
type CompositePostID string

// NewCompositePostID joins an author and post id after validating both halves.
func NewCompositePostID(author, postID string) (CompositePostID, error) {
	author = strings.TrimSpace(author)
	postID = strings.TrimSpace(postID)
	if author == "" || postID == "" {
		return "", fmt.Errorf("%w: author and post id are required", ErrInvalidCompositePostID)
	}
	if strings.Contains(author, compositeSeparator) || strings.Contains(postID, compositeSeparator) {
		return "", fmt.Errorf("%w: %q:%q contains a separator", ErrInvalidCompositePostID, author, postID)
	}
	return CompositePostID(author + compositeSeparator + postID), nil
}

// ParseCompositePostID validates a raw composite key.
func ParseCompositePostID(rawInput string) (CompositePostID, error) {
	author, postID, found := strings.Cut(strings.TrimSpace(rawInput), compositeSeparator)
	if !found {
		return "", fmt.Errorf("%w: %q", ErrInvalidCompositePostID, rawInput)
	}
	return NewCompositePostID(author, postID)
}

// Author returns the pubky of the post author.
func (id CompositePostID) Author() string {
	author, _, _ := strings.Cut(string(id), compositeSeparator)
	return author
}

// PostID returns the author-scoped post identifier.
func (id CompositePostID) PostID() string {
	_, postID, _ := strings.Cut(string(id), compositeSeparator)
	return postID
}

// String returns the composite key.
func (id CompositePostID) String() string {
	return string(id)
}
