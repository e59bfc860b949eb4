package streams

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidStreamID indicates a stream id that does not name a known stream shape.
var ErrInvalidStreamID = errors.New("streams: invalid stream id")

const (
	separator    = ":"
	unreadPrefix = "unread" + separator
)

// Sorting is the remote ordering of a stream.
type Sorting string

const (
	SortingTimeline        Sorting = "timeline"
	SortingTotalEngagement Sorting = "total_engagement"
)

// Source selects whose posts a stream contains.
type Source string

const (
	SourceAll           Source = "all"
	SourceFollowing     Source = "following"
	SourceFollowers     Source = "followers"
	SourceFriends       Source = "friends"
	SourceBookmarks     Source = "bookmarks"
	SourceMe            Source = "me"
	SourceAuthor        Source = "author"
	SourceAuthorReplies Source = "author_replies"
	SourcePostReplies   Source = "post_replies"
)

// Kind filters posts by content kind.
type Kind string

const (
	KindAll   Kind = "all"
	KindShort Kind = "short"
	KindLong  Kind = "long"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindLink  Kind = "link"
	KindFile  Kind = "file"
)

var (
	knownSortings = map[Sorting]struct{}{SortingTimeline: {}, SortingTotalEngagement: {}}
	feedSources   = map[Source]struct{}{
		SourceAll: {}, SourceFollowing: {}, SourceFollowers: {}, SourceFriends: {}, SourceBookmarks: {}, SourceMe: {},
	}
	knownKinds = map[Kind]struct{}{
		KindAll: {}, KindShort: {}, KindLong: {}, KindImage: {}, KindVideo: {}, KindLink: {}, KindFile: {},
	}
)

// StreamID is a parsed stream key such as "timeline:all:all" or "author:{pubky}".
type StreamID struct {
	raw      string
	sorting  Sorting
	source   Source
	kind     Kind
	authorID string
	postID   string
}

// ParseStreamID validates a raw stream key.
//
// Accepted shapes:
//
//	{sorting}:{source}:{kind}
//	author:{pubky}
//	author_replies:{pubky}
//	post_replies:{author}:{postId}
func ParseStreamID(rawInput string) (StreamID, error) {
	raw := strings.TrimSpace(rawInput)
	parts := strings.Split(raw, separator)
	for _, part := range parts {
		if part == "" {
			return StreamID{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidStreamID, rawInput)
		}
	}

	switch Source(parts[0]) {
	case SourceAuthor, SourceAuthorReplies:
		if len(parts) != 2 {
			return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, rawInput)
		}
		return StreamID{raw: raw, sorting: SortingTimeline, source: Source(parts[0]), kind: KindAll, authorID: parts[1]}, nil
	case SourcePostReplies:
		if len(parts) != 3 {
			return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, rawInput)
		}
		return StreamID{raw: raw, sorting: SortingTimeline, source: SourcePostReplies, kind: KindAll, authorID: parts[1], postID: parts[2]}, nil
	}

	if len(parts) != 3 {
		return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, rawInput)
	}
	sorting, source, kind := Sorting(parts[0]), Source(parts[1]), Kind(parts[2])
	if _, ok := knownSortings[sorting]; !ok {
		return StreamID{}, fmt.Errorf("%w: unknown sorting %q", ErrInvalidStreamID, sorting)
	}
	if _, ok := feedSources[source]; !ok {
		return StreamID{}, fmt.Errorf("%w: unknown source %q", ErrInvalidStreamID, source)
	}
	if _, ok := knownKinds[kind]; !ok {
		return StreamID{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidStreamID, kind)
	}
	return StreamID{raw: raw, sorting: sorting, source: source, kind: kind}, nil
}

func (id StreamID) String() string   { return id.raw }
func (id StreamID) Sorting() Sorting { return id.sorting }
func (id StreamID) Source() Source   { return id.source }
func (id StreamID) Kind() Kind       { return id.kind }
func (id StreamID) AuthorID() string { return id.authorID }
func (id StreamID) PostID() string   { return id.postID }

// RequiresObserver reports whether the remote needs the viewer's pubky to resolve the source.
func (id StreamID) RequiresObserver() bool {
	switch id.source {
	case SourceFollowing, SourceFollowers, SourceFriends, SourceBookmarks, SourceMe:
		return true
	default:
		return false
	}
}

// UnreadStreamID returns the key under which new head posts of streamID are cached.
func UnreadStreamID(streamID string) string {
	return unreadPrefix + streamID
}
