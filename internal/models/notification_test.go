package models

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

const notificationsPayload = `[
	{"timestamp": 1700000003, "body": {"type": "reply", "replied_by": "pk-bob", "parent_post_uri": "pubky://me/pub/pubky.app/posts/1", "reply_uri": "pubky://pk-bob/pub/pubky.app/posts/9"}},
	{"timestamp": 1700000001, "body": {"type": "follow", "followed_by": "pk-alice"}},
	{"timestamp": 1700000002, "body": {"type": "tag_post", "tagged_by": "pk-carol", "tag_label": "go", "post_uri": "pubky://me/pub/pubky.app/posts/1"}}
]`

func decodeEvents(t *testing.T) []NotificationEvent {
	t.Helper()
	var events []NotificationEvent
	if err := json.Unmarshal([]byte(notificationsPayload), &events); err != nil {
		t.Fatalf("failed to decode events: %v", err)
	}
	return events
}

func TestNotificationEventDecodesUnion(t *testing.T) {
	events := decodeEvents(t)
	reply, ok := events[0].Body.(ReplyNotification)
	if !ok {
		t.Fatalf("expected reply body, got %T", events[0].Body)
	}
	if reply.RepliedBy != "pk-bob" || reply.Actor() != "pk-bob" {
		t.Fatalf("unexpected reply body: %+v", reply)
	}
	tag, ok := events[2].Body.(TagPostNotification)
	if !ok || tag.Label != "go" {
		t.Fatalf("unexpected tag body: %#v", events[2].Body)
	}

	encoded, err := json.Marshal(events[1])
	if err != nil {
		t.Fatalf("failed to encode event: %v", err)
	}
	var decoded NotificationEvent
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("failed to decode encoded event: %v", err)
	}
	if decoded.Body != events[1].Body || decoded.Timestamp != events[1].Timestamp {
		t.Fatalf("event did not survive encoding: %+v", decoded)
	}
}

func TestDecodeNotificationBodyRejectsUnknownType(t *testing.T) {
	_, err := DecodeNotificationBody([]byte(`{"type":"poke","poked_by":"pk"}`))
	if !errors.Is(err, ErrInvalidNotification) {
		t.Fatalf("expected invalid notification error, got %v", err)
	}
}

func TestNotificationKeyIsDeterministic(t *testing.T) {
	first := NotificationKey(NotificationFollow, 1700000001, "pk-alice")
	second := NotificationKey(NotificationFollow, 1700000001, "pk-alice")
	other := NotificationKey(NotificationFollow, 1700000002, "pk-alice")
	if first != second {
		t.Fatalf("expected identical keys, got %s and %s", first, second)
	}
	if first == other {
		t.Fatalf("expected distinct keys for distinct timestamps")
	}
}

func TestSaveEventsReplayIsIdempotent(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()
	events := decodeEvents(t)

	for attempt := 0; attempt < 2; attempt++ {
		if err := store.Notifications.SaveEvents(ctx, events); err != nil {
			t.Fatalf("save %d failed: %v", attempt, err)
		}
	}

	count, err := store.Notifications.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != int64(len(events)) {
		t.Fatalf("expected %d rows after replay, got %d", len(events), count)
	}
}

func TestGetRecentOrdersNewestFirst(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()
	if err := store.Notifications.SaveEvents(ctx, decodeEvents(t)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	recent, err := store.Notifications.GetRecent(ctx, 2)
	if err != nil {
		t.Fatalf("get recent failed: %v", err)
	}
	if len(recent) != 2 || recent[0].Timestamp != 1700000003 || recent[1].Timestamp != 1700000002 {
		t.Fatalf("unexpected order: %+v", recent)
	}

	follows, err := store.Notifications.GetRecentByType(ctx, NotificationFollow, 10)
	if err != nil {
		t.Fatalf("get recent by type failed: %v", err)
	}
	if len(follows) != 1 || follows[0].Actor != "pk-alice" {
		t.Fatalf("unexpected follows: %+v", follows)
	}
	event, err := follows[0].Event()
	if err != nil {
		t.Fatalf("failed to restore event: %v", err)
	}
	if _, ok := event.Body.(FollowNotification); !ok {
		t.Fatalf("expected follow body, got %T", event.Body)
	}
}

func TestLatestTimestampAndCountSince(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()

	latest, err := store.Notifications.LatestTimestamp(ctx)
	if err != nil || latest != 0 {
		t.Fatalf("expected zero latest timestamp on empty table, got %d (%v)", latest, err)
	}

	if err := store.Notifications.SaveEvents(ctx, decodeEvents(t)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	latest, err = store.Notifications.LatestTimestamp(ctx)
	if err != nil || latest != 1700000003 {
		t.Fatalf("expected latest 1700000003, got %d (%v)", latest, err)
	}
	unread, err := store.Notifications.CountSince(ctx, 1700000001)
	if err != nil || unread != 2 {
		t.Fatalf("expected 2 unread, got %d (%v)", unread, err)
	}
}
